package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sheerbytes/cfdprx/internal/config"
	"github.com/sheerbytes/cfdprx/internal/kiss"
	"github.com/sheerbytes/cfdprx/internal/logging"
	"github.com/sheerbytes/cfdprx/internal/monitor"
	"github.com/sheerbytes/cfdprx/internal/quictransport"
	"github.com/sheerbytes/cfdprx/internal/receiver"
	"github.com/sheerbytes/cfdprx/internal/storage"
	"github.com/sheerbytes/cfdprx/internal/transfer"
)

const serverVersion = "v0.1.0"

const shutdownTimeout = 5 * time.Second

func main() {
	if hasFlag(os.Args[1:], "version") {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	if hasFlag(os.Args[1:], "list-serial") {
		ports, err := kiss.SerialPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, "cfdprx:", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Fprintln(os.Stdout, p)
		}
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cfdprx:", err)
		os.Exit(2)
	}
	logger := logging.NewWithWriter(os.Stdout, "cfdprx", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("cfdprx failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	bucket, closer, err := openBucket(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	writer := storage.NewWriter(bucket, cfg.StorageWorkers, logger)

	var rx *receiver.Receiver
	hub := monitor.NewHub(monitor.Config{
		Logger:           logger,
		ProgressInterval: cfg.ProgressInterval,
		Snapshot:         func() []transfer.Info { return rx.List() },
		Version:          serverVersion,
	})
	rx = receiver.New(receiver.Config{
		LocalEntityID:     cfg.LocalEntityID,
		FilterDestination: cfg.FilterDestination,
		Options:           cfg.Transfer,
		Writer:            writer,
		Events:            monitor.NewEvents(logger, hub),
		Monitor:           hub,
		Retention:         cfg.Retention,
		Logger:            logger,
	})

	linkCtx, cancelLinks := context.WithCancel(ctx)
	defer cancelLinks()
	var wg sync.WaitGroup

	if cfg.QUICAddr != "" {
		ln, err := quictransport.Listen(cfg.QUICAddr, logger)
		if err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		defer ln.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptQUIC(linkCtx, ln, rx, logger, &wg)
		}()
	}
	if cfg.SerialDevice != "" {
		link, err := kiss.OpenSerial(kiss.SerialConfig{
			Device:   cfg.SerialDevice,
			BaudRate: cfg.SerialBaud,
			Port:     uint8(cfg.KISSPort),
		}, logger)
		if err != nil {
			return fmt.Errorf("open serial TNC: %w", err)
		}
		serveLink(linkCtx, &wg, rx, "serial:"+cfg.SerialDevice, link, logger)
	}
	if cfg.KISSTCPAddr != "" {
		link, err := kiss.DialTCP(ctx, cfg.KISSTCPAddr, uint8(cfg.KISSPort), logger)
		if err != nil {
			return fmt.Errorf("dial KISS TNC: %w", err)
		}
		serveLink(linkCtx, &wg, rx, "kiss:"+cfg.KISSTCPAddr, link, logger)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rx.Janitor(linkCtx, cfg.JanitorInterval)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newAPI(rx, hub, bucket, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("cfdprx started",
		"http", cfg.HTTPAddr,
		"quic", cfg.QUICAddr,
		"serial", cfg.SerialDevice,
		"kiss_tcp", cfg.KISSTCPAddr,
		"storage", cfg.Storage,
		"bucket", cfg.Bucket)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	cancelLinks()
	wg.Wait()
	rx.Close()
	writer.Wait()
	return runErr
}

func openBucket(cfg config.ServerConfig) (storage.Bucket, io.Closer, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemoryBucket(cfg.Bucket), nopCloser{}, nil
	case config.StorageRedis:
		b, err := storage.NewRedisBucket(cfg.Bucket, storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		b, err := storage.NewFileBucket(cfg.StorageDir, cfg.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return b, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func acceptQUIC(ctx context.Context, ln *quictransport.Listener, rx *receiver.Receiver, logger *slog.Logger, wg *sync.WaitGroup) {
	logger.Info("quic listener ready", "addr", ln.Addr())
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("quic accept failed", "error", err)
			}
			return
		}
		serveLink(ctx, wg, rx, "quic:"+link.RemoteAddr(), link, logger)
	}
}

func serveLink(ctx context.Context, wg *sync.WaitGroup, rx *receiver.Receiver, name string, link receiver.Link, logger *slog.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer link.Close()
		if err := rx.Run(ctx, name, link); err != nil {
			logger.Info("link closed", "link", name, "error", err)
		}
	}()
}

// hasFlag reports whether -name or --name is present. Used for flags that
// exit before configuration is parsed.
func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "-"+name || arg == "--"+name {
			return true
		}
	}
	return false
}
