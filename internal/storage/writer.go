package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single put.
const DefaultWriteTimeout = 30 * time.Second

// Writer performs puts on background goroutines so callers never block on storage.
// At most workers puts run at once; further puts wait for a free slot on their own goroutine.
type Writer struct {
	bucket  Bucket
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWriter creates a writer over bucket.
func NewWriter(bucket Bucket, workers int, logger *slog.Logger) *Writer {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		bucket:  bucket,
		sem:     make(chan struct{}, workers),
		timeout: DefaultWriteTimeout,
		logger:  logger.With("bucket", bucket.Name()),
	}
}

// BucketName returns the name of the target bucket.
func (w *Writer) BucketName() string { return w.bucket.Name() }

// Put stores the object asynchronously and calls done with the result.
func (w *Writer) Put(name string, data []byte, metadata map[string]string, done func(error)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		start := time.Now()
		err := w.bucket.PutObject(ctx, name, data, metadata)
		if err != nil {
			w.logger.Error("put object failed", "object", name, "err", err)
		} else {
			w.logger.Debug("put object", "object", name, "size", len(data), "elapsed", time.Since(start))
		}
		if done != nil {
			done(err)
		}
	}()
}

// Wait blocks until every pending put finished.
func (w *Writer) Wait() {
	w.wg.Wait()
}
