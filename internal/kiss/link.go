package kiss

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned after the link was closed or its stream ended.
var ErrClosed = errors.New("kiss: link closed")

// Link sends and receives PDUs as KISS data frames on one TNC port.
type Link struct {
	rw     io.ReadWriteCloser
	port   uint8
	logger *slog.Logger

	wmu    sync.Mutex
	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink starts reading frames from rw. Frames for other TNC ports or with
// non-data commands are ignored.
func NewLink(rw io.ReadWriteCloser, port uint8, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		rw:     rw,
		port:   port & 0x0F,
		logger: logger,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// DialTCP connects to a TNC exposing KISS over TCP.
func DialTCP(ctx context.Context, addr string, port uint8, logger *slog.Logger) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewLink(conn, port, logger), nil
}

func (l *Link) readLoop() {
	dec := NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := l.rw.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if f.Command != cmdData || f.Port != l.port {
					continue
				}
				select {
				case l.frames <- f.Payload:
				case <-l.closed:
					return
				default:
					l.logger.Warn("KISS receive queue full, dropping frame", "len", len(f.Payload))
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("KISS read failed", "err", err)
			}
			l.shutdown()
			return
		}
		if n == 0 {
			// serial read timeout
			select {
			case <-l.closed:
				return
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func (l *Link) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := l.rw.Write(Encode(l.port, frame))
	return err
}

func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-l.frames:
		return f, nil
	case <-l.closed:
		// drain what was read before the stream ended
		select {
		case f := <-l.frames:
			return f, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *Link) Close() error {
	l.shutdown()
	return l.rw.Close()
}
