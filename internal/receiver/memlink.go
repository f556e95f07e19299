package receiver

import (
	"context"
	"errors"
	"sync"
)

// ErrLinkClosed is returned by a closed MemLink.
var ErrLinkClosed = errors.New("receiver: link closed")

// MemLink is an in-memory Link. Frames sent on one end of a pair are received on the other.
type MemLink struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
	done chan struct{}
	peer *MemLink
}

// NewMemLinkPair returns two connected links with the given buffer size.
func NewMemLinkPair(buffer int) (*MemLink, *MemLink) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &MemLink{in: ba, out: ab, done: make(chan struct{})}
	b := &MemLink{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (l *MemLink) Send(ctx context.Context, frame []byte) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	buf := append([]byte(nil), frame...)
	select {
	case <-l.done:
		return ErrLinkClosed
	case <-l.peer.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.out <- buf:
		return nil
	}
}

func (l *MemLink) Receive(ctx context.Context) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	select {
	case <-l.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-l.in:
		return frame, nil
	}
}

func (l *MemLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	case <-l.peer.done:
		return true
	default:
		return false
	}
}
