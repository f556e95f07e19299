package receiver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

// Link carries encoded PDUs. Delivery is best effort: frames may be lost or reordered.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DefaultSendQueue is the number of outbound frames buffered per link.
const DefaultSendQueue = 256

// Port is the outbound side of a link. Frames are written by a single goroutine;
// Send never blocks and drops the frame when the buffer is full.
type Port struct {
	name   string
	link   Link
	ch     chan []byte
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPort starts the writer goroutine for link.
func NewPort(name string, link Link, queue int, logger *slog.Logger) *Port {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Port{
		name:   name,
		link:   link,
		ch:     make(chan []byte, queue),
		logger: logger.With("link", name),
		done:   make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *Port) writeLoop() {
	defer close(p.done)
	for frame := range p.ch {
		if err := p.link.Send(context.Background(), frame); err != nil {
			p.logger.Warn("link send failed", "err", err)
		}
	}
}

// SendFrame queues an encoded frame.
func (p *Port) SendFrame(frame []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.ch <- frame:
		return true
	default:
		p.logger.Warn("send queue full, dropping frame", "len", len(frame))
		return false
	}
}

// SendPDU encodes p and queues it.
func (p *Port) SendPDU(msg pdu.PDU) {
	frame, err := pdu.Encode(msg)
	if err != nil {
		p.logger.Error("encode PDU", "pdu", msg, "err", err)
		return
	}
	p.SendFrame(frame)
}

// Name identifies the link in logs.
func (p *Port) Name() string { return p.name }

// Close stops the writer after the queued frames were written.
func (p *Port) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	<-p.done
}
