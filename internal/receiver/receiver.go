// Package receiver demultiplexes inbound PDUs to incoming transfers and keeps
// the registry of transfers that the user API operates on.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/cfdprx/internal/taskq"
	"github.com/sheerbytes/cfdprx/internal/transfer"
	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

// ErrUnknownTransfer is returned for transfer ids that are not registered.
var ErrUnknownTransfer = errors.New("receiver: unknown transfer")

// DefaultRetention is how long terminal transfers stay registered.
const DefaultRetention = time.Hour

// Config configures a Receiver.
type Config struct {
	// LocalEntityID, when FilterDestination is set, drops PDUs addressed to other entities.
	LocalEntityID     uint64
	FilterDestination bool

	Options   transfer.Options
	Writer    transfer.ObjectWriter
	Events    transfer.EventSink
	Monitor   transfer.Monitor
	Retention time.Duration
	SendQueue int
	Logger    *slog.Logger
}

type entry struct {
	tr    *transfer.Incoming
	queue *taskq.Queue
	route atomic.Pointer[Port]
}

// Send implements transfer.Sender by encoding onto the link the transaction was last heard on.
func (e *entry) Send(p pdu.PDU) {
	if port := e.route.Load(); port != nil {
		port.SendPDU(p)
	}
}

// Receiver owns every incoming transfer.
type Receiver struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	byTx       map[pdu.TransactionID]*entry
	byID       map[uint64]*entry
	tombstones map[pdu.TransactionID]time.Time
	nextID     uint64
	closed     bool
}

// New creates a receiver.
func New(cfg Config) *Receiver {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		cfg:        cfg,
		logger:     cfg.Logger,
		byTx:       make(map[pdu.TransactionID]*entry),
		byID:       make(map[uint64]*entry),
		tombstones: make(map[pdu.TransactionID]time.Time),
	}
}

// Run reads frames from link until ctx is done or the link fails.
// Replies for a transaction go to the link its latest PDU arrived on.
func (r *Receiver) Run(ctx context.Context, name string, link Link) error {
	port := NewPort(name, link, r.cfg.SendQueue, r.logger)
	defer port.Close()
	r.logger.Info("link attached", "link", name)

	for {
		frame, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive on %s: %w", name, err)
		}
		r.HandlePacket(port, frame)
	}
}

// HandlePacket decodes a frame and dispatches it. Undecodable frames are logged and dropped.
func (r *Receiver) HandlePacket(from *Port, frame []byte) {
	p, err := pdu.Decode(frame)
	if err != nil {
		r.logger.Warn("dropping undecodable frame", "len", len(frame), "err", err)
		return
	}
	r.HandlePDU(from, p)
}

// HandlePDU routes p to its transfer, creating the transfer if p can open one.
func (r *Receiver) HandlePDU(from *Port, p pdu.PDU) {
	hdr := p.PDUHeader()
	if hdr.TowardsSender {
		r.logger.Debug("dropping PDU addressed to a file sender", "pdu", p)
		return
	}
	if r.cfg.FilterDestination && hdr.DestinationID != r.cfg.LocalEntityID {
		r.logger.Debug("dropping PDU for another entity", "destination", hdr.DestinationID)
		return
	}
	txid := hdr.TransactionID()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e, ok := r.byTx[txid]
	if !ok {
		if _, archived := r.tombstones[txid]; archived {
			r.mu.Unlock()
			r.logger.Debug("dropping PDU for archived transaction", "txid", txid.String())
			return
		}
		if !opensTransfer(p) {
			r.mu.Unlock()
			r.logger.Info("dropping PDU for unknown transaction", "txid", txid.String(), "pdu", p)
			return
		}
		e = r.newEntry(hdr)
	}
	r.mu.Unlock()

	if from != nil {
		e.route.Store(from)
	}
	e.tr.ProcessPDU(p)
}

func opensTransfer(p pdu.PDU) bool {
	switch p.(type) {
	case *pdu.Metadata, *pdu.FileData, *pdu.EOF:
		return true
	default:
		return false
	}
}

// newEntry must be called with r.mu held.
func (r *Receiver) newEntry(hdr pdu.Header) *entry {
	r.nextID++
	id := r.nextID
	txid := hdr.TransactionID()
	logger := r.logger.With("txid", txid.String())

	e := &entry{queue: taskq.NewQueue(logger)}
	e.tr = transfer.NewIncoming(transfer.IncomingConfig{
		ID:       id,
		Header:   hdr,
		Executor: e.queue,
		Options:  r.cfg.Options,
		Sender:   e,
		Writer:   r.cfg.Writer,
		Events:   r.cfg.Events,
		Monitor:  r.cfg.Monitor,
		Logger:   r.logger,
	})
	r.byTx[txid] = e
	r.byID[id] = e
	r.logger.Info("new incoming transfer", "id", id, "txid", txid.String(), "acknowledged", hdr.Acknowledged)
	return e
}

func (r *Receiver) lookup(id uint64) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransfer, id)
	}
	return e, nil
}

// Suspend requests suspension of transfer id.
func (r *Receiver) Suspend(id uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.tr.Suspend()
	return nil
}

// Resume requests resumption of transfer id.
func (r *Receiver) Resume(id uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.tr.Resume()
	return nil
}

// Cancel requests cancellation of transfer id.
func (r *Receiver) Cancel(id uint64) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.tr.Cancel()
	return nil
}

// Get returns the snapshot of transfer id.
func (r *Receiver) Get(id uint64) (transfer.Info, error) {
	e, err := r.lookup(id)
	if err != nil {
		return transfer.Info{}, err
	}
	return e.tr.Info(), nil
}

// List returns snapshots of every registered transfer, ordered by id.
func (r *Receiver) List() []transfer.Info {
	r.mu.Lock()
	out := make([]transfer.Info, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.tr.Info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupTerminal archives transfers that have been terminal for longer than the retention.
// Archived transaction ids are remembered for another retention period so late PDUs
// cannot reopen them. It returns the number of archived transfers.
func (r *Receiver) CleanupTerminal(now time.Time) int {
	var archived []*entry
	r.mu.Lock()
	for txid, until := range r.tombstones {
		if now.After(until) {
			delete(r.tombstones, txid)
		}
	}
	for txid, e := range r.byTx {
		info := e.tr.Info()
		if !info.State.Terminal() || now.Sub(info.UpdateTime) < r.cfg.Retention {
			continue
		}
		delete(r.byTx, txid)
		delete(r.byID, info.ID)
		r.tombstones[txid] = now.Add(r.cfg.Retention)
		archived = append(archived, e)
	}
	r.mu.Unlock()

	for _, e := range archived {
		e.queue.Close()
		r.logger.Info("archived transfer", "id", e.tr.ID(), "txid", e.tr.TransactionID().String())
	}
	return len(archived)
}

// Janitor calls CleanupTerminal every interval until ctx is done.
func (r *Receiver) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.CleanupTerminal(now)
		}
	}
}

// Close stops every transfer queue. Transfers are not failed; their state is left as is.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.queue.Close()
	}
}
