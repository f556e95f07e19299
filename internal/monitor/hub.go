// Package monitor pushes transfer state changes and events to websocket clients.
package monitor

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sheerbytes/cfdprx/internal/progress"
	"github.com/sheerbytes/cfdprx/internal/transfer"
	"github.com/sheerbytes/cfdprx/pkg/protocol"
	"golang.org/x/time/rate"
)

const (
	// DefaultProgressInterval is the minimum spacing of progress-only updates per transfer.
	DefaultProgressInterval = 250 * time.Millisecond

	clientQueue = 256
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	maxInbound  = 4096
)

// Config configures a Hub.
type Config struct {
	Logger           *slog.Logger
	ProgressInterval time.Duration
	// Snapshot lists the transfers sent to a client when it connects.
	Snapshot func() []transfer.Info
	Now      func() time.Time
	Server   string
	Version  string
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Envelope
}

type track struct {
	limiter *rate.Limiter
	meter   *progress.Meter
	state   transfer.State
	phase   transfer.Phase
}

// Hub fans monitor messages out to every connected client.
// Slow clients miss messages instead of blocking transfers.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	tmu    sync.Mutex
	tracks map[uint64]*track
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Server == "" {
		cfg.Server = "cfdprx"
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		tracks:  make(map[uint64]*track),
	}
}

// StateChanged implements transfer.Monitor. Changes of state or phase are always
// pushed; progress-only updates are rate limited per transfer.
func (h *Hub) StateChanged(info transfer.Info) {
	stats, ok := h.observe(info)
	if !ok {
		return
	}
	h.publish(protocol.TypeTransferState, toState(info, stats))
}

func (h *Hub) observe(info transfer.Info) (progress.Stats, bool) {
	now := h.cfg.Now()
	h.tmu.Lock()
	defer h.tmu.Unlock()

	tr, known := h.tracks[info.ID]
	if !known {
		tr = &track{
			limiter: rate.NewLimiter(rate.Every(h.cfg.ProgressInterval), 1),
			meter:   progress.NewMeterWithNow(h.cfg.Now),
			state:   info.State,
			phase:   info.Phase,
		}
		tr.meter.Start(info.TotalSize)
		h.tracks[info.ID] = tr
	}
	tr.meter.SetTotal(info.TotalSize)
	tr.meter.Observe(info.ReceivedSize)
	stats := tr.meter.Snapshot()

	changed := !known || tr.state != info.State || tr.phase != info.Phase
	tr.state, tr.phase = info.State, info.Phase
	allowed := tr.limiter.AllowN(now, 1)
	if info.State.Terminal() {
		delete(h.tracks, info.ID)
	}
	return stats, changed || allowed
}

func (h *Hub) stats(id uint64) progress.Stats {
	h.tmu.Lock()
	defer h.tmu.Unlock()
	if tr, ok := h.tracks[id]; ok {
		return tr.meter.Snapshot()
	}
	return progress.Stats{}
}

func toState(info transfer.Info, stats progress.Stats) protocol.TransferState {
	st := protocol.TransferState{
		ID:             info.ID,
		TransactionID:  info.TransactionID.String(),
		Acknowledged:   info.Acknowledged,
		State:          info.State.String(),
		Phase:          info.Phase.String(),
		Bucket:         info.Bucket,
		ObjectName:     info.ObjectName,
		SourceFilename: info.SourceFilename,
		TotalSize:      info.TotalSize,
		ReceivedSize:   info.ReceivedSize,
		RateBps:        stats.RateBps,
		ETASeconds:     stats.ETA.Seconds(),
		ConditionCode:  info.ConditionCode.String(),
		FailureReason:  info.FailureReason,
		StartTime:      info.StartTime,
		UpdateTime:     info.UpdateTime,
	}
	if info.TotalSize > 0 {
		st.Percent = float64(info.ReceivedSize) / float64(info.TotalSize) * 100
	}
	return st
}

func (h *Hub) publish(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		h.logger.Error("failed to build monitor message", "type", msgType, "error", err)
		return
	}
	h.Broadcast(env)
}

// Broadcast queues env on every client without blocking.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	// sends happen under the read lock so remove cannot close a channel mid-send
	for _, c := range clients {
		select {
		case c.send <- env:
		default:
			h.logger.Debug("monitor client queue full, dropping message", "client", c.id, "type", env.Type)
		}
	}
	h.mu.RUnlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams monitor messages until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.Envelope, clientQueue),
	}
	h.greet(c)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Info("monitor client connected", "client", c.id, "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()
	h.remove(c)
	h.logger.Info("monitor client disconnected", "client", c.id)
}

func (h *Hub) greet(c *client) {
	if env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		Server:  h.cfg.Server,
		Version: h.cfg.Version,
	}); err == nil {
		c.send <- env
	}
	var list protocol.TransferList
	if h.cfg.Snapshot != nil {
		for _, info := range h.cfg.Snapshot() {
			list.Transfers = append(list.Transfers, toState(info, h.stats(info.ID)))
		}
	}
	if env, err := protocol.NewEnvelope(protocol.TypeTransferList, protocol.NewMsgID(), list); err == nil {
		c.send <- env
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// readLoop discards inbound messages and keeps the read deadline alive through pongs.
func (c *client) readLoop() {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
