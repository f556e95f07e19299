package monitor

import (
	"log/slog"

	"github.com/sheerbytes/cfdprx/pkg/protocol"
)

// Events is a transfer.EventSink that logs every event and forwards it to a Hub.
type Events struct {
	logger *slog.Logger
	hub    *Hub
}

// NewEvents creates an event sink. hub may be nil, in which case events are only logged.
func NewEvents(logger *slog.Logger, hub *Hub) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{logger: logger, hub: hub}
}

func (e *Events) Info(eventType, msg string) {
	e.logger.Info("transfer event", "type", eventType, "msg", msg)
	e.forward(protocol.LevelInfo, eventType, msg)
}

func (e *Events) Warn(eventType, msg string) {
	e.logger.Warn("transfer event", "type", eventType, "msg", msg)
	e.forward(protocol.LevelWarn, eventType, msg)
}

func (e *Events) forward(level, eventType, msg string) {
	if e.hub == nil {
		return
	}
	e.hub.publish(protocol.TypeEvent, protocol.Event{
		ID:      protocol.NewMsgID(),
		Level:   level,
		Type:    eventType,
		Message: msg,
		Time:    e.hub.cfg.Now(),
	})
}
