package protocol

// Message type constants for monitor envelopes.
const (
	TypeHello         = "hello"
	TypeError         = "error"
	TypeTransferList  = "transfer_list"
	TypeTransferState = "transfer_state"
	TypeEvent         = "event"
)

// Event levels.
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)
