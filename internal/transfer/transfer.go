// Package transfer implements the receiving side of a CFDP transaction.
//
// An Incoming transfer is driven entirely by its executor: inbound PDUs, timer
// fires and user requests are posted there and run one at a time, so the state
// machine holds no locks. Other goroutines observe it through Info snapshots.
package transfer

import (
	"fmt"
	"time"

	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

// Event types reported to the EventSink.
const (
	EventTransferMeta    = "TRANSFER_META"
	EventFinLimitReached = "FIN_LIMIT_REACHED"
)

// Sender hands an outbound PDU to the transport. It must not block.
type Sender interface {
	Send(p pdu.PDU)
}

// ObjectWriter persists a received file without blocking the caller.
// done is called from another goroutine once the write finished.
type ObjectWriter interface {
	BucketName() string
	Put(name string, data []byte, metadata map[string]string, done func(error))
}

// EventSink receives fire-and-forget notifications. Implementations must be
// safe for concurrent use.
type EventSink interface {
	Info(eventType, msg string)
	Warn(eventType, msg string)
}

// Monitor is told about every externally visible change of a transfer.
// Implementations must be safe for concurrent use.
type Monitor interface {
	StateChanged(info Info)
}

// Transfer is what every transfer direction exposes to the receiver and the API.
type Transfer interface {
	ID() uint64
	TransactionID() pdu.TransactionID
	Info() Info
	ProcessPDU(p pdu.PDU)
	Suspend()
	Resume()
	Cancel()
}

// State is the user visible transfer state.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the transfer can no longer change state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Phase is the protocol state of an incoming transfer.
type Phase int

const (
	PhaseReceiving Phase = iota
	PhaseFinishing
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseReceiving:
		return "RECEIVING"
	case PhaseFinishing:
		return "FINISHING"
	case PhaseCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Info is an immutable snapshot of a transfer.
type Info struct {
	ID             uint64            `json:"id"`
	TransactionID  pdu.TransactionID `json:"transactionId"`
	Acknowledged   bool              `json:"acknowledged"`
	State          State             `json:"state"`
	Phase          Phase             `json:"phase"`
	Bucket         string            `json:"bucket,omitempty"`
	ObjectName     string            `json:"objectName,omitempty"`
	SourceFilename string            `json:"sourceFilename,omitempty"`
	TotalSize      int64             `json:"totalSize"`
	ReceivedSize   int64             `json:"receivedSize"`
	ConditionCode  pdu.ConditionCode `json:"conditionCode"`
	FailureReason  string            `json:"failureReason,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	UpdateTime     time.Time         `json:"updateTime"`
}
