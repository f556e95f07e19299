package protocol

import "time"

// Hello is the first message a monitor client receives.
type Hello struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransferState is the monitor view of one incoming transfer.
type TransferState struct {
	ID             uint64    `json:"id"`
	TransactionID  string    `json:"transaction_id"`
	Acknowledged   bool      `json:"acknowledged"`
	State          string    `json:"state"`
	Phase          string    `json:"phase"`
	Bucket         string    `json:"bucket,omitempty"`
	ObjectName     string    `json:"object_name,omitempty"`
	SourceFilename string    `json:"source_filename,omitempty"`
	TotalSize      int64     `json:"total_size"`
	ReceivedSize   int64     `json:"received_size"`
	Percent        float64   `json:"percent"`
	RateBps        float64   `json:"rate_bps"`
	ETASeconds     float64   `json:"eta_seconds,omitempty"`
	ConditionCode  string    `json:"condition_code"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	StartTime      time.Time `json:"start_time"`
	UpdateTime     time.Time `json:"update_time"`
}

// TransferList is sent to a client right after it connects.
type TransferList struct {
	Transfers []TransferState `json:"transfers"`
}

// Event is a notification raised by a transfer.
type Event struct {
	ID      string    `json:"id"`
	Level   string    `json:"level"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
