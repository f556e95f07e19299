package transfer

import (
	"time"

	"github.com/sheerbytes/cfdprx/internal/fault"
)

const (
	DefaultMaxFileSize       = int64(100 * 1024 * 1024)
	DefaultNakTimeout        = 5 * time.Second
	DefaultNakLimit          = -1
	DefaultFinAckTimeout     = 10 * time.Second
	DefaultFinAckLimit       = 5
	DefaultCheckAckTimeout   = 10 * time.Second
	DefaultCheckAckLimit     = 5
	DefaultInactivityTimeout = 10 * time.Second
)

// Options are the per-transfer reception settings.
type Options struct {
	// MaxFileSize rejects declared sizes (and, before metadata, data offsets) above it.
	MaxFileSize int64
	// NakTimeout is the minimum time between two NAK cycles.
	NakTimeout time.Duration
	// NakLimit is the number of NAK cycles without progress tolerated; <= 0 is unlimited.
	NakLimit int
	// ImmediateNak requests gaps before the EOF arrives.
	ImmediateNak bool

	FinAckTimeout   time.Duration
	FinAckLimit     int
	CheckAckTimeout time.Duration
	CheckAckLimit   int

	InactivityTimeout time.Duration

	// KeepIncomplete persists the partial content of failed transfers.
	KeepIncomplete bool

	FaultPolicy fault.Policy
}

// DefaultOptions returns the receiver defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:       DefaultMaxFileSize,
		NakTimeout:        DefaultNakTimeout,
		NakLimit:          DefaultNakLimit,
		ImmediateNak:      true,
		FinAckTimeout:     DefaultFinAckTimeout,
		FinAckLimit:       DefaultFinAckLimit,
		CheckAckTimeout:   DefaultCheckAckTimeout,
		CheckAckLimit:     DefaultCheckAckLimit,
		InactivityTimeout: DefaultInactivityTimeout,
	}
}

// NormalizeOptions applies defaults to unset durations and sizes and clamps negative limits.
func NormalizeOptions(o Options) Options {
	out := o
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.NakTimeout <= 0 {
		out.NakTimeout = DefaultNakTimeout
	}
	if out.FinAckTimeout <= 0 {
		out.FinAckTimeout = DefaultFinAckTimeout
	}
	if out.FinAckLimit < 0 {
		out.FinAckLimit = 0
	}
	if out.CheckAckTimeout <= 0 {
		out.CheckAckTimeout = DefaultCheckAckTimeout
	}
	if out.CheckAckLimit < 0 {
		out.CheckAckLimit = 0
	}
	if out.InactivityTimeout <= 0 {
		out.InactivityTimeout = DefaultInactivityTimeout
	}
	return out
}
