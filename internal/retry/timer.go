// Package retry provides a bounded retry timer driven by a transfer's executor.
package retry

import (
	"time"

	"github.com/sheerbytes/cfdprx/internal/taskq"
)

// Timer fires onFire once per interval, up to maxAttempts times. On the tick
// after the last attempt it runs onExhausted once and disarms.
//
// A Timer must only be used from its executor's sequence.
type Timer struct {
	exec        taskq.Executor
	maxAttempts int
	interval    time.Duration

	attempts int
	armed    bool
	pending  taskq.Timer
	gen      uint64
}

// New creates a disarmed timer.
func New(exec taskq.Executor, maxAttempts int, interval time.Duration) *Timer {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Timer{exec: exec, maxAttempts: maxAttempts, interval: interval}
}

// Start arms the timer from attempt zero, replacing any previous callbacks.
func (t *Timer) Start(onFire, onExhausted func()) {
	t.Cancel()
	t.attempts = 0
	t.armed = true
	t.gen++
	t.schedule(t.gen, onFire, onExhausted)
}

func (t *Timer) schedule(gen uint64, onFire, onExhausted func()) {
	t.pending = t.exec.Schedule(t.interval, func() {
		if !t.armed || gen != t.gen {
			return
		}
		if t.attempts >= t.maxAttempts {
			t.armed = false
			t.pending = nil
			if onExhausted != nil {
				onExhausted()
			}
			return
		}
		t.attempts++
		if onFire != nil {
			onFire()
		}
		// onFire may have cancelled or restarted the timer
		if t.armed && gen == t.gen {
			t.schedule(gen, onFire, onExhausted)
		}
	})
}

// Cancel disarms the timer. It is idempotent.
func (t *Timer) Cancel() {
	t.armed = false
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Attempts returns how many times onFire ran since the last Start.
func (t *Timer) Attempts() int { return t.attempts }

// Armed reports whether the timer will fire again.
func (t *Timer) Armed() bool { return t.armed }
