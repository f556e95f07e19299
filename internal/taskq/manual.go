package taskq

import (
	"sort"
	"time"
)

// Manual is a deterministic Executor driven by virtual time, for tests.
// Execute runs tasks inline (tasks submitted from inside a task run after it returns);
// scheduled tasks run only when Advance moves the clock past their deadline.
// Manual is not safe for concurrent use.
type Manual struct {
	now     time.Time
	pending []func()
	running bool
	timers  []*manualTimer
	seq     int
}

var _ Executor = (*Manual)(nil)

// NewManual returns a manual executor whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	due     time.Time
	seq     int
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() {
	t.stopped = true
}

// Execute queues fn and drains the queue unless a task is already running.
func (m *Manual) Execute(fn func()) {
	m.pending = append(m.pending, fn)
	if m.running {
		return
	}
	m.running = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		next()
	}
	m.running = false
}

// Schedule registers fn to run once the virtual clock reaches now+d.
func (m *Manual) Schedule(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{due: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual clock.
func (m *Manual) Now() time.Time {
	return m.now
}

// Advance moves the clock forward by d, running due timers in deadline order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.due
		m.Execute(t.fn)
	}
	m.now = target
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.compact()
	return len(m.timers)
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.compact()
	if len(m.timers) == 0 {
		return nil
	}
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	t := m.timers[0]
	if t.due.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return t
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
}
