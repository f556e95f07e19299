// Package taskq runs closures one at a time, in submission order, on a dedicated goroutine.
// Every transfer owns one queue; packets, timer fires and user requests for that transfer
// all go through it, so transfer state needs no locking.
package taskq

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled closure that can be stopped.
type Timer interface {
	// Stop prevents the closure from running if it has not started yet.
	// It is idempotent and safe to call from inside the executor.
	Stop()
}

// Executor serializes closures and schedules delayed ones onto the same sequence.
type Executor interface {
	Execute(fn func())
	Schedule(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Queue is an unbounded FIFO drained by a single goroutine.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

var _ Executor = (*Queue)(nil)

// NewQueue starts a queue goroutine.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

// Execute appends fn to the queue. It never blocks. Tasks submitted after Close are dropped.
func (q *Queue) Execute(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("task dropped, queue closed")
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Schedule runs fn on the queue after d. The stop flag is checked on the queue
// goroutine, so a Stop issued by a task guarantees fn never runs afterwards.
func (q *Queue) Schedule(d time.Duration, fn func()) Timer {
	t := &queueTimer{}
	t.timer = time.AfterFunc(d, func() {
		q.Execute(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Now returns the wall clock time.
func (q *Queue) Now() time.Time {
	return time.Now()
}

// Close stops accepting tasks, lets already queued tasks finish and waits for the goroutine to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			q.runTask(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *Queue) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "panic", r)
		}
	}()
	fn()
}

type queueTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *queueTimer) Stop() {
	t.stopped.Store(true)
	t.timer.Stop()
}
