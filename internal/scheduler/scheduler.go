// Package scheduler provides the tick source for the timer core. All
// callbacks run on a single dispatch goroutine, so ticks are delivered in
// order and never overlap, and the services built on top need no locking.
package scheduler

import (
	"sync"
	"time"

	"github.com/ontimeapp/ontime/internal/recovery"
)

// Clock supplies the current time. Injected so tests can drive time
// deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

// Task is a scheduled callback that can be cancelled
type Task interface {
	Stop()
}

// Scheduler schedules repeating and one-shot callbacks
type Scheduler interface {
	Clock
	// Every runs fn at the given interval until the task is stopped
	Every(interval time.Duration, fn func()) Task
	// Once runs fn a single time after the given delay
	Once(delay time.Duration, fn func()) Task
	// Run executes fn on the dispatch goroutine. External callers (file
	// watchers, HTTP handlers) use this to touch core state safely.
	Run(fn func())
	// RunWait executes fn on the dispatch goroutine and blocks until it
	// returns. Must not be called from the dispatch goroutine itself.
	RunWait(fn func())
}

// WallScheduler is the production scheduler backed by wall-clock tickers.
// Ticker goroutines only forward callbacks into the dispatch channel; the
// dispatch goroutine executes them serially.
type WallScheduler struct {
	exec chan func()
	done chan struct{}
	once sync.Once
}

// NewWallScheduler creates and starts a wall-clock scheduler
func NewWallScheduler() *WallScheduler {
	s := &WallScheduler{
		exec: make(chan func(), 64),
		done: make(chan struct{}),
	}
	recovery.SafeGo("scheduler-dispatch", s.dispatch)
	return s
}

func (s *WallScheduler) dispatch() {
	for {
		select {
		case fn := <-s.exec:
			fn()
		case <-s.done:
			return
		}
	}
}

// Now returns the current wall-clock time
func (s *WallScheduler) Now() time.Time {
	return time.Now()
}

// Every schedules a repeating callback
func (s *WallScheduler) Every(interval time.Duration, fn func()) Task {
	t := newWallTask()
	recovery.SafeGo("scheduler-every", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !s.submit(fn, t) {
					return
				}
			case <-t.stop:
				return
			case <-s.done:
				return
			}
		}
	})
	return t
}

// Once schedules a one-shot callback
func (s *WallScheduler) Once(delay time.Duration, fn func()) Task {
	t := newWallTask()
	recovery.SafeGo("scheduler-once", func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.submit(fn, t)
		case <-t.stop:
		case <-s.done:
		}
	})
	return t
}

func (s *WallScheduler) submit(fn func(), t *wallTask) bool {
	select {
	case s.exec <- func() {
		// A Stop racing with an in-flight tick must win: the callback is
		// dropped rather than delivered late
		select {
		case <-t.stop:
			return
		default:
		}
		fn()
	}:
		return true
	case <-t.stop:
		return false
	case <-s.done:
		return false
	}
}

// Run enqueues fn for execution on the dispatch goroutine
func (s *WallScheduler) Run(fn func()) {
	select {
	case s.exec <- fn:
	case <-s.done:
	}
}

// RunWait enqueues fn and blocks until it has run
func (s *WallScheduler) RunWait(fn func()) {
	done := make(chan struct{})
	s.Run(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-s.done:
	}
}

// Close shuts down the scheduler and all of its tasks
func (s *WallScheduler) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

type wallTask struct {
	stop chan struct{}
	once sync.Once
}

func newWallTask() *wallTask {
	return &wallTask{stop: make(chan struct{})}
}

func (t *wallTask) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
}
