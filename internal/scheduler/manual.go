package scheduler

import (
	"sort"
	"time"
)

// ManualScheduler is a deterministic scheduler for tests. Advance moves the
// simulated clock and fires due callbacks in deadline order on the calling
// goroutine. Not safe for concurrent use; tests are single-threaded like the
// core itself.
type ManualScheduler struct {
	now   time.Time
	tasks []*manualTask
	seq   int
}

type manualTask struct {
	at        time.Time
	interval  time.Duration
	fn        func()
	repeating bool
	stopped   bool
	seq       int
}

func (t *manualTask) Stop() {
	t.stopped = true
}

// NewManualScheduler creates a manual scheduler starting at the given instant
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the simulated current time
func (s *ManualScheduler) Now() time.Time {
	return s.now
}

// Every schedules a repeating callback; it first fires interval from now
func (s *ManualScheduler) Every(interval time.Duration, fn func()) Task {
	return s.add(interval, fn, true)
}

// Once schedules a one-shot callback
func (s *ManualScheduler) Once(delay time.Duration, fn func()) Task {
	return s.add(delay, fn, false)
}

// Run executes fn immediately on the calling goroutine
func (s *ManualScheduler) Run(fn func()) {
	fn()
}

// RunWait executes fn immediately on the calling goroutine
func (s *ManualScheduler) RunWait(fn func()) {
	fn()
}

func (s *ManualScheduler) add(d time.Duration, fn func(), repeating bool) Task {
	s.seq++
	t := &manualTask{
		at:        s.now.Add(d),
		interval:  d,
		fn:        fn,
		repeating: repeating,
		seq:       s.seq,
	}
	s.tasks = append(s.tasks, t)
	return t
}

// Advance moves the clock forward by d, firing every due callback in
// deadline order. Repeating tasks may fire multiple times in one Advance.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		s.now = next.at
		if next.repeating {
			next.at = next.at.Add(next.interval)
		} else {
			next.stopped = true
		}
		next.fn()
	}
	s.now = target
	s.compact()
}

func (s *ManualScheduler) nextDue(limit time.Time) *manualTask {
	var due []*manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.at.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (s *ManualScheduler) compact() {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
}
