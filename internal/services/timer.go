package services

import (
	"fmt"
	"time"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

// TimerState enumerates the timer's mutually exclusive states
type TimerState int

const (
	TimerStopped TimerState = iota
	TimerRunning
	TimerPaused
	TimerOvertime
	TimerCountdown
	TimerTransition
)

var timerStateNames = map[TimerState]string{
	TimerStopped:    "STOPPED",
	TimerRunning:    "RUNNING",
	TimerPaused:     "PAUSED",
	TimerOvertime:   "OVERTIME",
	TimerCountdown:  "COUNTDOWN",
	TimerTransition: "TRANSITION",
}

func (s TimerState) String() string {
	if name, ok := timerStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseTimerState maps a persisted state name back to a TimerState,
// defaulting to STOPPED for anything unrecognized
func ParseTimerState(name string) TimerState {
	for state, n := range timerStateNames {
		if n == name {
			return state
		}
	}
	return TimerStopped
}

const (
	// activeTickInterval drives RUNNING/OVERTIME/COUNTDOWN/TRANSITION updates
	activeTickInterval = 100 * time.Millisecond
	// idleTickInterval drives the wall-clock display while stopped
	idleTickInterval = time.Second
)

// Timer is the single-interval countdown/overtime/clock primitive. It knows
// nothing about meetings or parts; it counts a duration down against the
// injected scheduler's clock and reports remaining seconds, which go
// negative once a running interval enters overtime.
//
// Operations called from a state that does not support them are silent
// no-ops, so rapid out-of-order calls from the UI cannot corrupt state.
type Timer struct {
	sched   scheduler.Scheduler
	emitter events.Emitter

	state            TimerState
	totalSeconds     int
	remainingSeconds int
	startTime        time.Time
	elapsedAccum     float64 // seconds carried across pauses

	meetingTarget *time.Time // scheduled meeting start shown by the idle clock

	tickTask scheduler.Task
	idleTask scheduler.Task

	// hooks for the orchestrator, invoked after the corresponding bus event
	onStateChanged func(TimerState)
	onTimeUpdated  func(int)
}

// NewTimer creates a stopped timer that immediately begins emitting the idle
// wall-clock text once per second
func NewTimer(sched scheduler.Scheduler, emitter events.Emitter) *Timer {
	t := &Timer{
		sched:   sched,
		emitter: emitter,
		state:   TimerStopped,
	}
	t.startIdleClock()
	return t
}

// OnStateChanged registers the orchestrator's state-change hook
func (t *Timer) OnStateChanged(fn func(TimerState)) {
	t.onStateChanged = fn
}

// OnTimeUpdated registers the orchestrator's time-update hook
func (t *Timer) OnTimeUpdated(fn func(int)) {
	t.onTimeUpdated = fn
}

// State returns the current timer state
func (t *Timer) State() TimerState {
	return t.state
}

// TotalSeconds returns the full planned duration of the current interval
func (t *Timer) TotalSeconds() int {
	return t.totalSeconds
}

// RemainingSeconds returns seconds left; negative while in overtime
func (t *Timer) RemainingSeconds() int {
	return t.remainingSeconds
}

// ElapsedSeconds returns seconds consumed, including overtime
func (t *Timer) ElapsedSeconds() int {
	return t.totalSeconds - t.remainingSeconds
}

// ProgressPercent reports elapsed progress in the range 0-100
func (t *Timer) ProgressPercent() float64 {
	if t.totalSeconds == 0 {
		return 0
	}
	return float64(t.ElapsedSeconds()) / float64(t.totalSeconds) * 100
}

// SetMeetingTarget sets (or clears) the scheduled meeting start the idle
// clock counts down to
func (t *Timer) SetMeetingTarget(target *time.Time) {
	t.meetingTarget = target
}

// Start begins a countdown of the given duration
func (t *Timer) Start(durationSeconds int) {
	t.startInterval(durationSeconds, TimerRunning)
}

// StartTransition begins a countdown that is mechanically identical to a
// running interval but reports the TRANSITION state to observers
func (t *Timer) StartTransition(durationSeconds int) {
	t.startInterval(durationSeconds, TimerTransition)
}

func (t *Timer) startInterval(durationSeconds int, state TimerState) {
	t.stopIdleClock()
	t.stopTicking()
	t.totalSeconds = durationSeconds
	t.remainingSeconds = durationSeconds
	t.startTime = t.sched.Now()
	t.elapsedAccum = 0
	t.setState(state)
	t.emitTime()
	t.startTicking()
}

// Pause suspends a running interval; no-op from any other state
func (t *Timer) Pause() {
	if t.state != TimerRunning {
		return
	}
	t.stopTicking()
	t.elapsedAccum += t.sched.Now().Sub(t.startTime).Seconds()
	t.setState(TimerPaused)
}

// Resume continues a paused interval; no-op from any other state
func (t *Timer) Resume() {
	if t.state != TimerPaused {
		return
	}
	t.startTime = t.sched.Now()
	t.setState(TimerRunning)
	t.startTicking()
}

// Stop forces the timer to STOPPED with zero remaining and hands the display
// over to the idle wall clock
func (t *Timer) Stop() {
	t.stopTicking()
	t.setState(TimerStopped)
	t.remainingSeconds = 0
	t.emitTime()
	t.startIdleClock()
}

// Reset restarts the current duration from zero elapsed without changing
// the running/stopped state; a running interval continues seamlessly
func (t *Timer) Reset() {
	wasRunning := t.state == TimerRunning
	t.stopTicking()
	if wasRunning {
		t.startTime = t.sched.Now()
	}
	t.elapsedAccum = 0
	t.remainingSeconds = t.totalSeconds
	t.emitTime()
	if wasRunning {
		t.startTicking()
	}
}

// AdjustTime changes the total duration by delta seconds (floored at zero)
// and rescales the remaining time to preserve the fraction already elapsed,
// so a mid-part edit doesn't produce a discontinuous jump
func (t *Timer) AdjustTime(deltaSeconds int) {
	newTotal := t.totalSeconds + deltaSeconds
	if newTotal < 0 {
		newTotal = 0
	}

	if t.state != TimerStopped {
		elapsedFraction := 0.0
		if t.totalSeconds > 0 {
			elapsedFraction = float64(t.ElapsedSeconds()) / float64(t.totalSeconds)
		}
		t.remainingSeconds = int(float64(newTotal) * (1 - elapsedFraction))
		// rebase so the next tick continues from the rescaled remaining
		// instead of recomputing against the old elapsed
		t.elapsedAccum = float64(newTotal - t.remainingSeconds)
		t.startTime = t.sched.Now()
	} else {
		t.remainingSeconds = newTotal
	}

	t.totalSeconds = newTotal
	t.emitTime()
}

// SetRemainingTime clamps the remaining time into [0, total]; reaching
// exactly zero while running flips the timer into overtime
func (t *Timer) SetRemainingTime(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > t.totalSeconds {
		seconds = t.totalSeconds
	}
	t.remainingSeconds = seconds
	if t.state != TimerStopped {
		t.elapsedAccum = float64(t.totalSeconds - seconds)
		t.startTime = t.sched.Now()
	}
	t.emitTime()

	if t.remainingSeconds == 0 && t.state == TimerRunning {
		t.setState(TimerOvertime)
	}
}

// StartCountdown counts down to a future wall-clock instant, typically the
// scheduled meeting start. A target already in the past stops immediately.
// Countdowns never overrun; at zero the timer stops.
func (t *Timer) StartCountdown(target time.Time) {
	t.stopIdleClock()
	t.stopTicking()
	t.setState(TimerCountdown)

	now := t.sched.Now()
	diff := target.Sub(now)
	if diff <= 0 {
		t.Stop()
		return
	}

	t.totalSeconds = int(diff.Seconds())
	t.remainingSeconds = t.totalSeconds
	t.startTime = now
	t.elapsedAccum = 0
	t.emitTime()
	t.startTicking()
}

// Restore drives the timer directly into a reconciled state after crash
// recovery: total/remaining are taken as-is and ticking resumes when the
// state calls for it
func (t *Timer) Restore(totalSeconds, remainingSeconds int, state TimerState) {
	t.stopIdleClock()
	t.stopTicking()
	t.totalSeconds = totalSeconds
	t.remainingSeconds = remainingSeconds
	t.startTime = t.sched.Now()
	// elapsed = total - remaining also holds in overtime, where remaining
	// is negative
	t.elapsedAccum = float64(totalSeconds - remainingSeconds)
	t.setState(state)
	t.emitTime()

	switch state {
	case TimerRunning, TimerOvertime, TimerTransition, TimerCountdown:
		t.startTicking()
	case TimerStopped:
		t.startIdleClock()
	}
}

func (t *Timer) tick() {
	switch t.state {
	case TimerRunning, TimerTransition:
		elapsed := t.elapsedAccum + t.sched.Now().Sub(t.startTime).Seconds()
		remaining := t.totalSeconds - int(elapsed)
		if remaining < 0 {
			remaining = 0
		}
		t.remainingSeconds = remaining
		if remaining == 0 {
			t.setState(TimerOvertime)
		}
		t.emitTime()

	case TimerOvertime:
		elapsed := t.elapsedAccum + t.sched.Now().Sub(t.startTime).Seconds()
		t.remainingSeconds = -(int(elapsed) - t.totalSeconds)
		t.emitTime()

	case TimerCountdown:
		elapsed := t.elapsedAccum + t.sched.Now().Sub(t.startTime).Seconds()
		remaining := t.totalSeconds - int(elapsed)
		if remaining < 0 {
			remaining = 0
		}
		t.remainingSeconds = remaining
		t.emitTime()
		if remaining == 0 {
			t.Stop()
		}
	}
}

// idleTick publishes the formatted wall-clock time and, when a meeting start
// is scheduled, a human-readable countdown-to-start message
func (t *Timer) idleTick() {
	if t.state != TimerStopped {
		return
	}
	now := t.sched.Now()
	t.emitter.Emit(events.AppEvent{
		Type:    events.TimerCurrentTimeEvent,
		Payload: events.ClockPayload{Text: now.Format("3:04:05 PM")},
	})

	if t.meetingTarget != nil {
		seconds := int(t.meetingTarget.Sub(now).Seconds())
		t.emitter.Emit(events.AppEvent{
			Type:    events.TimerMeetingCountdownEvent,
			Payload: events.CountdownPayload{Seconds: seconds, Text: countdownText(seconds)},
		})
	}
}

func countdownText(seconds int) string {
	if seconds <= 0 {
		return "starts now"
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("starts in %dh %dm", hours, minutes)
	}
	return fmt.Sprintf("starts in %dm", minutes)
}

func (t *Timer) setState(state TimerState) {
	t.state = state
	t.emitter.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: state.String()},
	})
	if t.onStateChanged != nil {
		t.onStateChanged(state)
	}
}

func (t *Timer) emitTime() {
	t.emitter.Emit(events.AppEvent{
		Type:    events.TimerTimeUpdatedEvent,
		Payload: events.TimePayload{Seconds: t.remainingSeconds},
	})
	if t.onTimeUpdated != nil {
		t.onTimeUpdated(t.remainingSeconds)
	}
}

func (t *Timer) startTicking() {
	if t.tickTask == nil {
		t.tickTask = t.sched.Every(activeTickInterval, t.tick)
	}
}

func (t *Timer) stopTicking() {
	if t.tickTask != nil {
		t.tickTask.Stop()
		t.tickTask = nil
	}
}

func (t *Timer) startIdleClock() {
	if t.idleTask == nil {
		t.idleTask = t.sched.Every(idleTickInterval, t.idleTick)
	}
}

func (t *Timer) stopIdleClock() {
	if t.idleTask != nil {
		t.idleTask.Stop()
		t.idleTask = nil
	}
}
