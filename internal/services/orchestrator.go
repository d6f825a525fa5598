package services

import (
	"fmt"
	"time"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

// transitionLabel is what observers display during a chairman handoff
const transitionLabel = "Chairman Transition"

// SessionEnder is the slice of the session manager the orchestrator needs
// to close a session on clean meeting end
type SessionEnder interface {
	EndSession(clean bool)
}

// AdjustedState is the reconciled timer state computed from a recovered
// session snapshot plus the wall-clock time that passed while the
// application was down
type AdjustedState struct {
	RemainingSeconds int
	OvertimeSeconds  int
	WasPaused        bool
}

// MeetingOrchestrator sequences a meeting's flattened part list through a
// single Timer: it inserts chairman transitions, accumulates overtime,
// projects end times, and supports live duration redistribution. All calls
// happen on the scheduler's dispatch goroutine, so there is no locking.
type MeetingOrchestrator struct {
	timer    *Timer
	sched    scheduler.Scheduler
	emitter  events.Emitter
	settings *models.AppSettings
	session  SessionEnder

	meeting *models.Meeting
	parts   []*models.MeetingPart

	currentPartIndex        int
	inTransition            bool
	nextPartAfterTransition int
	transitionsUsed         int
	totalOvertimeSeconds    int

	meetingStartTime time.Time
	originalEndTime  time.Time
	targetEndTime    time.Time
	predictedEndTime time.Time

	// navigating rejects re-entrant navigation from event handlers; the
	// core is cooperative, so a plain flag suffices
	navigating bool
}

// NewMeetingOrchestrator wires an orchestrator to its timer
func NewMeetingOrchestrator(timer *Timer, sched scheduler.Scheduler, emitter events.Emitter, settings *models.AppSettings) *MeetingOrchestrator {
	o := &MeetingOrchestrator{
		timer:                   timer,
		sched:                   sched,
		emitter:                 emitter,
		settings:                settings,
		currentPartIndex:        -1,
		nextPartAfterTransition: -1,
	}
	timer.OnStateChanged(o.handleTimerStateChanged)
	timer.OnTimeUpdated(o.handleTimerTimeUpdated)
	return o
}

// SetSessionManager lets the orchestrator end the persisted session cleanly
// when the meeting ends
func (o *MeetingOrchestrator) SetSessionManager(session SessionEnder) {
	o.session = session
}

// Meeting returns the active meeting, if any
func (o *MeetingOrchestrator) Meeting() *models.Meeting {
	return o.meeting
}

// Parts returns the flattened part list for the active meeting
func (o *MeetingOrchestrator) Parts() []*models.MeetingPart {
	return o.parts
}

// CurrentPartIndex returns the global index of the active part, -1 when the
// meeting has not started
func (o *MeetingOrchestrator) CurrentPartIndex() int {
	return o.currentPartIndex
}

// InTransition reports whether a chairman handoff is in progress
func (o *MeetingOrchestrator) InTransition() bool {
	return o.inTransition
}

// Timer returns the underlying countdown primitive
func (o *MeetingOrchestrator) Timer() *Timer {
	return o.timer
}

// EndTimes returns the original, predicted and target end-time projections
func (o *MeetingOrchestrator) EndTimes() (original, predicted, target time.Time) {
	return o.originalEndTime, o.predictedEndTime, o.targetEndTime
}

// SetMeeting installs a meeting: it resets progress, stops the timer, and,
// when the meeting's scheduled start is still in the future, arms a
// pre-meeting countdown. The countdown is skipped if a part was active so
// that re-loading content mid-meeting cannot resurrect it.
func (o *MeetingOrchestrator) SetMeeting(meeting *models.Meeting) {
	wasActive := o.currentPartIndex >= 0 || o.inTransition

	o.meeting = meeting
	o.parts = meeting.AllParts()
	o.currentPartIndex = -1
	o.inTransition = false
	o.nextPartAfterTransition = -1
	o.transitionsUsed = 0
	o.totalOvertimeSeconds = 0
	o.meetingStartTime = time.Time{}
	o.originalEndTime = time.Time{}
	o.targetEndTime = time.Time{}
	o.predictedEndTime = time.Time{}

	o.timer.Stop()

	if wasActive {
		return
	}
	if start, err := meeting.StartDateTime(); err == nil && start.After(o.sched.Now()) {
		o.StartCountdownToMeeting()
	}
}

// StartCountdownToMeeting begins the pre-meeting countdown to the meeting's
// scheduled start
func (o *MeetingOrchestrator) StartCountdownToMeeting() {
	if o.meeting == nil {
		return
	}
	start, err := o.meeting.StartDateTime()
	if err != nil {
		logger.Warnf("meeting has no parseable start time: %v", err)
		return
	}
	o.timer.SetMeetingTarget(&start)
	o.timer.StartCountdown(start)
	o.emitter.Emit(events.AppEvent{
		Type:    events.CountdownStartedEvent,
		Payload: events.CountdownStartedPayload{Target: start},
	})
}

// StartMeeting begins the meeting at part zero. It clears completion flags,
// records the start instant, and computes the original and target end times.
func (o *MeetingOrchestrator) StartMeeting() {
	if o.meeting == nil || len(o.parts) == 0 {
		return
	}

	for _, part := range o.parts {
		part.IsCompleted = false
	}

	o.currentPartIndex = 0
	o.inTransition = false
	o.nextPartAfterTransition = -1
	o.transitionsUsed = 0
	o.totalOvertimeSeconds = 0

	now := o.sched.Now()
	o.meetingStartTime = now
	o.originalEndTime = now.Add(o.plannedMeetingDuration())
	o.updateTargetEndTime()

	o.timer.SetMeetingTarget(nil)
	o.timer.Start(o.parts[0].DurationSeconds())

	o.emitPartChanged(0)
	o.emitter.Emit(events.AppEvent{Type: events.MeetingStartedEvent})
	o.updatePredictedEndTime()
}

// NextPart advances the meeting. Mid-transition it cancels the handoff and
// activates the pending part immediately. Otherwise it completes the current
// part, inserts a chairman transition when one is due, and activates the
// next part or ends the meeting past the final one. Re-entrant calls while
// a navigation is executing are dropped.
func (o *MeetingOrchestrator) NextPart() {
	if o.meeting == nil || len(o.parts) == 0 {
		return
	}
	if o.navigating {
		return
	}
	o.navigating = true
	defer func() { o.navigating = false }()

	if o.inTransition {
		o.completeTransition()
		return
	}

	if o.currentPartIndex >= 0 && o.currentPartIndex < len(o.parts) {
		o.accumulatePartOvertime()
		o.parts[o.currentPartIndex].IsCompleted = true
		o.emitter.Emit(events.AppEvent{
			Type:    events.PartCompletedEvent,
			Payload: events.PartCompletedPayload{Index: o.currentPartIndex},
		})
	}

	next := o.currentPartIndex + 1
	if next >= len(o.parts) {
		o.endMeeting()
		return
	}

	if o.transitionDueBefore(next) {
		o.beginTransition(next)
	} else {
		o.activatePart(next)
	}
	o.updatePredictedEndTime()
}

// PreviousPart steps back one part (floored at zero) and restarts it on its
// full duration; partial elapsed time is not restored. Mid-transition it
// cancels the handoff and restarts the part that had just completed.
func (o *MeetingOrchestrator) PreviousPart() {
	if o.meeting == nil || len(o.parts) == 0 {
		return
	}
	if o.navigating {
		return
	}
	o.navigating = true
	defer func() { o.navigating = false }()

	if o.inTransition {
		o.inTransition = false
		o.nextPartAfterTransition = -1
		o.activatePart(o.currentPartIndex)
		o.updatePredictedEndTime()
		return
	}

	index := o.currentPartIndex - 1
	if index < 0 {
		index = 0
	}
	o.activatePart(index)
	o.updatePredictedEndTime()
}

// JumpToPart activates an arbitrary part, marking everything before it
// completed
func (o *MeetingOrchestrator) JumpToPart(index int) {
	if o.meeting == nil || index < 0 || index >= len(o.parts) {
		return
	}

	o.inTransition = false
	o.nextPartAfterTransition = -1

	for i := 0; i < index; i++ {
		o.parts[i].IsCompleted = true
		o.emitter.Emit(events.AppEvent{
			Type:    events.PartCompletedEvent,
			Payload: events.PartCompletedPayload{Index: i},
		})
	}

	o.activatePart(index)
	o.updatePredictedEndTime()
}

// StopMeeting ends the meeting: any transition is cancelled, the timer is
// stopped, and the persisted session is closed cleanly
func (o *MeetingOrchestrator) StopMeeting() {
	o.endMeeting()
}

// PauseTimer pauses the active part's countdown
func (o *MeetingOrchestrator) PauseTimer() {
	o.timer.Pause()
}

// ResumeTimer resumes a paused countdown
func (o *MeetingOrchestrator) ResumeTimer() {
	o.timer.Resume()
}

// ResetTimer restarts the active part on its full duration
func (o *MeetingOrchestrator) ResetTimer() {
	if o.currentPartIndex >= 0 && o.currentPartIndex < len(o.parts) {
		o.timer.Start(o.parts[o.currentPartIndex].DurationSeconds())
	}
}

// AdjustTime adds or removes whole minutes from the active part's timer
func (o *MeetingOrchestrator) AdjustTime(minutesDelta int) {
	o.timer.AdjustTime(minutesDelta * 60)
	o.updatePredictedEndTime()
}

// UpdateConfiguration installs a fresh settings snapshot. End-time targets
// are recomputed only while a meeting is in progress.
func (o *MeetingOrchestrator) UpdateConfiguration(settings *models.AppSettings) {
	o.settings = settings
	if o.currentPartIndex >= 0 || o.inTransition {
		o.updateTargetEndTime()
		o.updatePredictedEndTime()
	}
}

func (o *MeetingOrchestrator) activatePart(index int) {
	o.currentPartIndex = index
	o.timer.Start(o.parts[index].DurationSeconds())
	o.emitPartChanged(index)
}

func (o *MeetingOrchestrator) beginTransition(next int) {
	o.inTransition = true
	o.nextPartAfterTransition = next
	o.transitionsUsed++
	o.timer.StartTransition(TransitionSeconds)
	o.emitter.Emit(events.AppEvent{
		Type:    events.TransitionStartedEvent,
		Payload: events.TransitionPayload{Label: transitionLabel, NextIndex: next},
	})
}

// completeTransition leaves the handoff and activates the pending part, or
// ends the meeting when the pending index has run off the list
func (o *MeetingOrchestrator) completeTransition() {
	next := o.nextPartAfterTransition
	o.inTransition = false
	o.nextPartAfterTransition = -1

	if next < 0 || next >= len(o.parts) {
		o.endMeeting()
		return
	}
	o.activatePart(next)
	o.updatePredictedEndTime()
}

func (o *MeetingOrchestrator) endMeeting() {
	o.inTransition = false
	o.nextPartAfterTransition = -1
	o.timer.Stop()
	o.currentPartIndex = -1
	o.emitter.Emit(events.AppEvent{Type: events.MeetingEndedEvent})
	if o.session != nil {
		o.session.EndSession(true)
	}
}

// accumulatePartOvertime folds the overrun of the part being left into the
// meeting-wide overtime counter
func (o *MeetingOrchestrator) accumulatePartOvertime() {
	if o.timer.State() == TimerOvertime && o.timer.RemainingSeconds() < 0 {
		o.totalOvertimeSeconds += -o.timer.RemainingSeconds()
	}
}

// transitionDueBefore applies the eligibility rule plus the weekend
// single-transition cap
func (o *MeetingOrchestrator) transitionDueBefore(next int) bool {
	if o.meeting == nil {
		return false
	}
	if o.meeting.Type == models.WeekendMeeting && o.transitionsUsed >= weekendTransitionCap {
		return false
	}
	return IsTransitionEligible(next, o.parts, o.meeting.Type)
}

// pendingTransitionCount counts eligible handoffs before parts that have not
// yet started; firstPending is the index of the first not-yet-started part
func (o *MeetingOrchestrator) pendingTransitionCount(firstPending int) int {
	if o.meeting == nil {
		return 0
	}
	if o.meeting.Type == models.WeekendMeeting {
		if o.transitionsUsed >= weekendTransitionCap {
			return 0
		}
		for next := firstPending; next < len(o.parts); next++ {
			if IsTransitionEligible(next, o.parts, o.meeting.Type) {
				return 1
			}
		}
		return 0
	}

	count := 0
	for next := firstPending; next < len(o.parts); next++ {
		if IsTransitionEligible(next, o.parts, o.meeting.Type) {
			count++
		}
	}
	return count
}

// plannedMeetingDuration is the as-scheduled length: every part's planned
// duration plus one fixed interval per expected transition
func (o *MeetingOrchestrator) plannedMeetingDuration() time.Duration {
	total := 0
	for _, part := range o.parts {
		total += part.DurationSeconds()
	}
	total += TransitionSeconds * o.pendingTransitionCount(1)
	return time.Duration(total) * time.Second
}

func (o *MeetingOrchestrator) updateTargetEndTime() {
	if o.meetingStartTime.IsZero() || o.settings == nil {
		return
	}
	minutes := o.settings.TargetDurationFor(o.meeting)
	o.targetEndTime = o.meetingStartTime.Add(time.Duration(minutes) * time.Minute)
}

// updatePredictedEndTime projects the meeting end forward from now: the
// active interval's remaining time (zero once in overtime), every
// not-yet-started part, and the pending transitions. Projecting from now
// keeps the prediction from ever landing in the past.
func (o *MeetingOrchestrator) updatePredictedEndTime() {
	if o.currentPartIndex < 0 && !o.inTransition {
		return
	}

	remaining := 0
	if o.timer.State() != TimerOvertime && o.timer.RemainingSeconds() > 0 {
		remaining = o.timer.RemainingSeconds()
	}

	firstPending := o.currentPartIndex + 1
	if o.inTransition {
		firstPending = o.nextPartAfterTransition
	}
	for i := firstPending; i >= 0 && i < len(o.parts); i++ {
		remaining += o.parts[i].DurationSeconds()
	}

	pendingFrom := o.currentPartIndex + 1
	if o.inTransition {
		pendingFrom = o.nextPartAfterTransition + 1
	}
	remaining += TransitionSeconds * o.pendingTransitionCount(pendingFrom)

	now := o.sched.Now()
	o.predictedEndTime = now.Add(time.Duration(remaining) * time.Second)

	o.emitter.Emit(events.AppEvent{
		Type: events.EndTimePredictionEvent,
		Payload: events.EndTimePredictionPayload{
			Original:  o.originalEndTime,
			Predicted: o.predictedEndTime,
			Target:    o.targetEndTime,
		},
	})

	overtime := int(o.predictedEndTime.Sub(o.originalEndTime).Seconds())
	if overtime < 0 {
		overtime = 0
	}
	o.emitter.Emit(events.AppEvent{
		Type:    events.MeetingOvertimeEvent,
		Payload: events.OvertimePayload{Seconds: overtime},
	})
}

func (o *MeetingOrchestrator) emitPartChanged(index int) {
	o.emitter.Emit(events.AppEvent{
		Type:    events.PartChangedEvent,
		Payload: events.PartPayload{Part: o.parts[index], Index: index},
	})
}

// handleTimerStateChanged reacts to the timer on the orchestrator's behalf:
// a transition interval that runs out flows straight into the pending part
func (o *MeetingOrchestrator) handleTimerStateChanged(state TimerState) {
	if state == TimerOvertime && o.inTransition {
		o.completeTransition()
	}
}

// handleTimerTimeUpdated recomputes the end-time projection on every tick
func (o *MeetingOrchestrator) handleTimerTimeUpdated(_ int) {
	if o.currentPartIndex >= 0 || o.inTransition {
		o.updatePredictedEndTime()
	}
}

// EndMeetingAt redistributes the durations of the parts from pivotIndex to
// the end so the meeting finishes at target. The split is proportional to
// the parts' current durations (largest-remainder rounding to whole
// minutes); each touched part's pre-adjustment duration is recorded once in
// OriginalDurationMinutes. Insufficient time fails without changing
// anything.
func (o *MeetingOrchestrator) EndMeetingAt(target time.Time, pivotIndex int) error {
	if o.meeting == nil || pivotIndex < 0 || pivotIndex >= len(o.parts) {
		return fmt.Errorf("no part at index %d to redistribute from", pivotIndex)
	}

	now := o.sched.Now()
	available := int(target.Sub(now).Seconds())
	remainingParts := o.parts[pivotIndex:]
	if available < len(remainingParts) {
		return fmt.Errorf("not enough time: %d parts need at least %d seconds, only %d available",
			len(remainingParts), len(remainingParts), available)
	}

	targetTotalMinutes := available / 60
	newDurations := splitProportionally(remainingParts, targetTotalMinutes)

	for i, part := range remainingParts {
		if part.DurationMinutes == newDurations[i] {
			continue
		}
		if part.OriginalDurationMinutes == nil {
			original := part.DurationMinutes
			part.OriginalDurationMinutes = &original
		}
		oldSeconds := part.DurationSeconds()
		part.DurationMinutes = newDurations[i]

		// keep the live countdown in step when the active part shrinks
		// or grows
		if pivotIndex+i == o.currentPartIndex && o.timer.State() != TimerStopped {
			o.timer.AdjustTime(part.DurationSeconds() - oldSeconds)
		}
	}

	o.updatePredictedEndTime()
	return nil
}

// ResetAdjustedDurations restores every redistributed part to its recorded
// original duration
func (o *MeetingOrchestrator) ResetAdjustedDurations() {
	for i, part := range o.parts {
		if part.OriginalDurationMinutes == nil {
			continue
		}
		oldSeconds := part.DurationSeconds()
		part.DurationMinutes = *part.OriginalDurationMinutes
		part.OriginalDurationMinutes = nil

		if i == o.currentPartIndex && o.timer.State() != TimerStopped {
			o.timer.AdjustTime(part.DurationSeconds() - oldSeconds)
		}
	}
	o.updatePredictedEndTime()
}

// splitProportionally divides targetTotal whole minutes across parts in
// proportion to their current durations, assigning leftovers by largest
// fractional share (ties to the earlier part) so the result is
// deterministic and sums exactly to targetTotal
func splitProportionally(parts []*models.MeetingPart, targetTotal int) []int {
	n := len(parts)
	result := make([]int, n)
	currentTotal := 0
	for _, part := range parts {
		currentTotal += part.DurationMinutes
	}

	if currentTotal == 0 {
		// nothing to scale against; spread evenly
		base := targetTotal / n
		extra := targetTotal % n
		for i := range result {
			result[i] = base
			if i < extra {
				result[i]++
			}
		}
		return result
	}

	type remainder struct {
		index    int
		fraction float64
	}
	assigned := 0
	remainders := make([]remainder, n)
	for i, part := range parts {
		ideal := float64(part.DurationMinutes) * float64(targetTotal) / float64(currentTotal)
		result[i] = int(ideal)
		assigned += result[i]
		remainders[i] = remainder{index: i, fraction: ideal - float64(result[i])}
	}

	for assigned < targetTotal {
		best := -1
		for _, r := range remainders {
			if r.fraction < 0 {
				continue
			}
			if best == -1 || r.fraction > remainders[best].fraction {
				best = r.index
			}
		}
		if best == -1 {
			break
		}
		result[best]++
		assigned++
		remainders[best].fraction = -1
	}
	return result
}

// SessionSnapshot copies the orchestrator and timer state into a session
// snapshot for persistence
func (o *MeetingOrchestrator) SessionSnapshot(state *models.SessionState) {
	state.CurrentPartIndex = o.currentPartIndex
	state.TimerState = o.timer.State().String()
	state.TotalSeconds = o.timer.TotalSeconds()
	state.ElapsedSeconds = o.timer.ElapsedSeconds()
	state.RemainingSeconds = o.timer.RemainingSeconds()
	state.InTransition = o.inTransition
	state.NextPartAfterTransition = o.nextPartAfterTransition
	state.TransitionsUsed = o.transitionsUsed
	state.TotalOvertimeSeconds = o.totalOvertimeSeconds
	if !o.meetingStartTime.IsZero() {
		state.MeetingStartTime = o.meetingStartTime.Format(time.RFC3339)
	}
}

// RestoreSession reconstructs a live meeting from a recovered snapshot and
// its reconciled timer state, then re-emits the normal operational events so
// every consumer observes a consistent resumed meeting
func (o *MeetingOrchestrator) RestoreSession(session *models.SessionState, adjusted AdjustedState, meeting *models.Meeting) {
	o.meeting = meeting
	o.parts = meeting.AllParts()

	index := session.CurrentPartIndex
	switch {
	case len(o.parts) == 0:
		// no content to resume into; treat as not started
		index = -1
	case index >= len(o.parts):
		// the part list shrank since the snapshot; fall back to the start
		index = 0
	case index < -1:
		index = -1
	}
	o.currentPartIndex = index

	for i := 0; i < index; i++ {
		o.parts[i].IsCompleted = true
	}

	now := o.sched.Now()
	if t, err := time.Parse(time.RFC3339, session.MeetingStartTime); err == nil {
		o.meetingStartTime = t
	} else {
		o.meetingStartTime = now
	}
	o.originalEndTime = o.meetingStartTime.Add(o.plannedMeetingDuration())
	o.updateTargetEndTime()

	o.totalOvertimeSeconds = session.TotalOvertimeSeconds
	// carry the consumed-transition count over so a recovered weekend
	// meeting cannot exceed its single-handoff cap
	o.transitionsUsed = session.TransitionsUsed

	if index < 0 {
		// the snapshot predates the meeting start; nothing to resume
		return
	}

	total := session.TotalSeconds
	if total == 0 {
		total = o.parts[index].DurationSeconds()
	}

	switch {
	case adjusted.WasPaused:
		o.timer.Restore(total, adjusted.RemainingSeconds, TimerPaused)
	case adjusted.OvertimeSeconds > 0:
		o.timer.Restore(total, -adjusted.OvertimeSeconds, TimerOvertime)
	case session.InTransition:
		o.timer.Restore(total, adjusted.RemainingSeconds, TimerTransition)
	default:
		o.timer.Restore(total, adjusted.RemainingSeconds, TimerRunning)
	}

	// transition flags go in after the timer so the overtime hook cannot
	// complete the restored transition mid-rebuild
	o.inTransition = session.InTransition
	o.nextPartAfterTransition = session.NextPartAfterTransition

	o.emitter.Emit(events.AppEvent{Type: events.MeetingStartedEvent})
	o.emitPartChanged(index)
	o.updatePredictedEndTime()
}
