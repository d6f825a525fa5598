package services

import (
	"time"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

// ReminderService nudges the chairman at two moments: shortly after the
// scheduled start when the meeting hasn't begun, and when the current part
// has been in overtime for a while. It watches the event stream rather than
// the orchestrator directly, so it can be disabled without touching the core.
type ReminderService struct {
	sched    scheduler.Scheduler
	emitter  events.Emitter
	settings *models.SettingsManager

	startTask   scheduler.Task
	overrunTask scheduler.Task

	unsubscribe func()
}

// NewReminderService creates a reminder service and subscribes it to the bus
func NewReminderService(sched scheduler.Scheduler, bus *events.Bus, settings *models.SettingsManager) *ReminderService {
	r := &ReminderService{
		sched:    sched,
		emitter:  bus,
		settings: settings,
	}
	r.unsubscribe = bus.Subscribe(r.handleEvent)
	return r
}

// Close unsubscribes from the bus and cancels any pending reminders
func (r *ReminderService) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.cancelStartReminder()
	r.cancelOverrunReminder()
}

func (r *ReminderService) handleEvent(event events.AppEvent) {
	switch event.Type {
	case events.CountdownStartedEvent:
		if payload, ok := event.Payload.(events.CountdownStartedPayload); ok {
			r.armStartReminder(payload.Target)
		}

	case events.MeetingStartedEvent:
		// the meeting began, nobody needs the start nudge anymore
		r.cancelStartReminder()

	case events.PartChangedEvent, events.TransitionStartedEvent, events.MeetingEndedEvent:
		r.cancelOverrunReminder()

	case events.TimerStateChangedEvent:
		payload, ok := event.Payload.(events.StatePayload)
		if !ok {
			return
		}
		switch payload.State {
		case TimerOvertime.String():
			r.armOverrunReminder()
		case TimerStopped.String(), TimerRunning.String():
			r.cancelOverrunReminder()
		}
	}
}

// armStartReminder schedules the not-yet-started nudge for shortly after the
// scheduled meeting start
func (r *ReminderService) armStartReminder(target time.Time) {
	if !r.settings.Settings.StartReminderEnabled {
		return
	}
	r.cancelStartReminder()

	delay := target.Sub(r.sched.Now()) + time.Duration(r.settings.Settings.StartReminderDelay)*time.Second
	if delay < 0 {
		delay = 0
	}
	logger.Debugf("arming start reminder in %s", delay)
	r.startTask = r.sched.Once(delay, func() {
		r.startTask = nil
		r.emitter.Emit(events.AppEvent{Type: events.RemindStartEvent})
	})
}

// armOverrunReminder schedules the advance-the-part nudge once a part slips
// into overtime
func (r *ReminderService) armOverrunReminder() {
	if !r.settings.Settings.OverrunEnabled {
		return
	}
	if r.overrunTask != nil {
		return
	}

	delay := time.Duration(r.settings.Settings.OverrunDelay) * time.Second
	logger.Debugf("arming overrun reminder in %s", delay)
	r.overrunTask = r.sched.Once(delay, func() {
		r.overrunTask = nil
		r.emitter.Emit(events.AppEvent{Type: events.RemindAdvanceEvent})
	})
}

func (r *ReminderService) cancelStartReminder() {
	if r.startTask != nil {
		r.startTask.Stop()
		r.startTask = nil
	}
}

func (r *ReminderService) cancelOverrunReminder() {
	if r.overrunTask != nil {
		r.overrunTask.Stop()
		r.overrunTask = nil
	}
}
