package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

func newTestReminder(t *testing.T) (*scheduler.ManualScheduler, *events.Bus, *eventRecorder, *ReminderService, *models.SettingsManager) {
	sched := scheduler.NewManualScheduler(testEpoch)
	bus := events.NewBus()
	rec := newEventRecorder(bus)
	settings := models.NewSettingsManager(filepath.Join(t.TempDir(), "settings.json"))
	service := NewReminderService(sched, bus, settings)
	t.Cleanup(service.Close)
	return sched, bus, rec, service, settings
}

func TestReminder_StartReminderFiresAfterScheduledStart(t *testing.T) {
	sched, bus, rec, _, _ := newTestReminder(t)

	bus.Emit(events.AppEvent{
		Type:    events.CountdownStartedEvent,
		Payload: events.CountdownStartedPayload{Target: testEpoch.Add(60 * time.Second)},
	})

	// due at the scheduled start plus the configured delay
	sched.Advance(61 * time.Second)
	assert.Zero(t, rec.count(events.RemindStartEvent))

	sched.Advance(2 * time.Second)
	assert.Equal(t, 1, rec.count(events.RemindStartEvent))
}

func TestReminder_StartReminderCancelledByMeetingStart(t *testing.T) {
	sched, bus, rec, _, _ := newTestReminder(t)

	bus.Emit(events.AppEvent{
		Type:    events.CountdownStartedEvent,
		Payload: events.CountdownStartedPayload{Target: testEpoch.Add(60 * time.Second)},
	})
	bus.Emit(events.AppEvent{Type: events.MeetingStartedEvent})

	sched.Advance(5 * time.Minute)
	assert.Zero(t, rec.count(events.RemindStartEvent))
}

func TestReminder_OverrunReminderFiresAfterDelay(t *testing.T) {
	sched, bus, rec, _, _ := newTestReminder(t)

	bus.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: "OVERTIME"},
	})

	sched.Advance(19 * time.Second)
	assert.Zero(t, rec.count(events.RemindAdvanceEvent))

	sched.Advance(2 * time.Second)
	assert.Equal(t, 1, rec.count(events.RemindAdvanceEvent))
}

func TestReminder_OverrunReminderCancelledByPartChange(t *testing.T) {
	sched, bus, rec, _, _ := newTestReminder(t)

	bus.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: "OVERTIME"},
	})
	bus.Emit(events.AppEvent{Type: events.PartChangedEvent})

	sched.Advance(1 * time.Minute)
	assert.Zero(t, rec.count(events.RemindAdvanceEvent))
}

func TestReminder_OverrunReminderCancelledWhenTimerRecovers(t *testing.T) {
	sched, bus, rec, _, _ := newTestReminder(t)

	bus.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: "OVERTIME"},
	})
	bus.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: "RUNNING"},
	})

	sched.Advance(1 * time.Minute)
	assert.Zero(t, rec.count(events.RemindAdvanceEvent))
}

func TestReminder_DisabledInSettings(t *testing.T) {
	sched, bus, rec, _, settings := newTestReminder(t)
	settings.Settings.StartReminderEnabled = false
	settings.Settings.OverrunEnabled = false

	bus.Emit(events.AppEvent{
		Type:    events.CountdownStartedEvent,
		Payload: events.CountdownStartedPayload{Target: testEpoch.Add(10 * time.Second)},
	})
	bus.Emit(events.AppEvent{
		Type:    events.TimerStateChangedEvent,
		Payload: events.StatePayload{State: "OVERTIME"},
	})

	sched.Advance(5 * time.Minute)
	assert.Zero(t, rec.count(events.RemindStartEvent))
	assert.Zero(t, rec.count(events.RemindAdvanceEvent))
}
