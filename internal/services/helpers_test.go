package services

import (
	"fmt"
	"time"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

// testEpoch is an arbitrary fixed instant all deterministic tests start from
var testEpoch = time.Date(2025, 3, 12, 19, 0, 0, 0, time.Local)

// eventRecorder captures bus traffic for assertions
type eventRecorder struct {
	events []events.AppEvent
}

func newEventRecorder(bus *events.Bus) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(func(e events.AppEvent) {
		r.events = append(r.events, e)
	})
	return r
}

func (r *eventRecorder) ofType(t events.EventType) []events.AppEvent {
	var out []events.AppEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) count(t events.EventType) int {
	return len(r.ofType(t))
}

func (r *eventRecorder) last(t events.EventType) (events.AppEvent, bool) {
	matches := r.ofType(t)
	if len(matches) == 0 {
		return events.AppEvent{}, false
	}
	return matches[len(matches)-1], true
}

func (r *eventRecorder) reset() {
	r.events = nil
}

// newTestMeeting builds a single-section meeting with one part per duration
func newTestMeeting(mt models.MeetingType, durationsMinutes ...int) *models.Meeting {
	parts := make([]models.MeetingPart, len(durationsMinutes))
	for i, d := range durationsMinutes {
		parts[i] = models.MeetingPart{
			Title:           fmt.Sprintf("Part %d", i+1),
			DurationMinutes: d,
		}
	}
	return &models.Meeting{
		Type:      mt,
		Title:     "Test Meeting",
		Date:      testEpoch.Format("2006-01-02"),
		StartTime: testEpoch.Format("15:04"),
		Sections:  []models.MeetingSection{{Title: "Section", Parts: parts}},
	}
}

// newTestCore wires a timer and orchestrator onto a manual scheduler
func newTestCore(durationsMinutes ...int) (*scheduler.ManualScheduler, *events.Bus, *eventRecorder, *MeetingOrchestrator) {
	return newTestCoreTyped(models.MidweekMeeting, durationsMinutes...)
}

func newTestCoreTyped(mt models.MeetingType, durationsMinutes ...int) (*scheduler.ManualScheduler, *events.Bus, *eventRecorder, *MeetingOrchestrator) {
	sched := scheduler.NewManualScheduler(testEpoch)
	bus := events.NewBus()
	rec := newEventRecorder(bus)
	timer := NewTimer(sched, bus)
	orch := NewMeetingOrchestrator(timer, sched, bus, models.DefaultSettings())
	orch.SetMeeting(newTestMeeting(mt, durationsMinutes...))
	return sched, bus, rec, orch
}
