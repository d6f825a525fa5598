// Package events carries the typed event stream emitted by the timer core.
// It replaces ad-hoc callbacks with one bus every consumer (presentation,
// reminders, persistence, network display) subscribes to independently.
package events

import (
	"sync"
	"time"

	"github.com/ontimeapp/ontime/internal/models"
)

// EventType identifies an event on the bus
type EventType string

const (
	TimerTimeUpdatedEvent      EventType = "timer:time_updated"
	TimerStateChangedEvent     EventType = "timer:state_changed"
	TimerCurrentTimeEvent      EventType = "timer:current_time"
	TimerMeetingCountdownEvent EventType = "timer:meeting_countdown"

	MeetingStartedEvent    EventType = "meeting:started"
	MeetingEndedEvent      EventType = "meeting:ended"
	PartChangedEvent       EventType = "meeting:part_changed"
	PartCompletedEvent     EventType = "meeting:part_completed"
	TransitionStartedEvent EventType = "meeting:transition_started"
	MeetingOvertimeEvent   EventType = "meeting:overtime"
	EndTimePredictionEvent EventType = "meeting:end_time_prediction"
	CountdownStartedEvent  EventType = "meeting:countdown_started"

	SessionSavedEvent    EventType = "session:saved"
	SettingsChangedEvent EventType = "settings:changed"

	RemindStartEvent   EventType = "reminder:start"
	RemindAdvanceEvent EventType = "reminder:advance"
)

// AppEvent is one entry on the event stream
type AppEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// TimePayload carries remaining seconds; negative while in overtime
type TimePayload struct {
	Seconds int `json:"seconds"`
}

// StatePayload carries a timer state name
type StatePayload struct {
	State string `json:"state"`
}

// ClockPayload carries the formatted wall-clock text shown while idle
type ClockPayload struct {
	Text string `json:"text"`
}

// CountdownPayload carries the countdown-to-start display data
type CountdownPayload struct {
	Seconds int    `json:"seconds"`
	Text    string `json:"text"`
}

// PartPayload identifies the newly active part
type PartPayload struct {
	Part  *models.MeetingPart `json:"part"`
	Index int                 `json:"index"`
}

// PartCompletedPayload identifies a completed part by global index
type PartCompletedPayload struct {
	Index int `json:"index"`
}

// TransitionPayload describes a chairman transition interval
type TransitionPayload struct {
	Label     string `json:"label"`
	NextIndex int    `json:"next_index"`
}

// OvertimePayload carries accumulated meeting overtime
type OvertimePayload struct {
	Seconds int `json:"seconds"`
}

// EndTimePredictionPayload carries the three end-time projections
type EndTimePredictionPayload struct {
	Original  time.Time `json:"original"`
	Predicted time.Time `json:"predicted"`
	Target    time.Time `json:"target"`
}

// CountdownStartedPayload carries the instant a pre-meeting countdown targets
type CountdownStartedPayload struct {
	Target time.Time `json:"target"`
}

// Emitter is the write side of the bus
type Emitter interface {
	Emit(event AppEvent)
}

// Bus dispatches events synchronously, in subscription order. Handlers run
// on the emitting goroutine and must not mutate timer or orchestrator state
// re-entrantly.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(AppEvent)
	keys []int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(AppEvent))}
}

// Subscribe registers a handler and returns an unsubscribe function
func (b *Bus) Subscribe(fn func(AppEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.keys = append(b.keys, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, k := range b.keys {
			if k == id {
				b.keys = append(b.keys[:i], b.keys[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers an event to every subscriber in order
func (b *Bus) Emit(event AppEvent) {
	b.mu.RLock()
	handlers := make([]func(AppEvent), 0, len(b.keys))
	for _, k := range b.keys {
		if fn, ok := b.subs[k]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}
