package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/scheduler"
	"github.com/ontimeapp/ontime/internal/services"
)

// BroadcastMessage is one wire frame sent to network displays
type BroadcastMessage struct {
	Event     events.AppEvent `json:"event"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// HeartbeatPayload keeps idle display connections alive
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	Uptime    int64 `json:"uptime"`
}

const heartbeatEvent events.EventType = "heartbeat"

// BroadcastHandler streams timer events to secondary displays over SSE and
// WebSocket, and accepts remote control commands. It subscribes to the bus
// and keeps the latest payload per event type so a display connecting
// mid-meeting can render immediately.
type BroadcastHandler struct {
	sched scheduler.Scheduler
	orch  *services.MeetingOrchestrator

	clients            map[string]chan BroadcastMessage
	clientsMux         sync.RWMutex
	clientConnectTimes map[string]time.Time
	startTime          time.Time

	latest    map[events.EventType]events.AppEvent
	latestMux sync.RWMutex

	unsubscribe func()
}

// NewBroadcastHandler creates a broadcast handler wired to the bus
func NewBroadcastHandler(sched scheduler.Scheduler, bus *events.Bus, orch *services.MeetingOrchestrator) *BroadcastHandler {
	h := &BroadcastHandler{
		sched:              sched,
		orch:               orch,
		clients:            make(map[string]chan BroadcastMessage),
		clientConnectTimes: make(map[string]time.Time),
		startTime:          time.Now(),
		latest:             make(map[events.EventType]events.AppEvent),
	}
	h.unsubscribe = bus.Subscribe(h.handleEvent)
	return h
}

// RegisterRoutes mounts the display and control endpoints on the app
func (h *BroadcastHandler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/v1")
	v1.Get("/events", h.HandleSSE)
	v1.Get("/state", h.HandleState)
	v1.Get("/ws", h.HandleWebSocketUpgrade)

	control := v1.Group("/control")
	control.Post("/start", h.control(func() { h.orch.StartMeeting() }))
	control.Post("/next", h.control(func() { h.orch.NextPart() }))
	control.Post("/previous", h.control(func() { h.orch.PreviousPart() }))
	control.Post("/pause", h.control(func() { h.orch.PauseTimer() }))
	control.Post("/resume", h.control(func() { h.orch.ResumeTimer() }))
	control.Post("/reset", h.control(func() { h.orch.ResetTimer() }))
	control.Post("/stop", h.control(func() { h.orch.StopMeeting() }))
	control.Post("/adjust", h.HandleAdjust)
	control.Post("/jump", h.HandleJump)
}

// handleEvent runs on the scheduler goroutine; it caches the payload and
// fans the frame out to display connections without blocking the core
func (h *BroadcastHandler) handleEvent(event events.AppEvent) {
	h.latestMux.Lock()
	h.latest[event.Type] = event
	h.latestMux.Unlock()

	h.broadcast(event)
}

func (h *BroadcastHandler) broadcast(event events.AppEvent) {
	message := BroadcastMessage{
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}

	h.clientsMux.RLock()
	var clientsToRemove []string
	for clientID, clientChan := range h.clients {
		select {
		case clientChan <- message:
		default:
			// slow or gone; a freshly connected display gets a grace period
			// while its initial state drains
			connectTime, exists := h.clientConnectTimes[clientID]
			if exists && time.Since(connectTime) < 2*time.Second {
				continue
			}
			clientsToRemove = append(clientsToRemove, clientID)
		}
	}
	h.clientsMux.RUnlock()

	for _, clientID := range clientsToRemove {
		h.removeClient(clientID)
	}
}

// HandleSSE streams timer events to a network display.
// GET /v1/events
func (h *BroadcastHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	ch := make(chan BroadcastMessage, 100)
	h.addClient(clientID, ch)
	logger.Infof("display connected via SSE: %s from %s", clientID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.removeClient(clientID)

		send := func(msg BroadcastMessage) bool {
			if msg.Event.Type == "" {
				return true
			}
			b, _ := json.Marshal(msg)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		// initial state so the display renders before the next tick
		if !send(h.makeHeartbeat()) {
			return
		}
		for _, msg := range h.snapshotMessages() {
			if !send(msg) {
				return
			}
		}

		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok || !send(msg) {
					return
				}
			case <-tick.C:
				if !send(h.makeHeartbeat()) {
					return
				}
			}
		}
	}))

	return nil
}

// HandleWebSocketUpgrade streams the same frames over a WebSocket connection.
// GET /v1/ws
func (h *BroadcastHandler) HandleWebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(h.handleWebSocket)(c)
	}
	return fiber.ErrUpgradeRequired
}

func (h *BroadcastHandler) handleWebSocket(c *websocket.Conn) {
	clientID := uuid.New().String()
	ch := make(chan BroadcastMessage, 100)
	h.addClient(clientID, ch)
	defer h.removeClient(clientID)
	logger.Infof("display connected via WebSocket: %s", clientID)

	// drain reads so close frames are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, msg := range h.snapshotMessages() {
		if err := c.WriteJSON(msg); err != nil {
			return
		}
	}

	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		case <-tick.C:
			if err := c.WriteJSON(h.makeHeartbeat()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// HandleState returns the latest payload per event type as one JSON object.
// GET /v1/state
func (h *BroadcastHandler) HandleState(c *fiber.Ctx) error {
	h.latestMux.RLock()
	state := make(map[events.EventType]events.AppEvent, len(h.latest))
	for k, v := range h.latest {
		state[k] = v
	}
	h.latestMux.RUnlock()
	return c.JSON(state)
}

// HandleAdjust adds minutes to the current part's duration.
// POST /v1/control/adjust
func (h *BroadcastHandler) HandleAdjust(c *fiber.Ctx) error {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	h.sched.Run(func() { h.orch.AdjustTime(req.Minutes) })
	return c.JSON(fiber.Map{"status": "ok"})
}

// HandleJump activates the part at the given index.
// POST /v1/control/jump
func (h *BroadcastHandler) HandleJump(c *fiber.Ctx) error {
	var req struct {
		Index int `json:"index"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	h.sched.Run(func() { h.orch.JumpToPart(req.Index) })
	return c.JSON(fiber.Map{"status": "ok"})
}

// control wraps a core operation so it runs on the scheduler goroutine
func (h *BroadcastHandler) control(fn func()) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h.sched.Run(fn)
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func (h *BroadcastHandler) snapshotMessages() []BroadcastMessage {
	h.latestMux.RLock()
	defer h.latestMux.RUnlock()

	// deterministic replay order: state before time, time before predictions
	order := []events.EventType{
		events.PartChangedEvent,
		events.TransitionStartedEvent,
		events.TimerStateChangedEvent,
		events.TimerTimeUpdatedEvent,
		events.TimerCurrentTimeEvent,
		events.TimerMeetingCountdownEvent,
		events.EndTimePredictionEvent,
		events.MeetingOvertimeEvent,
	}
	var msgs []BroadcastMessage
	for _, t := range order {
		if event, ok := h.latest[t]; ok {
			msgs = append(msgs, BroadcastMessage{
				Event:     event,
				Timestamp: time.Now().UnixMilli(),
				ID:        uuid.New().String(),
			})
		}
	}
	return msgs
}

func (h *BroadcastHandler) makeHeartbeat() BroadcastMessage {
	return BroadcastMessage{
		Event: events.AppEvent{
			Type: heartbeatEvent,
			Payload: HeartbeatPayload{
				Timestamp: time.Now().UnixMilli(),
				Uptime:    time.Since(h.startTime).Milliseconds(),
			},
		},
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}

func (h *BroadcastHandler) addClient(id string, ch chan BroadcastMessage) {
	h.clientsMux.Lock()
	h.clients[id] = ch
	h.clientConnectTimes[id] = time.Now()
	h.clientsMux.Unlock()
}

func (h *BroadcastHandler) removeClient(id string) {
	h.clientsMux.Lock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
	delete(h.clientConnectTimes, id)
	h.clientsMux.Unlock()
}

// Stop unsubscribes from the bus and drops all display connections
func (h *BroadcastHandler) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	for _, ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[string]chan BroadcastMessage)
	h.clientConnectTimes = make(map[string]time.Time)
}
