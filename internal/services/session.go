package services

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ontimeapp/ontime/internal/config"
	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/logger"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

const (
	// sessionAutosaveInterval is how often live state hits disk
	sessionAutosaveInterval = 5 * time.Second
	// staleSessionAge is the cutoff past which a recovered session is
	// considered too old to resume
	staleSessionAge = 24 * time.Hour
)

// SessionSource is the slice of the orchestrator the session manager reads
// when refreshing a snapshot
type SessionSource interface {
	SessionSnapshot(state *models.SessionState)
}

// SessionManager persists a periodic snapshot of the live meeting so an
// unclean shutdown can be resumed on the next launch. Autosave failures are
// logged and swallowed; a failed write must never disturb the meeting.
type SessionManager struct {
	sched       scheduler.Scheduler
	bus         *events.Bus
	sessionFile string
	meetingsDir string

	source       SessionSource
	current      *models.SessionState
	autosaveTask scheduler.Task
}

// NewSessionManager creates a session manager rooted at the runtime data
// directory. It subscribes to the bus so state-changing operations flush the
// snapshot immediately, in addition to the periodic autosave.
func NewSessionManager(sched scheduler.Scheduler, bus *events.Bus) *SessionManager {
	m := &SessionManager{
		sched:       sched,
		bus:         bus,
		sessionFile: config.Runtime.SessionFile,
		meetingsDir: config.Runtime.MeetingsDir,
	}
	bus.Subscribe(m.handleEvent)
	return m
}

// handleEvent flushes the snapshot on meeting state changes; a crash right
// after a navigation must not lose it to the autosave interval
func (m *SessionManager) handleEvent(event events.AppEvent) {
	if m.current == nil {
		return
	}
	switch event.Type {
	case events.MeetingStartedEvent, events.PartChangedEvent,
		events.TransitionStartedEvent, events.TimerStateChangedEvent:
		m.UpdateFromSource()
		m.save()
	}
}

// SetSource sets the orchestrator the autosave reads from
func (m *SessionManager) SetSource(source SessionSource) {
	m.source = source
}

// StartSession begins tracking a meeting: it writes an initial snapshot,
// stores a durable copy of the meeting for recovery, and starts autosaving
func (m *SessionManager) StartSession(meeting *models.Meeting, meetingFile string) {
	state := models.NewSessionState()
	state.MeetingFile = meetingFile
	state.RecoveryKey = meeting.RecoveryKey()
	state.MeetingHash = ComputeMeetingHash(meeting)
	state.MeetingStartTime = m.sched.Now().Format(time.RFC3339)
	m.current = state
	m.UpdateFromSource()

	m.saveMeetingForRecovery(meeting)
	m.save()
	m.startAutosave()
}

// ResumeSession continues tracking a recovered session after a successful
// restore, keeping its meeting hash and file reference
func (m *SessionManager) ResumeSession(session *models.SessionState) {
	session.CleanExit = false
	m.current = session
	m.UpdateFromSource()
	m.save()
	m.startAutosave()
}

func (m *SessionManager) startAutosave() {
	if m.autosaveTask != nil {
		m.autosaveTask.Stop()
	}
	m.autosaveTask = m.sched.Every(sessionAutosaveInterval, m.autosave)
}

// UpdateFromSource refreshes the snapshot from the orchestrator. Called on
// every state-changing operation in addition to the periodic autosave.
func (m *SessionManager) UpdateFromSource() {
	if m.current == nil || m.source == nil {
		return
	}
	m.source.SessionSnapshot(m.current)
	m.current.LastSaveTime = m.sched.Now().Format(time.RFC3339)
}

// SetNetworkBroadcastActive records whether the network display was live,
// so recovery can restart it
func (m *SessionManager) SetNetworkBroadcastActive(active bool) {
	if m.current != nil {
		m.current.NetworkBroadcastActive = active
	}
}

// HasActiveSession reports whether a session is currently being tracked
func (m *SessionManager) HasActiveSession() bool {
	return m.current != nil
}

// EndSession stops autosaving; a clean end deletes the snapshot so the next
// launch has nothing to recover
func (m *SessionManager) EndSession(clean bool) {
	if m.autosaveTask != nil {
		m.autosaveTask.Stop()
		m.autosaveTask = nil
	}
	if clean {
		m.deleteSessionFile()
	}
	m.current = nil
}

// ClearSession drops the snapshot file and stops tracking without marking a
// clean exit
func (m *SessionManager) ClearSession() {
	if m.autosaveTask != nil {
		m.autosaveTask.Stop()
		m.autosaveTask = nil
	}
	m.deleteSessionFile()
	m.current = nil
}

// CheckForRecovery returns the prior session if the last shutdown was
// unclean. A leftover snapshot marked clean_exit is deleted, not returned;
// corrupt snapshots read as "no session found".
func (m *SessionManager) CheckForRecovery() *models.SessionState {
	data, err := os.ReadFile(m.sessionFile)
	if err != nil {
		return nil
	}

	var session models.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		logger.Errorf("failed to parse session file: %v", err)
		return nil
	}

	if session.CleanExit {
		m.deleteSessionFile()
		return nil
	}
	return &session
}

// IsSessionStale guards against resuming a session from days ago
func (m *SessionManager) IsSessionStale(session *models.SessionState) bool {
	if session.LastSaveTime == "" {
		return true
	}
	lastSave, err := time.Parse(time.RFC3339, session.LastSaveTime)
	if err != nil {
		return true
	}
	return m.sched.Now().Sub(lastSave) > staleSessionAge
}

// IsMeetingChanged reports whether the meeting content was edited since the
// snapshot was taken; a changed meeting must not be resumed into
func (m *SessionManager) IsMeetingChanged(session *models.SessionState, meeting *models.Meeting) bool {
	return session.MeetingHash != ComputeMeetingHash(meeting)
}

// CalculateAdjustedState reconciles a recovered snapshot against the
// wall-clock time that passed while the application was down:
//
//   - PAUSED snapshots pass through untouched, since a paused timer makes
//     no wall-clock progress
//   - OVERTIME snapshots keep overrunning: the downtime adds to the overrun
//   - RUNNING snapshots lose the downtime from their remaining seconds,
//     spilling into overtime when that goes negative
func (m *SessionManager) CalculateAdjustedState(session *models.SessionState) AdjustedState {
	if session.LastSaveTime == "" {
		return AdjustedState{RemainingSeconds: session.RemainingSeconds}
	}
	lastSave, err := time.Parse(time.RFC3339, session.LastSaveTime)
	if err != nil {
		return AdjustedState{RemainingSeconds: session.RemainingSeconds}
	}

	timePassed := int(m.sched.Now().Sub(lastSave).Seconds())

	if session.TimerState == TimerPaused.String() {
		return AdjustedState{RemainingSeconds: session.RemainingSeconds, WasPaused: true}
	}

	if session.TimerState == TimerOvertime.String() {
		overtime := session.RemainingSeconds
		if overtime < 0 {
			overtime = -overtime
		}
		return AdjustedState{OvertimeSeconds: overtime + timePassed}
	}

	adjusted := session.RemainingSeconds - timePassed
	if adjusted < 0 {
		return AdjustedState{OvertimeSeconds: -adjusted}
	}
	return AdjustedState{RemainingSeconds: adjusted}
}

// LoadRecoveryMeeting reloads the meeting a session refers to, preferring
// the durable copy written at session start over the original file
func (m *SessionManager) LoadRecoveryMeeting(session *models.SessionState) (*models.Meeting, error) {
	if session.RecoveryKey != "" {
		recoveryPath := filepath.Join(m.meetingsDir, session.RecoveryKey+".json")
		if meeting, err := models.LoadMeetingFile(recoveryPath); err == nil {
			return meeting, nil
		}
	}
	return models.LoadMeetingFile(session.MeetingFile)
}

func (m *SessionManager) autosave() {
	if m.current == nil {
		return
	}
	m.UpdateFromSource()
	m.save()
}

func (m *SessionManager) save() {
	if m.current == nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(m.sessionFile), 0755); err != nil {
		logger.Errorf("failed to create session directory: %v", err)
		return
	}

	data, err := json.MarshalIndent(m.current, "", "  ")
	if err != nil {
		logger.Errorf("failed to marshal session: %v", err)
		return
	}

	// write-then-rename so a crash mid-write cannot corrupt the snapshot
	tempFile := m.sessionFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		logger.Errorf("failed to write session file: %v", err)
		return
	}
	if err := os.Rename(tempFile, m.sessionFile); err != nil {
		logger.Errorf("failed to finalize session file: %v", err)
		return
	}

	m.bus.Emit(events.AppEvent{Type: events.SessionSavedEvent})
}

func (m *SessionManager) deleteSessionFile() {
	if err := os.Remove(m.sessionFile); err != nil && !os.IsNotExist(err) {
		logger.Errorf("failed to delete session file: %v", err)
	}
}

// saveMeetingForRecovery writes a durable copy of the meeting keyed by
// type, date and language, so recovery can reload it even when the normal
// content pipeline is unavailable
func (m *SessionManager) saveMeetingForRecovery(meeting *models.Meeting) {
	path := filepath.Join(m.meetingsDir, meeting.RecoveryKey()+".json")
	if err := models.SaveMeetingFile(meeting, path); err != nil {
		logger.Errorf("failed to save meeting for recovery: %v", err)
	}
}

// ComputeMeetingHash fingerprints the parts that matter for resumption:
// titles and durations. Presenter or notes edits don't invalidate recovery.
func ComputeMeetingHash(meeting *models.Meeting) string {
	var entries []string
	for _, part := range meeting.AllParts() {
		entries = append(entries, part.Title+":"+strconv.Itoa(part.DurationMinutes))
	}
	sum := md5.Sum([]byte(strings.Join(entries, "|")))
	return hex.EncodeToString(sum[:])[:8]
}
