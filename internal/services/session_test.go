package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontimeapp/ontime/internal/config"
	"github.com/ontimeapp/ontime/internal/events"
	"github.com/ontimeapp/ontime/internal/models"
	"github.com/ontimeapp/ontime/internal/scheduler"
)

type stubSource struct {
	index int
}

func (s *stubSource) SessionSnapshot(state *models.SessionState) {
	state.CurrentPartIndex = s.index
	state.TimerState = "RUNNING"
}

func newTestSessionManager(t *testing.T) (*scheduler.ManualScheduler, *eventRecorder, *SessionManager) {
	t.Setenv("ONTIME_HOME", t.TempDir())
	config.Reload()

	sched := scheduler.NewManualScheduler(testEpoch)
	bus := events.NewBus()
	rec := newEventRecorder(bus)
	return sched, rec, NewSessionManager(sched, bus)
}

func readSessionFile(t *testing.T) *models.SessionState {
	data, err := os.ReadFile(config.Runtime.SessionFile)
	require.NoError(t, err)
	var session models.SessionState
	require.NoError(t, json.Unmarshal(data, &session))
	return &session
}

func TestSessionManager_StartSessionWritesSnapshot(t *testing.T) {
	_, rec, mgr := newTestSessionManager(t)
	meeting := newTestMeeting(models.MidweekMeeting, 5, 10)

	mgr.StartSession(meeting, "/tmp/midweek.json")

	require.True(t, mgr.HasActiveSession())
	session := readSessionFile(t)
	assert.False(t, session.CleanExit)
	assert.Equal(t, "/tmp/midweek.json", session.MeetingFile)
	assert.Len(t, session.MeetingHash, 8)
	assert.Equal(t, -1, session.CurrentPartIndex)
	assert.Equal(t, 1, rec.count(events.SessionSavedEvent))

	// a durable copy of the meeting is stored for recovery
	copyPath := filepath.Join(config.Runtime.MeetingsDir, meeting.RecoveryKey()+".json")
	_, err := os.Stat(copyPath)
	assert.NoError(t, err)
}

func TestSessionManager_AutosaveRefreshesFromSource(t *testing.T) {
	sched, rec, mgr := newTestSessionManager(t)
	source := &stubSource{index: 3}
	mgr.SetSource(source)

	mgr.StartSession(newTestMeeting(models.MidweekMeeting, 5, 10), "m.json")
	rec.reset()

	sched.Advance(5 * time.Second)

	session := readSessionFile(t)
	assert.Equal(t, 3, session.CurrentPartIndex)
	assert.Equal(t, "RUNNING", session.TimerState)
	assert.NotEmpty(t, session.LastSaveTime)
	assert.Equal(t, 1, rec.count(events.SessionSavedEvent))

	// autosave keeps running
	source.index = 4
	sched.Advance(5 * time.Second)
	assert.Equal(t, 4, readSessionFile(t).CurrentPartIndex)
}

func TestSessionManager_NavigationFlushesSnapshotImmediately(t *testing.T) {
	t.Setenv("ONTIME_HOME", t.TempDir())
	config.Reload()

	sched := scheduler.NewManualScheduler(testEpoch)
	bus := events.NewBus()
	timer := NewTimer(sched, bus)
	orch := NewMeetingOrchestrator(timer, sched, bus, models.DefaultSettings())
	mgr := NewSessionManager(sched, bus)
	mgr.SetSource(orch)
	orch.SetSessionManager(mgr)
	orch.SetMeeting(newTestMeeting(models.MidweekMeeting, 5, 10, 8))

	orch.StartMeeting()
	mgr.StartSession(orch.Meeting(), "m.json")
	require.Equal(t, 0, readSessionFile(t).CurrentPartIndex)

	// no autosave tick in between; the navigation itself must hit disk
	orch.NextPart()
	session := readSessionFile(t)
	assert.Equal(t, 1, session.CurrentPartIndex)
	assert.Equal(t, "RUNNING", session.TimerState)

	orch.PauseTimer()
	assert.Equal(t, "PAUSED", readSessionFile(t).TimerState)
}

func TestSessionManager_StartSessionCapturesLiveState(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)
	mgr.SetSource(&stubSource{index: 2})

	mgr.StartSession(newTestMeeting(models.MidweekMeeting, 5, 10, 8), "m.json")

	session := readSessionFile(t)
	assert.Equal(t, 2, session.CurrentPartIndex)
	assert.Equal(t, "RUNNING", session.TimerState)
}

func TestSessionManager_EndSessionCleanDeletesSnapshot(t *testing.T) {
	sched, _, mgr := newTestSessionManager(t)

	mgr.StartSession(newTestMeeting(models.MidweekMeeting, 5), "m.json")
	mgr.EndSession(true)

	_, err := os.Stat(config.Runtime.SessionFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, mgr.HasActiveSession())

	// autosave stopped with the session
	sched.Advance(10 * time.Second)
	_, err = os.Stat(config.Runtime.SessionFile)
	assert.True(t, os.IsNotExist(err))
}

func TestSessionManager_CheckForRecoveryAfterUncleanExit(t *testing.T) {
	sched, _, mgr := newTestSessionManager(t)
	source := &stubSource{index: 2}
	mgr.SetSource(source)

	mgr.StartSession(newTestMeeting(models.MidweekMeeting, 5, 10), "m.json")
	sched.Advance(5 * time.Second)
	// process dies here; no EndSession call

	fresh := NewSessionManager(sched, events.NewBus())
	recovered := fresh.CheckForRecovery()
	require.NotNil(t, recovered)
	assert.Equal(t, 2, recovered.CurrentPartIndex)
	assert.False(t, recovered.CleanExit)
}

func TestSessionManager_CheckForRecoveryIgnoresCleanExit(t *testing.T) {
	sched, _, _ := newTestSessionManager(t)

	session := models.NewSessionState()
	session.CleanExit = true
	data, err := json.Marshal(session)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.Runtime.SessionFile, data, 0644))

	mgr := NewSessionManager(sched, events.NewBus())
	assert.Nil(t, mgr.CheckForRecovery())

	// the leftover snapshot is cleaned up
	_, statErr := os.Stat(config.Runtime.SessionFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSessionManager_CheckForRecoveryCorruptFile(t *testing.T) {
	sched, _, _ := newTestSessionManager(t)
	require.NoError(t, os.WriteFile(config.Runtime.SessionFile, []byte("{not json"), 0644))

	mgr := NewSessionManager(sched, events.NewBus())
	assert.Nil(t, mgr.CheckForRecovery())
}

func TestSessionManager_CheckForRecoveryNoFile(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)
	assert.Nil(t, mgr.CheckForRecovery())
}

func TestSessionManager_IsSessionStale(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)

	session := models.NewSessionState()
	session.LastSaveTime = testEpoch.Add(-25 * time.Hour).Format(time.RFC3339)
	assert.True(t, mgr.IsSessionStale(session))

	session.LastSaveTime = testEpoch.Add(-1 * time.Hour).Format(time.RFC3339)
	assert.False(t, mgr.IsSessionStale(session))

	session.LastSaveTime = ""
	assert.True(t, mgr.IsSessionStale(session))

	session.LastSaveTime = "yesterday-ish"
	assert.True(t, mgr.IsSessionStale(session))
}

func TestSessionManager_IsMeetingChanged(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)
	meeting := newTestMeeting(models.MidweekMeeting, 5, 10)

	session := models.NewSessionState()
	session.MeetingHash = ComputeMeetingHash(meeting)
	assert.False(t, mgr.IsMeetingChanged(session, meeting))

	// presenter edits don't invalidate recovery
	meeting.Sections[0].Parts[0].Presenter = "Somebody Else"
	assert.False(t, mgr.IsMeetingChanged(session, meeting))

	// duration edits do
	meeting.Sections[0].Parts[0].DurationMinutes = 7
	assert.True(t, mgr.IsMeetingChanged(session, meeting))
}

func TestSessionManager_CalculateAdjustedStateRunning(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)

	session := models.NewSessionState()
	session.TimerState = "RUNNING"
	session.RemainingSeconds = 120
	session.LastSaveTime = testEpoch.Add(-60 * time.Second).Format(time.RFC3339)

	adjusted := mgr.CalculateAdjustedState(session)
	assert.Equal(t, 60, adjusted.RemainingSeconds)
	assert.Zero(t, adjusted.OvertimeSeconds)
	assert.False(t, adjusted.WasPaused)
}

func TestSessionManager_CalculateAdjustedStateRunningSpillsIntoOvertime(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)

	// 120 seconds were left, 150 seconds of downtime passed
	session := models.NewSessionState()
	session.TimerState = "RUNNING"
	session.RemainingSeconds = 120
	session.LastSaveTime = testEpoch.Add(-150 * time.Second).Format(time.RFC3339)

	adjusted := mgr.CalculateAdjustedState(session)
	assert.Zero(t, adjusted.RemainingSeconds)
	assert.Equal(t, 30, adjusted.OvertimeSeconds)
}

func TestSessionManager_CalculateAdjustedStatePaused(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)

	session := models.NewSessionState()
	session.TimerState = "PAUSED"
	session.RemainingSeconds = 120
	session.LastSaveTime = testEpoch.Add(-2 * time.Hour).Format(time.RFC3339)

	// a paused timer makes no wall-clock progress, however long it was down
	adjusted := mgr.CalculateAdjustedState(session)
	assert.Equal(t, 120, adjusted.RemainingSeconds)
	assert.True(t, adjusted.WasPaused)
}

func TestSessionManager_CalculateAdjustedStateOvertime(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)

	session := models.NewSessionState()
	session.TimerState = "OVERTIME"
	session.RemainingSeconds = -10
	session.LastSaveTime = testEpoch.Add(-20 * time.Second).Format(time.RFC3339)

	adjusted := mgr.CalculateAdjustedState(session)
	assert.Equal(t, 30, adjusted.OvertimeSeconds)
}

func TestSessionManager_ResumeSessionRestartsAutosave(t *testing.T) {
	sched, _, mgr := newTestSessionManager(t)
	source := &stubSource{index: 1}
	mgr.SetSource(source)

	session := models.NewSessionState()
	session.MeetingFile = "m.json"
	mgr.ResumeSession(session)

	require.True(t, mgr.HasActiveSession())
	assert.False(t, readSessionFile(t).CleanExit)

	source.index = 5
	sched.Advance(5 * time.Second)
	assert.Equal(t, 5, readSessionFile(t).CurrentPartIndex)
}

func TestSessionManager_SetNetworkBroadcastActive(t *testing.T) {
	sched, _, mgr := newTestSessionManager(t)
	mgr.SetSource(&stubSource{})

	mgr.StartSession(newTestMeeting(models.MidweekMeeting, 5), "m.json")
	mgr.SetNetworkBroadcastActive(true)
	sched.Advance(5 * time.Second)

	assert.True(t, readSessionFile(t).NetworkBroadcastActive)
}

func TestSessionManager_LoadRecoveryMeetingPrefersDurableCopy(t *testing.T) {
	_, _, mgr := newTestSessionManager(t)
	meeting := newTestMeeting(models.MidweekMeeting, 5, 10)

	// the original file is gone, only the durable copy remains
	mgr.StartSession(meeting, "/nonexistent/original.json")
	session := readSessionFile(t)
	require.Equal(t, meeting.RecoveryKey(), session.RecoveryKey)

	loaded, err := mgr.LoadRecoveryMeeting(session)
	require.NoError(t, err)
	assert.Equal(t, meeting.Title, loaded.Title)
	assert.Equal(t, ComputeMeetingHash(meeting), ComputeMeetingHash(loaded))
}

func TestComputeMeetingHash(t *testing.T) {
	a := newTestMeeting(models.MidweekMeeting, 5, 10)
	b := newTestMeeting(models.MidweekMeeting, 5, 10)
	assert.Equal(t, ComputeMeetingHash(a), ComputeMeetingHash(b))
	assert.Len(t, ComputeMeetingHash(a), 8)

	b.Sections[0].Parts[1].DurationMinutes = 11
	assert.NotEqual(t, ComputeMeetingHash(a), ComputeMeetingHash(b))
}
