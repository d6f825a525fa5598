package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMeeting() *Meeting {
	return &Meeting{
		Type:      MidweekMeeting,
		Title:     "Midweek Meeting",
		Date:      "2025-03-12",
		StartTime: "19:00",
		Language:  "en",
		Sections: []MeetingSection{
			{Title: "Opening", Parts: []MeetingPart{
				{Title: "Song and Prayer", DurationMinutes: 5},
			}},
			{Title: "Treasures", Parts: []MeetingPart{
				{Title: "Talk", DurationMinutes: 10, Presenter: "Br. Jones"},
				{Title: "Gems", DurationMinutes: 8},
			}},
		},
	}
}

func TestMeeting_AllPartsAliasesSections(t *testing.T) {
	meeting := sampleMeeting()
	parts := meeting.AllParts()
	require.Len(t, parts, 3)

	// mutations through the flattened view land on the meeting itself
	parts[1].IsCompleted = true
	assert.True(t, meeting.Sections[1].Parts[0].IsCompleted)
}

func TestMeeting_Durations(t *testing.T) {
	meeting := sampleMeeting()
	assert.Equal(t, 23, meeting.TotalDurationMinutes())
	assert.Equal(t, 18, meeting.Sections[1].TotalDurationMinutes())
	assert.Equal(t, 600, meeting.AllParts()[1].DurationSeconds())
}

func TestMeeting_StartDateTime(t *testing.T) {
	meeting := sampleMeeting()
	start, err := meeting.StartDateTime()
	require.NoError(t, err)
	assert.Equal(t, 2025, start.Year())
	assert.Equal(t, 19, start.Hour())

	meeting.StartTime = "not-a-time"
	_, err = meeting.StartDateTime()
	assert.Error(t, err)
}

func TestMeeting_RecoveryKey(t *testing.T) {
	meeting := sampleMeeting()
	assert.Equal(t, "midweek_2025-03-12_en", meeting.RecoveryKey())

	meeting.Language = ""
	assert.Equal(t, "midweek_2025-03-12_en", meeting.RecoveryKey())

	meeting.Language = "fr"
	meeting.Type = WeekendMeeting
	assert.Equal(t, "weekend_2025-03-12_fr", meeting.RecoveryKey())
}

func TestLoadMeetingFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.json")
	require.NoError(t, SaveMeetingFile(sampleMeeting(), path))

	loaded, err := LoadMeetingFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Midweek Meeting", loaded.Title)
	assert.Len(t, loaded.AllParts(), 3)

	// no stray temp file left behind
	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadMeetingFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.yaml")
	content := `meeting_type: weekend
title: Weekend Meeting
date: "2025-03-15"
start_time: "10:00"
sections:
  - title: Public Talk
    parts:
      - title: Talk
        duration_minutes: 30
      - title: Watchtower Study
        duration_minutes: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	loaded, err := LoadMeetingFile(path)
	require.NoError(t, err)
	assert.Equal(t, WeekendMeeting, loaded.Type)
	assert.Equal(t, 90, loaded.TotalDurationMinutes())
}

func TestLoadMeetingFile_DefaultsTypeToCustom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"Ad Hoc","sections":[]}`), 0644))

	loaded, err := LoadMeetingFile(path)
	require.NoError(t, err)
	assert.Equal(t, CustomMeeting, loaded.Type)
}

func TestLoadMeetingFile_Errors(t *testing.T) {
	_, err := LoadMeetingFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = LoadMeetingFile(path)
	assert.Error(t, err)
}
