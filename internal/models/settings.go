package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults matching a typical congregation schedule
const (
	DefaultTargetDurationMinutes = 105
	DefaultStartReminderDelay    = 2  // seconds after scheduled start
	DefaultOverrunReminderDelay  = 20 // seconds into part overtime
	DefaultNetworkDisplayPort    = 8765
)

// MeetingSchedule holds the configured day, start time and target duration
// for one meeting category
type MeetingSchedule struct {
	Day                   time.Weekday `json:"day"`
	Time                  string       `json:"time"` // 15:04
	TargetDurationMinutes int          `json:"target_duration_minutes"`
}

// NextOccurrence returns the next wall-clock instant this schedule fires,
// strictly after now when today's slot has already passed
func (ms *MeetingSchedule) NextOccurrence(now time.Time) time.Time {
	t, err := time.Parse("15:04", ms.Time)
	if err != nil {
		t, _ = time.Parse("15:04", "19:00")
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	daysAhead := (int(ms.Day) - int(now.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// DisplaySettings controls what the presentation layer shows
type DisplaySettings struct {
	ShowPredictedEndTime bool   `json:"show_predicted_end_time"`
	Theme                string `json:"theme"`
}

// NetworkDisplaySettings configures the secondary-display broadcast server
type NetworkDisplaySettings struct {
	Port      int  `json:"port"`
	AutoStart bool `json:"auto_start"`
}

// AppSettings is the persisted application configuration
type AppSettings struct {
	Language             string                 `json:"language"`
	MidweekMeeting       MeetingSchedule        `json:"midweek_meeting"`
	WeekendMeeting       MeetingSchedule        `json:"weekend_meeting"`
	Display              DisplaySettings        `json:"display"`
	NetworkDisplay       NetworkDisplaySettings `json:"network_display"`
	StartReminderEnabled bool                   `json:"start_reminder_enabled"`
	StartReminderDelay   int                    `json:"start_reminder_delay"` // seconds
	OverrunEnabled       bool                   `json:"overrun_enabled"`
	OverrunDelay         int                    `json:"overrun_delay"` // seconds
	RecentMeetings       []string               `json:"recent_meetings"`
}

// DefaultSettings returns the out-of-the-box configuration
func DefaultSettings() *AppSettings {
	return &AppSettings{
		Language: "en",
		MidweekMeeting: MeetingSchedule{
			Day:                   time.Wednesday,
			Time:                  "19:00",
			TargetDurationMinutes: DefaultTargetDurationMinutes,
		},
		WeekendMeeting: MeetingSchedule{
			Day:                   time.Saturday,
			Time:                  "10:00",
			TargetDurationMinutes: DefaultTargetDurationMinutes,
		},
		Display: DisplaySettings{
			ShowPredictedEndTime: true,
			Theme:                "light",
		},
		NetworkDisplay: NetworkDisplaySettings{
			Port: DefaultNetworkDisplayPort,
		},
		StartReminderEnabled: true,
		StartReminderDelay:   DefaultStartReminderDelay,
		OverrunEnabled:       true,
		OverrunDelay:         DefaultOverrunReminderDelay,
	}
}

// ScheduleFor returns the configured schedule for a meeting category.
// Custom meetings follow the midweek slot.
func (s *AppSettings) ScheduleFor(mt MeetingType) *MeetingSchedule {
	if mt == WeekendMeeting {
		return &s.WeekendMeeting
	}
	return &s.MidweekMeeting
}

// TargetDurationFor resolves the target duration for a meeting: a per-meeting
// override wins, otherwise the category default applies
func (s *AppSettings) TargetDurationFor(meeting *Meeting) int {
	if meeting != nil && meeting.TargetDurationMinutes != nil {
		return *meeting.TargetDurationMinutes
	}
	if meeting != nil {
		return s.ScheduleFor(meeting.Type).TargetDurationMinutes
	}
	return DefaultTargetDurationMinutes
}

// SettingsManager loads and saves application settings
type SettingsManager struct {
	settingsFile string
	Settings     *AppSettings
}

// NewSettingsManager loads settings from the given file, falling back to
// defaults when the file is missing or unreadable
func NewSettingsManager(settingsFile string) *SettingsManager {
	m := &SettingsManager{settingsFile: settingsFile}
	m.Settings = m.load()
	return m
}

func (m *SettingsManager) load() *AppSettings {
	settings := DefaultSettings()

	data, err := os.ReadFile(m.settingsFile)
	if err != nil {
		return settings
	}

	// Unmarshal over the defaults so fields missing from older settings
	// files keep their default values
	if err := json.Unmarshal(data, settings); err != nil {
		return DefaultSettings()
	}
	return settings
}

// Reload re-reads settings from disk
func (m *SettingsManager) Reload() {
	m.Settings = m.load()
}

// Save persists current settings via a temp file and rename
func (m *SettingsManager) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.settingsFile), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(m.Settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tempFile := m.settingsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tempFile, m.settingsFile); err != nil {
		return fmt.Errorf("failed to finalize settings file: %w", err)
	}
	return nil
}

// Path returns the settings file location
func (m *SettingsManager) Path() string {
	return m.settingsFile
}
