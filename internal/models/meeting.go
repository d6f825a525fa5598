package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MeetingType identifies which meeting category a meeting belongs to
type MeetingType string

const (
	MidweekMeeting MeetingType = "midweek"
	WeekendMeeting MeetingType = "weekend"
	CustomMeeting  MeetingType = "custom"
)

// MeetingPart is a single agenda item. Title, duration, presenter and notes
// come from the content pipeline; IsCompleted and OriginalDurationMinutes are
// owned by the orchestrator once a meeting is active.
type MeetingPart struct {
	Title                   string `json:"title" yaml:"title"`
	DurationMinutes         int    `json:"duration_minutes" yaml:"duration_minutes"`
	Presenter               string `json:"presenter,omitempty" yaml:"presenter,omitempty"`
	Notes                   string `json:"notes,omitempty" yaml:"notes,omitempty"`
	IsCompleted             bool   `json:"is_completed,omitempty" yaml:"is_completed,omitempty"`
	OriginalDurationMinutes *int   `json:"original_duration_minutes,omitempty" yaml:"original_duration_minutes,omitempty"`
}

// DurationSeconds converts the planned duration to seconds
func (p *MeetingPart) DurationSeconds() int {
	return p.DurationMinutes * 60
}

// MeetingSection groups consecutive parts under one heading
type MeetingSection struct {
	Title string        `json:"title" yaml:"title"`
	Parts []MeetingPart `json:"parts" yaml:"parts"`
}

// TotalDurationMinutes sums the planned durations of the section's parts
func (s *MeetingSection) TotalDurationMinutes() int {
	total := 0
	for i := range s.Parts {
		total += s.Parts[i].DurationMinutes
	}
	return total
}

// Meeting is a complete agenda: ordered sections of ordered parts
type Meeting struct {
	Type      MeetingType      `json:"meeting_type" yaml:"meeting_type"`
	Title     string           `json:"title" yaml:"title"`
	Date      string           `json:"date" yaml:"date"`             // 2006-01-02
	StartTime string           `json:"start_time" yaml:"start_time"` // 15:04
	Sections  []MeetingSection `json:"sections" yaml:"sections"`
	Language  string           `json:"language,omitempty" yaml:"language,omitempty"`
	// TargetDurationMinutes overrides the category default target duration
	TargetDurationMinutes *int `json:"target_duration_minutes,omitempty" yaml:"target_duration_minutes,omitempty"`
}

// AllParts returns a flattened view of every part across all sections.
// The returned slice aliases the meeting's parts so completion flags and
// duration adjustments are visible on the meeting itself.
func (m *Meeting) AllParts() []*MeetingPart {
	var parts []*MeetingPart
	for si := range m.Sections {
		for pi := range m.Sections[si].Parts {
			parts = append(parts, &m.Sections[si].Parts[pi])
		}
	}
	return parts
}

// TotalDurationMinutes sums the planned durations of every part
func (m *Meeting) TotalDurationMinutes() int {
	total := 0
	for i := range m.Sections {
		total += m.Sections[i].TotalDurationMinutes()
	}
	return total
}

// StartDateTime combines the meeting's date and start time in local time
func (m *Meeting) StartDateTime() (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", m.Date+" "+m.StartTime, time.Local)
}

// RecoveryKey names the durable meeting copy written for crash recovery.
// Keyed by type, date and language so categories and dates don't collide.
func (m *Meeting) RecoveryKey() string {
	lang := m.Language
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf("%s_%s_%s", m.Type, m.Date, lang)
}

// LoadMeetingFile reads a meeting from a JSON or YAML file
func LoadMeetingFile(path string) (*Meeting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read meeting file: %w", err)
	}

	var meeting Meeting
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &meeting); err != nil {
			return nil, fmt.Errorf("failed to parse meeting file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &meeting); err != nil {
			return nil, fmt.Errorf("failed to parse meeting file %s: %w", path, err)
		}
	}

	if meeting.Type == "" {
		meeting.Type = CustomMeeting
	}
	return &meeting, nil
}

// SaveMeetingFile writes a meeting as JSON via a temp file and rename so a
// crash mid-write cannot leave a corrupt file behind
func SaveMeetingFile(meeting *Meeting, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create meeting directory: %w", err)
	}

	data, err := json.MarshalIndent(meeting, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write meeting file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to finalize meeting file: %w", err)
	}
	return nil
}
