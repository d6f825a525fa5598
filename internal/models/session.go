package models

// SessionVersion is bumped when the snapshot schema changes incompatibly
const SessionVersion = "1.0"

// SessionState is the persisted snapshot used to resume a meeting after an
// unclean shutdown. Written every few seconds while a meeting is live,
// deleted on clean exit, and consumed exactly once by the next startup.
type SessionState struct {
	Version                 string `json:"version"`
	CleanExit               bool   `json:"clean_exit"`
	MeetingFile             string `json:"meeting_file"`
	RecoveryKey             string `json:"recovery_key,omitempty"`
	MeetingHash             string `json:"meeting_hash"`
	CurrentPartIndex        int    `json:"current_part_index"`
	TimerState              string `json:"timer_state"`
	TotalSeconds            int    `json:"total_seconds"`
	ElapsedSeconds          int    `json:"elapsed_seconds"`
	RemainingSeconds        int    `json:"remaining_seconds"`
	InTransition            bool   `json:"in_transition"`
	NextPartAfterTransition int    `json:"next_part_after_transition"`
	TransitionsUsed         int    `json:"transitions_used"`
	MeetingStartTime        string `json:"meeting_start_time,omitempty"` // RFC 3339
	TotalOvertimeSeconds    int    `json:"total_overtime_seconds"`
	LastSaveTime            string `json:"last_save_time,omitempty"` // RFC 3339
	NetworkBroadcastActive  bool   `json:"network_broadcast_active"`
}

// NewSessionState returns a snapshot with schema defaults applied
func NewSessionState() *SessionState {
	return &SessionState{
		Version:                 SessionVersion,
		CurrentPartIndex:        -1,
		TimerState:              "STOPPED",
		NextPartAfterTransition: -1,
	}
}
