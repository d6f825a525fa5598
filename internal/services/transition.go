package services

import "github.com/ontimeapp/ontime/internal/models"

const (
	// TransitionSeconds is the fixed chairman handoff interval
	TransitionSeconds = 60
	// LongPartThresholdMinutes marks a study segment long enough that the
	// chairman moves into it directly, with no handoff before it
	LongPartThresholdMinutes = 25
	// weekendTransitionCap limits two-section meetings to a single handoff
	weekendTransitionCap = 1
)

// IsTransitionEligible reports whether a chairman transition belongs
// immediately before the part at nextIndex. The rule is positional, never
// keyed off part titles:
//
//   - never before the part following the very first part (opening
//     song/prayer flows straight into the meeting)
//   - never before the last part or the second-to-last part (concluding
//     comments and closing song/prayer)
//   - never before a third-from-last part of 25 minutes or more (the
//     chairman opens a long study segment directly)
//
// Two-section ("weekend"-style) meetings are different: the only eligible
// handoff point is before the 2nd or 3rd part, and the caller caps the
// meeting at one transition total.
func IsTransitionEligible(nextIndex int, parts []*models.MeetingPart, meetingType models.MeetingType) bool {
	n := len(parts)
	if nextIndex <= 0 || nextIndex >= n {
		return false
	}

	if meetingType == models.WeekendMeeting {
		return nextIndex == 1 || nextIndex == 2
	}

	if nextIndex == 1 {
		return false
	}
	if nextIndex >= n-2 {
		return false
	}
	if nextIndex == n-3 && parts[nextIndex].DurationMinutes >= LongPartThresholdMinutes {
		return false
	}
	return true
}
