package booking

import (
	"time"

	"github.com/google/uuid"
)

// FilterAvailable subtracts leave, blocking appointments, and
// already-started slots from the candidate list. Pure; ordering of
// the input is preserved and an empty result is a normal outcome.
func FilterAvailable(slots []Slot, leave *DoctorLeave, existing []Appointment, now time.Time, requestingUserID *uuid.UUID) []Slot {
	if leave != nil && leave.Type == LeaveFullDay {
		return []Slot{}
	}

	blocked := make(map[int64]struct{}, len(existing))
	for i := range existing {
		if existing[i].Blocks(now, requestingUserID) {
			blocked[existing[i].StartAt.Unix()] = struct{}{}
		}
	}

	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if leave != nil && !leaveAllows(leave.Type, s) {
			continue
		}
		if _, taken := blocked[s.StartUTC.Unix()]; taken {
			continue
		}
		// Slots that have already started are gone regardless of the
		// requested date; only strictly-future starts are offered.
		if !s.StartUTC.After(now) {
			continue
		}
		out = append(out, s)
	}

	return out
}

// leaveAllows applies the half-day cutoff in clinic-local time:
// morning leave removes slots starting before 13:00, afternoon leave
// removes slots starting at or after 13:00.
func leaveAllows(lt LeaveType, s Slot) bool {
	beforeCutover := s.StartLocal.Hour() < AfternoonCutoverHour

	switch lt {
	case LeaveMorning:
		return !beforeCutover
	case LeaveAfternoon:
		return beforeCutover
	case LeaveFullDay:
		return false
	default:
		return true
	}
}
