package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPaymentPending   AppointmentStatus = "payment_pending"
	StatusBookingConfirmed AppointmentStatus = "booking_confirmed"
	StatusCash             AppointmentStatus = "cash"
	StatusCompleted        AppointmentStatus = "completed"
	StatusNoShow           AppointmentStatus = "no_show"
	StatusCancelled        AppointmentStatus = "cancelled"
)

// CanTransition reports whether a status change is allowed by the
// appointment lifecycle. Cancellation is reachable from every
// non-terminal state.
func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	switch s {
	case StatusPaymentPending:
		return to == StatusBookingConfirmed || to == StatusCash || to == StatusCancelled
	case StatusBookingConfirmed, StatusCash:
		return to == StatusCompleted || to == StatusNoShow || to == StatusCancelled
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return false
	default:
		return false
	}
}

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	case StatusPaymentPending, StatusBookingConfirmed, StatusCash:
		return false
	default:
		return false
	}
}

type LeaveType string

const (
	LeaveFullDay   LeaveType = "full_day"
	LeaveMorning   LeaveType = "morning"
	LeaveAfternoon LeaveType = "afternoon"
)

// AfternoonCutoverHour splits morning and afternoon leave, in the
// clinic's local time.
const AfternoonCutoverHour = 13

type Department struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID           uuid.UUID
	DepartmentID uuid.UUID
	Name         string
	Specialty    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DoctorLeave marks a doctor unavailable for all or half of one
// calendar day. Date carries no time component; it is stored as UTC
// midnight of the clinic-local calendar date.
type DoctorLeave struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	Type      LeaveType
	CreatedAt time.Time
}

// PatientDetails are filled in progressively between reservation and
// confirmation; every field is optional until the booking is confirmed.
type PatientDetails struct {
	Name     *string
	Type     *string
	Relation *string
	Contact  *string
	Reason   *string
	Notes    *string
}

// Appointment is the central entity. Exactly one of UserID and
// GuestKey is set until a guest claims the row, which sets UserID and
// clears GuestKey. ReservationExpiresAt is non-nil only while the
// status is payment_pending.
type Appointment struct {
	ID                   uuid.UUID
	DoctorID             uuid.UUID
	StartAt              time.Time // UTC, aligned to the slot grid
	EndAt                time.Time // UTC
	UserID               *uuid.UUID
	GuestKey             *string
	Status               AppointmentStatus
	ReservationExpiresAt *time.Time
	Details              PatientDetails
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ActiveHold reports whether the row is an unexpired payment-pending
// reservation.
func (a *Appointment) ActiveHold(now time.Time) bool {
	return a.Status == StatusPaymentPending &&
		a.ReservationExpiresAt != nil &&
		a.ReservationExpiresAt.After(now)
}

// Blocks reports whether the row keeps its slot off the availability
// list for the given requester. Confirmed and cash bookings always
// block; a pending hold blocks only while unexpired and only for
// actors other than its owner, so a user can still see and re-select
// their own held slot.
func (a *Appointment) Blocks(now time.Time, requestingUserID *uuid.UUID) bool {
	switch a.Status {
	case StatusBookingConfirmed, StatusCash:
		return true
	case StatusPaymentPending:
		if !a.ActiveHold(now) {
			return false
		}
		if requestingUserID != nil && a.UserID != nil && *a.UserID == *requestingUserID {
			return false
		}
		return true
	default:
		return false
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
