package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrLeaveNotFound       = errors.New("leave not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotTaken is the write-time conflict: another blocking row
	// already occupies the (doctor, start) slot.
	ErrSlotTaken = errors.New("slot is already taken")
)

// ReserveWrite is the reservation write path's input. When ReuseID is
// set the actor's existing hold is moved to the new slot and its
// expiry refreshed instead of inserting a second row.
type ReserveWrite struct {
	DoctorID  uuid.UUID
	Slot      Slot
	UserID    *uuid.UUID
	GuestKey  *string
	ReuseID   *uuid.UUID
	ExpiresAt time.Time
	Now       time.Time
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// Leave management
	GetLeave(ctx context.Context, doctorID uuid.UUID, dateUTC time.Time) (*DoctorLeave, error)
	UpsertLeave(ctx context.Context, leave DoctorLeave) (*DoctorLeave, error)
	DeleteLeave(ctx context.Context, doctorID uuid.UUID, dateUTC time.Time) error

	// Read path for availability
	ListDayAppointments(ctx context.Context, doctorID uuid.UUID, fromUTC, toUTC time.Time) ([]Appointment, error)
	CountBlocking(ctx context.Context, doctorID uuid.UUID, fromUTC, toUTC, now time.Time) (int, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindActiveHold(ctx context.Context, doctorID, userID uuid.UUID, now time.Time) (*Appointment, error)

	// Write path; must re-check the target slot and write inside one
	// serializable transaction, returning ErrSlotTaken on conflict.
	ReserveSlot(ctx context.Context, w ReserveWrite) (*Appointment, error)

	// Compare-and-swap status transition; clears the reservation
	// expiry whenever the row leaves payment_pending.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	ConfirmAppointment(ctx context.Context, id uuid.UUID, to AppointmentStatus, details PatientDetails, now time.Time) (*Appointment, error)
	ClaimGuestAppointment(ctx context.Context, guestKey string, userID uuid.UUID, now time.Time) (*Appointment, error)

	// Expiry worker
	DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
