package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/carewell-health/slotbooker/internal/booking"
)

type SlotResponse struct {
	StartAt time.Time `json:"start_at"` // UTC instant
	EndAt   time.Time `json:"end_at"`   // UTC instant
	Start   string    `json:"start"`    // clinic-local clock, "15:04"
	End     string    `json:"end"`      // clinic-local clock, "15:04"
}

type SlotListResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ReserveRequest struct {
	DoctorID string `json:"doctor_id"`
	UserID   string `json:"user_id,omitempty"` // empty means guest
	Date     string `json:"date"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

type ConfirmRequest struct {
	Outcome     string  `json:"outcome"` // "online" or "cash"
	PatientName *string `json:"patient_name,omitempty"`
	PatientType *string `json:"patient_type,omitempty"`
	Relation    *string `json:"relation,omitempty"`
	Contact     *string `json:"contact,omitempty"`
	Reason      *string `json:"reason,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

type ClaimRequest struct {
	GuestKey string `json:"guest_key"`
	UserID   string `json:"user_id"`
}

type LeaveRequest struct {
	Date      string `json:"date"`
	LeaveType string `json:"leave_type"` // full_day, morning, afternoon
}

type LeaveResponse struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	LeaveType string    `json:"leave_type"`
}

type AppointmentResponse struct {
	ID                   uuid.UUID  `json:"id"`
	DoctorID             uuid.UUID  `json:"doctor_id"`
	StartAt              time.Time  `json:"start_at"`
	EndAt                time.Time  `json:"end_at"`
	Status               string     `json:"status"`
	ReservationExpiresAt *time.Time `json:"reservation_expires_at,omitempty"`
	PatientName          *string    `json:"patient_name,omitempty"`
	PatientType          *string    `json:"patient_type,omitempty"`
	Relation             *string    `json:"relation,omitempty"`
	Contact              *string    `json:"contact,omitempty"`
	Reason               *string    `json:"reason,omitempty"`
	Notes                *string    `json:"notes,omitempty"`
}

type ReserveResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	GuestKey    string              `json:"guest_key,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponse(s booking.Slot) SlotResponse {
	return SlotResponse{
		StartAt: s.StartUTC,
		EndAt:   s.EndUTC,
		Start:   s.StartLocal.Format("15:04"),
		End:     s.EndLocal.Format("15:04"),
	}
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                   a.ID,
		DoctorID:             a.DoctorID,
		StartAt:              a.StartAt,
		EndAt:                a.EndAt,
		Status:               string(a.Status),
		ReservationExpiresAt: a.ReservationExpiresAt,
		PatientName:          a.Details.Name,
		PatientType:          a.Details.Type,
		Relation:             a.Details.Relation,
		Contact:              a.Details.Contact,
		Reason:               a.Details.Reason,
		Notes:                a.Details.Notes,
	}
}
