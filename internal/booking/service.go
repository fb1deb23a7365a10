package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/carewell-health/slotbooker/internal/redis"
)

const (
	EventReservationCreated   = "RESERVATION_CREATED"
	EventReservationRefreshed = "RESERVATION_REFRESHED"
	EventBookingConfirmed     = "BOOKING_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventGuestClaimed         = "GUEST_CLAIMED"
	EventHoldsExpired         = "HOLDS_EXPIRED"
)

var (
	// ErrSlotUnavailable is the expected, recoverable conflict: the
	// caller re-fetches availability and lets the user pick again.
	ErrSlotUnavailable = errors.New("slot is no longer available")

	ErrHoldExpired       = errors.New("reservation hold has expired")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotOwner          = errors.New("appointment belongs to a different actor")
	ErrLeaveConflict     = errors.New("leave conflicts with booked appointments")
	ErrInvalidOutcome    = errors.New("unknown payment outcome")
	ErrInvalidLeaveType  = errors.New("unknown leave type")
)

// PaymentOutcome is what the payment collaborator reports back when
// the patient finishes checkout.
type PaymentOutcome string

const (
	OutcomeOnline PaymentOutcome = "online"
	OutcomeCash   PaymentOutcome = "cash"
)

func (o PaymentOutcome) status() (AppointmentStatus, error) {
	switch o {
	case OutcomeOnline:
		return StatusBookingConfirmed, nil
	case OutcomeCash:
		return StatusCash, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, string(o))
	}
}

type ReserveRequest struct {
	DoctorID uuid.UUID
	UserID   *uuid.UUID // nil means guest
	Date     string     // "2006-01-02", clinic calendar
	Start    string     // "15:04", clinic clock
	End      string     // "15:04", clinic clock
}

type ReserveResult struct {
	Appointment *Appointment
	GuestKey    string // set only for guest reservations
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	settings Settings
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, settings Settings, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		settings: settings,
		log:      log.With().Str("component", "booking").Logger(),
		now:      time.Now,
	}
}

// GetAvailableSlots renders the free-slot list for one doctor and
// clinic calendar day. Read-only; calling it twice with no
// intervening writes returns identical results.
func (s *Service) GetAvailableSlots(ctx context.Context, doctorID uuid.UUID, date string, requestingUserID *uuid.UUID) ([]Slot, error) {
	day, err := ParseClinicDate(date, s.settings.Location)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	candidates, err := GenerateDaySlots(day, s.settings)
	if err != nil {
		return nil, fmt.Errorf("generate slots: %w", err)
	}

	leave, err := s.repo.GetLeave(ctx, doctorID, LeaveDateUTC(day, s.settings.Location))
	if err != nil && !errors.Is(err, ErrLeaveNotFound) {
		return nil, fmt.Errorf("load leave: %w", err)
	}

	fromUTC, toUTC := DayWindowUTC(day, s.settings.Location)
	existing, err := s.repo.ListDayAppointments(ctx, doctorID, fromUTC, toUTC)
	if err != nil {
		return nil, fmt.Errorf("load day appointments: %w", err)
	}

	return FilterAvailable(candidates, leave, existing, s.now(), requestingUserID), nil
}

// Reserve places or refreshes a payment-pending hold on one slot.
// An authenticated actor who already holds an unexpired slot with this
// doctor gets that hold moved and its expiry pushed forward rather
// than a second row; guests always get a fresh row keyed by a new
// guest identifier.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	day, err := ParseClinicDate(req.Date, s.settings.Location)
	if err != nil {
		return nil, err
	}

	slot, err := SlotForClock(day, req.Start, req.End, s.settings)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !slot.StartUTC.After(now) {
		return nil, fmt.Errorf("%w: slot start is in the past", ErrInvalidSlot)
	}

	if _, err := s.repo.GetDoctorByID(ctx, req.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	write := ReserveWrite{
		DoctorID:  req.DoctorID,
		Slot:      slot,
		UserID:    req.UserID,
		ExpiresAt: now.Add(s.settings.HoldTTL),
		Now:       now,
	}

	var guestKey string
	if req.UserID == nil {
		guestKey = uuid.NewString()
		write.GuestKey = &guestKey
	} else {
		hold, err := s.repo.FindActiveHold(ctx, req.DoctorID, *req.UserID, now)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("find existing hold: %w", err)
		}
		if hold != nil {
			write.ReuseID = &hold.ID
		}
	}

	var created *Appointment
	err = s.locker.WithSlotLock(ctx, req.DoctorID, slot.StartUTC, func(lockCtx context.Context) error {
		appt, err := s.repo.ReserveSlot(lockCtx, write)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotTaken) || errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	eventType := EventReservationCreated
	if write.ReuseID != nil {
		eventType = EventReservationRefreshed
	}
	s.logEvent(ctx, created.ID, eventType, map[string]any{
		"doctor_id":  req.DoctorID.String(),
		"start_at":   slot.StartUTC,
		"expires_at": write.ExpiresAt,
		"guest":      req.UserID == nil,
	})

	return &ReserveResult{Appointment: created, GuestKey: guestKey}, nil
}

// ConfirmReservation finalizes a hold once the payment collaborator
// reports an outcome. The expiry is cleared and any patient details
// gathered during checkout are attached.
func (s *Service) ConfirmReservation(ctx context.Context, id uuid.UUID, outcome PaymentOutcome, details PatientDetails) (*Appointment, error) {
	target, err := outcome.status()
	if err != nil {
		return nil, err
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if appt.Status != StatusPaymentPending {
		return nil, ErrInvalidTransition
	}
	if !appt.ActiveHold(now) {
		return nil, ErrHoldExpired
	}

	updated, err := s.repo.ConfirmAppointment(ctx, id, target, details, now)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// The guarded update missed: the hold lapsed (or was swept)
			// between the read above and the write.
			return nil, ErrHoldExpired
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventBookingConfirmed, map[string]any{
		"outcome": string(outcome),
	})

	return updated, nil
}

// CancelAppointment moves any non-terminal appointment to cancelled.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !appt.Status.CanTransition(StatusCancelled) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, id, appt.Status, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"from": string(appt.Status),
	})

	return updated, nil
}

// CompleteAppointment and MarkNoShow are the admin-side terminal
// transitions for visits that were confirmed.

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.closeOut(ctx, id, StatusCompleted)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.closeOut(ctx, id, StatusNoShow)
}

func (s *Service) closeOut(ctx context.Context, id uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !appt.Status.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, id, appt.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("close out appointment: %w", err)
	}

	return updated, nil
}

// ClaimGuestAppointment links a guest hold to a freshly authenticated
// user. Only an unexpired, still-unclaimed hold can be claimed; in
// every other case the row is treated as absent.
func (s *Service) ClaimGuestAppointment(ctx context.Context, guestKey string, userID uuid.UUID) (*Appointment, error) {
	updated, err := s.repo.ClaimGuestAppointment(ctx, guestKey, userID, s.now())
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("claim guest appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventGuestClaimed, map[string]any{
		"user_id": userID.String(),
	})

	return updated, nil
}

// GetAppointment returns one appointment, but only to its owner: the
// holding user, or anyone presenting the guest key.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, userID *uuid.UUID, guestKey *string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case userID != nil && appt.UserID != nil && *appt.UserID == *userID:
		return appt, nil
	case guestKey != nil && appt.GuestKey != nil && *appt.GuestKey == *guestKey:
		return appt, nil
	default:
		return nil, ErrNotOwner
	}
}

// SetLeave records a doctor's full- or half-day leave, refusing when
// confirmed or actively held appointments already sit inside the
// covered window.
func (s *Service) SetLeave(ctx context.Context, doctorID uuid.UUID, date string, lt LeaveType) (*DoctorLeave, error) {
	switch lt {
	case LeaveFullDay, LeaveMorning, LeaveAfternoon:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLeaveType, string(lt))
	}

	day, err := ParseClinicDate(date, s.settings.Location)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, err
	}

	fromUTC, toUTC := leaveWindowUTC(day, lt, s.settings.Location)
	n, err := s.repo.CountBlocking(ctx, doctorID, fromUTC, toUTC, s.now())
	if err != nil {
		return nil, fmt.Errorf("check leave conflicts: %w", err)
	}
	if n > 0 {
		return nil, ErrLeaveConflict
	}

	return s.repo.UpsertLeave(ctx, DoctorLeave{
		DoctorID: doctorID,
		Date:     LeaveDateUTC(day, s.settings.Location),
		Type:     lt,
	})
}

func (s *Service) RemoveLeave(ctx context.Context, doctorID uuid.UUID, date string) error {
	day, err := ParseClinicDate(date, s.settings.Location)
	if err != nil {
		return err
	}
	return s.repo.DeleteLeave(ctx, doctorID, LeaveDateUTC(day, s.settings.Location))
}

// leaveWindowUTC is the UTC span a leave entry covers, split at the
// 13:00 clinic-local cutoff for half days.
func leaveWindowUTC(day time.Time, lt LeaveType, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	cutover := time.Date(y, m, d, AfternoonCutoverHour, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	switch lt {
	case LeaveMorning:
		return dayStart.UTC(), cutover.UTC()
	case LeaveAfternoon:
		return cutover.UTC(), dayEnd.UTC()
	default:
		return dayStart.UTC(), dayEnd.UTC()
	}
}

// ExpireStaleHolds deletes lapsed payment-pending rows. Idempotent and
// safe to run while reservations are in flight: a hold expiring mid
// attempt just means the attempt proceeds as if it never existed.
func (s *Service) ExpireStaleHolds(ctx context.Context) (int64, error) {
	now := s.now()
	deleted, err := s.repo.DeleteExpiredHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale holds: %w", err)
	}

	if deleted > 0 {
		s.logEvent(ctx, uuid.Nil, EventHoldsExpired, map[string]any{
			"deleted": deleted,
			"as_of":   now,
		})
	}

	return deleted, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if appointmentID != uuid.Nil {
		apptID := appointmentID
		ev.AppointmentID = &apptID
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Stringer("appointment_id", appointmentID).Msg("insert event log")
	}
}
