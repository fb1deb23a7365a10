package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeRepo mirrors the Postgres repository's semantics in memory,
// including the reserve transaction's conflict recheck.
type fakeRepo struct {
	mu      sync.Mutex
	doctors map[uuid.UUID]*Doctor
	leaves  map[string]*DoctorLeave
	appts   map[uuid.UUID]*Appointment
	events  []EventLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors: make(map[uuid.UUID]*Doctor),
		leaves:  make(map[string]*DoctorLeave),
		appts:   make(map[uuid.UUID]*Appointment),
	}
}

func leaveKey(doctorID uuid.UUID, dateUTC time.Time) string {
	return fmt.Sprintf("%s/%s", doctorID, dateUTC.Format("2006-01-02"))
}

func (r *fakeRepo) addDoctor() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.doctors[id] = &Doctor{ID: id, DepartmentID: uuid.New(), Name: "Dr. Test"}
	return id
}

func (r *fakeRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetLeave(_ context.Context, doctorID uuid.UUID, dateUTC time.Time) (*DoctorLeave, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leaves[leaveKey(doctorID, dateUTC)]
	if !ok {
		return nil, ErrLeaveNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeRepo) UpsertLeave(_ context.Context, leave DoctorLeave) (*DoctorLeave, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leave.ID == uuid.Nil {
		leave.ID = uuid.New()
	}
	leave.CreatedAt = time.Now()
	r.leaves[leaveKey(leave.DoctorID, leave.Date)] = &leave
	cp := leave
	return &cp, nil
}

func (r *fakeRepo) DeleteLeave(_ context.Context, doctorID uuid.UUID, dateUTC time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := leaveKey(doctorID, dateUTC)
	if _, ok := r.leaves[key]; !ok {
		return ErrLeaveNotFound
	}
	delete(r.leaves, key)
	return nil
}

func (r *fakeRepo) ListDayAppointments(_ context.Context, doctorID uuid.UUID, fromUTC, toUTC time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID && !a.StartAt.Before(fromUTC) && a.StartAt.Before(toUTC) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) CountBlocking(_ context.Context, doctorID uuid.UUID, fromUTC, toUTC, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.appts {
		if a.DoctorID != doctorID || a.StartAt.Before(fromUTC) || !a.StartAt.Before(toUTC) {
			continue
		}
		switch a.Status {
		case StatusBookingConfirmed, StatusCash:
			n++
		case StatusPaymentPending:
			if a.ActiveHold(now) {
				n++
			}
		}
	}
	return n, nil
}

func (r *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) FindActiveHold(_ context.Context, doctorID, userID uuid.UUID, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.UserID != nil && *a.UserID == userID && a.ActiveHold(now) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) ReserveSlot(_ context.Context, w ReserveWrite) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Expired holds on the target slot are treated as absent.
	for id, a := range r.appts {
		if a.DoctorID == w.DoctorID && a.StartAt.Equal(w.Slot.StartUTC) &&
			a.Status == StatusPaymentPending && !a.ActiveHold(w.Now) {
			delete(r.appts, id)
		}
	}

	for _, a := range r.appts {
		if a.DoctorID != w.DoctorID || !a.StartAt.Equal(w.Slot.StartUTC) {
			continue
		}
		if w.ReuseID != nil && a.ID == *w.ReuseID {
			continue
		}
		switch a.Status {
		case StatusBookingConfirmed, StatusCash:
			return nil, ErrSlotTaken
		case StatusPaymentPending:
			if a.ActiveHold(w.Now) {
				return nil, ErrSlotTaken
			}
		}
	}

	if w.ReuseID != nil {
		a, ok := r.appts[*w.ReuseID]
		if !ok || a.Status != StatusPaymentPending {
			return nil, ErrAppointmentNotFound
		}
		a.StartAt = w.Slot.StartUTC
		a.EndAt = w.Slot.EndUTC
		expires := w.ExpiresAt
		a.ReservationExpiresAt = &expires
		a.UpdatedAt = w.Now
		cp := *a
		return &cp, nil
	}

	expires := w.ExpiresAt
	a := &Appointment{
		ID:                   uuid.New(),
		DoctorID:             w.DoctorID,
		StartAt:              w.Slot.StartUTC,
		EndAt:                w.Slot.EndUTC,
		UserID:               w.UserID,
		GuestKey:             w.GuestKey,
		Status:               StatusPaymentPending,
		ReservationExpiresAt: &expires,
		CreatedAt:            w.Now,
		UpdatedAt:            w.Now,
	}
	r.appts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.ReservationExpiresAt = nil
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ConfirmAppointment(_ context.Context, id uuid.UUID, to AppointmentStatus, details PatientDetails, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != StatusPaymentPending || !a.ActiveHold(now) {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.ReservationExpiresAt = nil
	if details.Name != nil {
		a.Details.Name = details.Name
	}
	if details.Contact != nil {
		a.Details.Contact = details.Contact
	}
	if details.Reason != nil {
		a.Details.Reason = details.Reason
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ClaimGuestAppointment(_ context.Context, guestKey string, userID uuid.UUID, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.GuestKey != nil && *a.GuestKey == guestKey && a.UserID == nil && a.ActiveHold(now) {
			uid := userID
			a.UserID = &uid
			a.GuestKey = nil
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) DeleteExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, a := range r.appts {
		if a.Status == StatusPaymentPending && a.ReservationExpiresAt != nil && a.ReservationExpiresAt.Before(now) {
			delete(r.appts, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// passLocker runs the critical section without any coordination.
type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService(t *testing.T, repo *fakeRepo) (*Service, time.Time) {
	t.Helper()
	st := testSettings(t, "Asia/Kolkata", 2)
	svc := NewService(repo, passLocker{}, st, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, now
}

func TestReserve_CreatesHold(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID,
		UserID:   &userID,
		Date:     "2026-09-01",
		Start:    "10:00",
		End:      "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	appt := result.Appointment
	if appt.Status != StatusPaymentPending {
		t.Errorf("status = %s, want payment_pending", appt.Status)
	}
	if appt.ReservationExpiresAt == nil || !appt.ReservationExpiresAt.Equal(now.Add(10*time.Minute)) {
		t.Errorf("expiry = %v, want now+10m", appt.ReservationExpiresAt)
	}
	if result.GuestKey != "" {
		t.Errorf("authenticated reserve returned guest key %q", result.GuestKey)
	}

	// 10:00 IST = 04:30 UTC
	wantStart := time.Date(2026, 9, 1, 4, 30, 0, 0, time.UTC)
	if !appt.StartAt.Equal(wantStart) {
		t.Errorf("start = %s, want %s", appt.StartAt, wantStart)
	}
}

func TestReserve_GuestGetsFreshKey(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)

	first, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if first.GuestKey == "" {
		t.Fatal("guest reserve returned no guest key")
	}

	second, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, Date: "2026-09-01", Start: "11:00", End: "11:30",
	})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if second.GuestKey == first.GuestKey {
		t.Error("guest keys must be unique per reservation")
	}
	if second.Appointment.ID == first.Appointment.ID {
		t.Error("guest reservations must create fresh rows")
	}
}

func TestReserve_ConflictLosesToExistingHold(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	alice := uuid.New()
	bob := uuid.New()

	req := ReserveRequest{DoctorID: doctorID, Date: "2026-09-01", Start: "10:00", End: "10:30"}

	req.UserID = &alice
	if _, err := svc.Reserve(context.Background(), req); err != nil {
		t.Fatalf("alice reserve: %v", err)
	}

	req.UserID = &bob
	if _, err := svc.Reserve(context.Background(), req); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("bob reserve err = %v, want ErrSlotUnavailable", err)
	}
}

func TestReserve_ExpiredHoldIsFree(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	alice := uuid.New()
	bob := uuid.New()

	req := ReserveRequest{DoctorID: doctorID, Date: "2026-09-01", Start: "10:00", End: "10:30"}

	req.UserID = &alice
	aliceResult, err := svc.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("alice reserve: %v", err)
	}

	// Let alice's hold lapse.
	svc.now = func() time.Time { return now.Add(11 * time.Minute) }

	req.UserID = &bob
	bobResult, err := svc.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("bob reserve over expired hold: %v", err)
	}
	if bobResult.Appointment.ID == aliceResult.Appointment.ID {
		t.Error("bob must get a fresh row, not alice's expired one")
	}
}

func TestReserve_MovesExistingHold(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	userID := uuid.New()

	first, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	svc.now = func() time.Time { return now.Add(3 * time.Minute) }

	second, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "14:00", End: "14:30",
	})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}

	if second.Appointment.ID != first.Appointment.ID {
		t.Error("same user + doctor must reuse the existing hold row")
	}
	wantExpiry := now.Add(3*time.Minute + 10*time.Minute)
	if !second.Appointment.ReservationExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v (refreshed)", second.Appointment.ReservationExpiresAt, wantExpiry)
	}

	// The old slot is free for others again.
	other := uuid.New()
	if _, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &other, Date: "2026-09-01", Start: "10:00", End: "10:30",
	}); err != nil {
		t.Errorf("vacated slot should be reservable: %v", err)
	}
}

func TestReserve_ReselectOwnSlotRefreshes(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	userID := uuid.New()

	req := ReserveRequest{DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30"}

	first, err := svc.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	svc.now = func() time.Time { return now.Add(5 * time.Minute) }

	second, err := svc.Reserve(context.Background(), req)
	if err != nil {
		t.Fatalf("re-selecting own held slot: %v", err)
	}
	if second.Appointment.ID != first.Appointment.ID {
		t.Error("re-selecting own slot must not create a second row")
	}
	if !second.Appointment.ReservationExpiresAt.After(*first.Appointment.ReservationExpiresAt) {
		t.Error("re-selecting own slot must push expiry forward")
	}
}

func TestReserve_Validation(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)

	tests := []struct {
		name string
		req  ReserveRequest
		want error
	}{
		{"bad date", ReserveRequest{DoctorID: doctorID, Date: "someday", Start: "10:00", End: "10:30"}, ErrInvalidDate},
		{"off grid", ReserveRequest{DoctorID: doctorID, Date: "2026-09-01", Start: "10:10", End: "10:40"}, ErrInvalidSlot},
		{"past slot", ReserveRequest{DoctorID: doctorID, Date: "2020-01-01", Start: "10:00", End: "10:30"}, ErrInvalidSlot},
		{"unknown doctor", ReserveRequest{DoctorID: uuid.New(), Date: "2026-09-01", Start: "10:00", End: "10:30"}, ErrDoctorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Reserve(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetAvailableSlots_EndToEnd(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	if _, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The holder sees all 16 slots, everyone else 15.
	slots, err := svc.GetAvailableSlots(context.Background(), doctorID, "2026-09-01", &userID)
	if err != nil {
		t.Fatalf("get slots as owner: %v", err)
	}
	if len(slots) != 16 {
		t.Errorf("owner sees %d slots, want 16", len(slots))
	}

	slots, err = svc.GetAvailableSlots(context.Background(), doctorID, "2026-09-01", nil)
	if err != nil {
		t.Fatalf("get slots as guest: %v", err)
	}
	if len(slots) != 15 {
		t.Errorf("guest sees %d slots, want 15", len(slots))
	}
}

func TestGetAvailableSlots_FullDayLeave(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)

	if _, err := svc.SetLeave(context.Background(), doctorID, "2026-09-01", LeaveFullDay); err != nil {
		t.Fatalf("set leave: %v", err)
	}

	slots, err := svc.GetAvailableSlots(context.Background(), doctorID, "2026-09-01", nil)
	if err != nil {
		t.Fatalf("get slots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("full-day leave returned %d slots, want 0", len(slots))
	}
}

func TestConfirmReservation(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	name := "Asha Rao"
	appt, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, OutcomeOnline, PatientDetails{Name: &name})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if appt.Status != StatusBookingConfirmed {
		t.Errorf("status = %s, want booking_confirmed", appt.Status)
	}
	if appt.ReservationExpiresAt != nil {
		t.Error("confirmation must clear the reservation expiry")
	}
	if appt.Details.Name == nil || *appt.Details.Name != name {
		t.Error("confirmation must attach patient details")
	}

	// Confirming twice is an invalid transition.
	if _, err := svc.ConfirmReservation(context.Background(), appt.ID, OutcomeOnline, PatientDetails{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second confirm err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmReservation_CashAndBadOutcome(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, "paypal", PatientDetails{}); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("bad outcome err = %v, want ErrInvalidOutcome", err)
	}

	appt, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, OutcomeCash, PatientDetails{})
	if err != nil {
		t.Fatalf("cash confirm: %v", err)
	}
	if appt.Status != StatusCash {
		t.Errorf("status = %s, want cash", appt.Status)
	}
}

func TestConfirmReservation_Expired(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	svc.now = func() time.Time { return now.Add(11 * time.Minute) }

	if _, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, OutcomeOnline, PatientDetails{}); !errors.Is(err, ErrHoldExpired) {
		t.Fatalf("confirm after expiry err = %v, want ErrHoldExpired", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	appt, err := svc.CancelAppointment(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if appt.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", appt.Status)
	}
	if appt.ReservationExpiresAt != nil {
		t.Error("cancellation must clear the reservation expiry")
	}

	// Terminal: cannot cancel again.
	if _, err := svc.CancelAppointment(context.Background(), appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteAndNoShow(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Completing a pending hold is not allowed.
	if _, err := svc.CompleteAppointment(context.Background(), result.Appointment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete pending err = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, OutcomeOnline, PatientDetails{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	appt, err := svc.CompleteAppointment(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if appt.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", appt.Status)
	}
}

func TestClaimGuestAppointment(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("guest reserve: %v", err)
	}

	userID := uuid.New()
	appt, err := svc.ClaimGuestAppointment(context.Background(), result.GuestKey, userID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if appt.UserID == nil || *appt.UserID != userID {
		t.Error("claim must set user_id")
	}
	if appt.GuestKey != nil {
		t.Error("claim must clear guest_key")
	}

	// Already claimed.
	if _, err := svc.ClaimGuestAppointment(context.Background(), result.GuestKey, uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("double claim err = %v, want ErrAppointmentNotFound", err)
	}

	// Expired guest hold cannot be claimed.
	result2, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, Date: "2026-09-01", Start: "11:00", End: "11:30",
	})
	if err != nil {
		t.Fatalf("second guest reserve: %v", err)
	}
	svc.now = func() time.Time { return now.Add(11 * time.Minute) }
	if _, err := svc.ClaimGuestAppointment(context.Background(), result2.GuestKey, uuid.New()); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expired claim err = %v, want ErrAppointmentNotFound", err)
	}
}

func TestExpireStaleHolds(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, now := newTestService(t, repo)
	userID := uuid.New()

	held, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	confirmed, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, Date: "2026-09-01", Start: "11:00", End: "11:30",
	})
	if err != nil {
		t.Fatalf("guest reserve: %v", err)
	}
	if _, err := svc.ConfirmReservation(context.Background(), confirmed.Appointment.ID, OutcomeCash, PatientDetails{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	svc.now = func() time.Time { return now.Add(11 * time.Minute) }

	deleted, err := svc.ExpireStaleHolds(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d rows, want 1 (only the lapsed hold)", deleted)
	}

	if _, err := repo.GetAppointmentByID(context.Background(), held.Appointment.ID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Error("expired hold must be deleted")
	}
	if _, err := repo.GetAppointmentByID(context.Background(), confirmed.Appointment.ID); err != nil {
		t.Error("confirmed appointment must survive the sweep")
	}

	// Idempotent.
	deleted, err = svc.ExpireStaleHolds(context.Background())
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if deleted != 0 {
		t.Errorf("second sweep deleted %d rows, want 0", deleted)
	}
}

func TestSetLeave_ConflictsWithBookings(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	// Confirmed morning appointment at 10:00.
	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.ConfirmReservation(context.Background(), result.Appointment.ID, OutcomeOnline, PatientDetails{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := svc.SetLeave(context.Background(), doctorID, "2026-09-01", LeaveFullDay); !errors.Is(err, ErrLeaveConflict) {
		t.Errorf("full-day leave err = %v, want ErrLeaveConflict", err)
	}
	if _, err := svc.SetLeave(context.Background(), doctorID, "2026-09-01", LeaveMorning); !errors.Is(err, ErrLeaveConflict) {
		t.Errorf("morning leave err = %v, want ErrLeaveConflict", err)
	}

	// The afternoon is clear.
	if _, err := svc.SetLeave(context.Background(), doctorID, "2026-09-01", LeaveAfternoon); err != nil {
		t.Errorf("afternoon leave err = %v, want nil", err)
	}

	if _, err := svc.SetLeave(context.Background(), doctorID, "2026-09-01", LeaveType("sabbatical")); !errors.Is(err, ErrInvalidLeaveType) {
		t.Errorf("bad leave type err = %v, want ErrInvalidLeaveType", err)
	}
}

func TestGetAppointment_Ownership(t *testing.T) {
	repo := newFakeRepo()
	doctorID := repo.addDoctor()
	svc, _ := newTestService(t, repo)
	userID := uuid.New()

	result, err := svc.Reserve(context.Background(), ReserveRequest{
		DoctorID: doctorID, UserID: &userID, Date: "2026-09-01", Start: "10:00", End: "10:30",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	id := result.Appointment.ID

	if _, err := svc.GetAppointment(context.Background(), id, &userID, nil); err != nil {
		t.Errorf("owner read err = %v", err)
	}

	stranger := uuid.New()
	if _, err := svc.GetAppointment(context.Background(), id, &stranger, nil); !errors.Is(err, ErrNotOwner) {
		t.Errorf("stranger read err = %v, want ErrNotOwner", err)
	}
	if _, err := svc.GetAppointment(context.Background(), id, nil, nil); !errors.Is(err, ErrNotOwner) {
		t.Errorf("anonymous read err = %v, want ErrNotOwner", err)
	}
}
