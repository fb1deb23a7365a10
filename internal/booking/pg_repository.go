package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const apptColumns = `id, doctor_id, start_at, end_at, user_id, guest_key, status,
	reservation_expires_at, patient_name, patient_type, relation, contact,
	reason, notes, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(
		&d.ID,
		&d.DepartmentID,
		&d.Name,
		&specialty,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialty = specialty
	return &d, nil
}

func scanLeave(row pgx.Row) (*DoctorLeave, error) {
	var l DoctorLeave

	err := row.Scan(
		&l.ID,
		&l.DoctorID,
		&l.Date,
		&l.Type,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeaveNotFound
		}
		return nil, err
	}

	return &l, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.StartAt,
		&a.EndAt,
		&a.UserID,
		&a.GuestKey,
		&a.Status,
		&a.ReservationExpiresAt,
		&a.Details.Name,
		&a.Details.Type,
		&a.Details.Relation,
		&a.Details.Contact,
		&a.Details.Reason,
		&a.Details.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

// slotConflict recognizes the two SQLSTATEs the reserve transaction
// can collide on: 23505 from the partial unique index on the blocking
// slot space and 40001 serialization failures. Both mean another
// actor won the slot.
func slotConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	return false
}

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, department_id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetLeave(ctx context.Context, doctorID uuid.UUID, dateUTC time.Time) (*DoctorLeave, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, leave_date, leave_type, created_at
		FROM doctor_leaves
		WHERE doctor_id = $1 AND leave_date = $2
	`, doctorID, dateUTC)
	return scanLeave(row)
}

func (r *PgRepository) UpsertLeave(ctx context.Context, leave DoctorLeave) (*DoctorLeave, error) {
	id := leave.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO doctor_leaves (id, doctor_id, leave_date, leave_type, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (doctor_id, leave_date)
		DO UPDATE SET leave_type = EXCLUDED.leave_type
		RETURNING id, doctor_id, leave_date, leave_type, created_at
	`, id, leave.DoctorID, leave.Date, leave.Type)
	return scanLeave(row)
}

func (r *PgRepository) DeleteLeave(ctx context.Context, doctorID uuid.UUID, dateUTC time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM doctor_leaves
		WHERE doctor_id = $1 AND leave_date = $2
	`, doctorID, dateUTC)
	if err != nil {
		return fmt.Errorf("delete leave: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaveNotFound
	}
	return nil
}

func (r *PgRepository) ListDayAppointments(ctx context.Context, doctorID uuid.UUID, fromUTC, toUTC time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND start_at >= $2
		  AND start_at < $3
		ORDER BY start_at
	`, doctorID, fromUTC, toUTC)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CountBlocking(ctx context.Context, doctorID uuid.UUID, fromUTC, toUTC, now time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1
		  AND start_at >= $2
		  AND start_at < $3
		  AND (status IN ('booking_confirmed', 'cash')
		       OR (status = 'payment_pending' AND reservation_expires_at > $4))
	`, doctorID, fromUTC, toUTC, now).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) FindActiveHold(ctx context.Context, doctorID, userID uuid.UUID, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND user_id = $2
		  AND status = 'payment_pending'
		  AND reservation_expires_at > $3
		ORDER BY reservation_expires_at DESC
		LIMIT 1
	`, doctorID, userID, now)
	return scanAppointment(row)
}

// ReserveSlot runs the whole check-then-act inside one SERIALIZABLE
// transaction. The partial unique index on (doctor_id, start_at) for
// blocking statuses is the backstop: if two transactions race past the
// recheck, one fails with 23505/40001 and is reported as ErrSlotTaken.
func (r *PgRepository) ReserveSlot(ctx context.Context, w ReserveWrite) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// An expired hold on the target slot is dead weight under the
	// partial unique index; remove it before inserting.
	_, err = tx.Exec(ctx, `
		DELETE FROM appointments
		WHERE doctor_id = $1
		  AND start_at = $2
		  AND status = 'payment_pending'
		  AND reservation_expires_at <= $3
	`, w.DoctorID, w.Slot.StartUTC, w.Now)
	if err != nil {
		return nil, fmt.Errorf("clear expired hold: %w", err)
	}

	var conflicts int
	err = tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1
		  AND start_at = $2
		  AND (status IN ('booking_confirmed', 'cash')
		       OR (status = 'payment_pending' AND reservation_expires_at > $3))
		  AND ($4::uuid IS NULL OR id <> $4)
	`, w.DoctorID, w.Slot.StartUTC, w.Now, w.ReuseID).Scan(&conflicts)
	if err != nil {
		return nil, fmt.Errorf("recheck slot: %w", err)
	}
	if conflicts > 0 {
		return nil, ErrSlotTaken
	}

	var appt *Appointment
	if w.ReuseID != nil {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET start_at = $2,
			    end_at = $3,
			    reservation_expires_at = $4,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'payment_pending'
			RETURNING `+apptColumns+`
		`, w.ReuseID, w.Slot.StartUTC, w.Slot.EndUTC, w.ExpiresAt)
		appt, err = scanAppointment(row)
		if errors.Is(err, ErrAppointmentNotFound) {
			// The hold was swept between lookup and write; proceed as
			// if it never existed.
			appt, err = insertHold(ctx, tx, w)
		}
	} else {
		appt, err = insertHold(ctx, tx, w)
	}
	if err != nil {
		if slotConflict(err) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("write reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if slotConflict(err) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("commit reserve tx: %w", err)
	}

	return appt, nil
}

func insertHold(ctx context.Context, tx pgx.Tx, w ReserveWrite) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, doctor_id, start_at, end_at, user_id, guest_key, status,
			 reservation_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'payment_pending', $7, now(), now())
		RETURNING `+apptColumns+`
	`, uuid.New(), w.DoctorID, w.Slot.StartUTC, w.Slot.EndUTC, w.UserID, w.GuestKey, w.ExpiresAt)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    reservation_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

func (r *PgRepository) ConfirmAppointment(ctx context.Context, id uuid.UUID, to AppointmentStatus, details PatientDetails, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    reservation_expires_at = NULL,
		    patient_name = COALESCE($3, patient_name),
		    patient_type = COALESCE($4, patient_type),
		    relation = COALESCE($5, relation),
		    contact = COALESCE($6, contact),
		    reason = COALESCE($7, reason),
		    notes = COALESCE($8, notes),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'payment_pending'
		  AND reservation_expires_at > $9
		RETURNING `+apptColumns+`
	`, id, to, details.Name, details.Type, details.Relation, details.Contact,
		details.Reason, details.Notes, now)

	return scanAppointment(row)
}

func (r *PgRepository) ClaimGuestAppointment(ctx context.Context, guestKey string, userID uuid.UUID, now time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET user_id = $2,
		    guest_key = NULL,
		    updated_at = now()
		WHERE guest_key = $1
		  AND user_id IS NULL
		  AND status = 'payment_pending'
		  AND reservation_expires_at > $3
		RETURNING `+apptColumns+`
	`, guestKey, userID, now)

	return scanAppointment(row)
}

func (r *PgRepository) DeleteExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE status = 'payment_pending'
		  AND reservation_expires_at IS NOT NULL
		  AND reservation_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired holds: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
