package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carewell-health/slotbooker/internal/booking"
	"github.com/carewell-health/slotbooker/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	departmentIDs, err := seedDepartments(context.Background(), pool)
	if err != nil {
		log.Fatalf("seed departments: %v", err)
	}
	doctorIDs, err := seedDoctors(context.Background(), pool, departmentIDs, 40)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedLeave(context.Background(), pool, doctorIDs); err != nil {
		log.Fatalf("seed leave: %v", err)
	}

	log.Println("seed complete")
}

func seedDepartments(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	names := []string{
		"Dermatology",
		"Cardiology",
		"General Medicine",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	log.Printf("seeding %d departments", len(names))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO departments (id, name, created_at, updated_at)
			VALUES ($1, $2, now(), now())
		`, id, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("departments seeded")
	return ids, nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, departmentIDs []uuid.UUID, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Consultant",
		"Senior Consultant",
		"Surgeon",
		"Registrar",
		"Resident",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		dept := departmentIDs[gofakeit.Number(0, len(departmentIDs)-1)]
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, department_id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, dept, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

// seedLeave gives roughly a quarter of the doctors a leave entry
// somewhere in the next two weeks, mixing full and half days.
func seedLeave(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID) error {
	types := []booking.LeaveType{
		booking.LeaveFullDay,
		booking.LeaveMorning,
		booking.LeaveAfternoon,
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	seeded := 0
	for _, doctorID := range doctorIDs {
		if gofakeit.Number(0, 3) != 0 {
			continue
		}

		daysAhead := gofakeit.Number(1, 14)
		date := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, daysAhead)
		lt := types[gofakeit.Number(0, len(types)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctor_leaves (id, doctor_id, leave_date, leave_type, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (doctor_id, leave_date) DO NOTHING
		`, uuid.New(), doctorID, date, lt)
		if err != nil {
			return err
		}
		seeded++
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("leave entries seeded: %d", seeded)
	return nil
}
