package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carewell-health/slotbooker/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Slot picker read path
	r.Get("/doctors/{id}/slots", listSlotsHandler(cfg.Service))

	// Leave management (admin collaborator)
	r.Put("/doctors/{id}/leave", setLeaveHandler(cfg.Service))
	r.Delete("/doctors/{id}/leave", removeLeaveHandler(cfg.Service))

	// Reservation lifecycle
	r.Post("/appointments/reserve", reserveHandler(cfg.Service))
	r.Post("/appointments/claim", claimHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/confirm", confirmHandler(cfg.Service))
	r.Post("/appointments/{id}/cancel", cancelHandler(cfg.Service))
	r.Post("/appointments/{id}/complete", completeHandler(cfg.Service))
	r.Post("/appointments/{id}/no-show", noShowHandler(cfg.Service))

	return r
}
