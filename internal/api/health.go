package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/carebook/clinic-scheduling/internal/schedule"
)

type HealthHandler struct {
	svc     *schedule.Service
	pgPool  *pgxpool.Pool
	redis   *redis.Client
	env     string
	version string
}

func NewHealthHandler(svc *schedule.Service, pgPool *pgxpool.Pool, redis *redis.Client, env, version string) *HealthHandler {
	return &HealthHandler{
		svc:     svc,
		pgPool:  pgPool,
		redis:   redis,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	Env           string            `json:"env,omitempty"`
	IndexBookings int               `json:"index_bookings"`
	Dependencies  map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness pings both stores. Postgres down means the instance cannot serve;
// Redis down degrades it (the local locker still serializes within the
// process). The indexed booking count signals that the startup rebuild ran.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		ping func(ctx context.Context) error
	}{
		{"postgres", func(ctx context.Context) error { return h.pgPool.Ping(ctx) }},
		{"redis", func(ctx context.Context) error { return h.redis.Ping(ctx).Err() }},
	}

	deps := make(map[string]string, len(checks))
	status := "ok"
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := c.ping(ctx)
		cancel()
		if err != nil {
			deps[c.name] = "down"
			if c.name == "postgres" || status != "ok" {
				status = "error"
			} else {
				status = "degraded"
			}
			continue
		}
		deps[c.name] = "ok"
	}

	resp := ReadinessResponse{
		Status:        status,
		Version:       h.version,
		Env:           h.env,
		IndexBookings: h.svc.IndexSize(),
		Dependencies:  deps,
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}
