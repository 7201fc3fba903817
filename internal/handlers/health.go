package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medgrid/vitalwatch/internal/database"
	"github.com/medgrid/vitalwatch/internal/queue"
	"github.com/medgrid/vitalwatch/internal/scoring"
)

// HealthChecker handles health check requests.
type HealthChecker struct {
	db     *database.DB
	redis  *redis.Client
	jobs   queue.JobQueue
	scorer *scoring.Client
}

// NewHealthChecker creates a health checker. Any dependency may be nil;
// nil dependencies are reported as not configured rather than unhealthy.
func NewHealthChecker(db *database.DB, redisClient *redis.Client, jobs queue.JobQueue, scorer *scoring.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, jobs: jobs, scorer: scorer}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck handles the /healthz endpoint. mode=extended probes every
// configured dependency.
func (h *HealthChecker) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if r.URL.Query().Get("mode") != "extended" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	probe := func(name string, fn func(context.Context) error) {
		if fn == nil {
			checks[name] = "not_configured"
			return
		}
		if err := fn(ctx); err != nil {
			response.Status = "unhealthy"
			checks[name] = "unhealthy: " + err.Error()
			return
		}
		checks[name] = "healthy"
	}

	probe("database", h.databaseProbe())
	probe("cache", h.redisProbe())
	probe("queue", h.queueProbe())
	probe("scoring", h.scoringProbe())
	response.Checks = checks

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (h *HealthChecker) databaseProbe() func(context.Context) error {
	if h.db == nil {
		return nil
	}
	return h.db.PingContext
}

func (h *HealthChecker) redisProbe() func(context.Context) error {
	if h.redis == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return h.redis.Ping(ctx).Err()
	}
}

func (h *HealthChecker) queueProbe() func(context.Context) error {
	if h.jobs == nil {
		return nil
	}
	return h.jobs.HealthCheck
}

func (h *HealthChecker) scoringProbe() func(context.Context) error {
	if h.scorer == nil {
		return nil
	}
	return h.scorer.Health
}
