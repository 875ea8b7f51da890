// Package health provides liveness, readiness and dependency health
// endpoints for the API server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ServiceStatus represents the status of a single service
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the structured health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// Check probes one dependency
type Check func(ctx context.Context) error

type namedCheck struct {
	name     string
	check    Check
	critical bool
}

// Handler handles health check requests
type Handler struct {
	checks  []namedCheck
	version string
	timeout time.Duration
	ready   bool
	mu      sync.RWMutex
}

// Config holds health handler configuration. Only the database is
// required for readiness; Redis and the archive bucket are reported but
// optional.
type Config struct {
	DBPool      *pgxpool.Pool
	RedisClient *redis.Client
	Archive     Check
	Version     string
	Timeout     time.Duration // default 5s
}

// NewHandler creates a new health check handler
func NewHandler(cfg Config) *Handler {
	h := newHandler(cfg.Version, cfg.Timeout)
	h.AddCheck("database", databaseCheck(cfg.DBPool), true)
	if cfg.RedisClient != nil {
		h.AddCheck("redis", RedisCheck(cfg.RedisClient), false)
	}
	if cfg.Archive != nil {
		h.AddCheck("archive", cfg.Archive, false)
	}
	return h
}

func newHandler(version string, timeout time.Duration) *Handler {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		version: version,
		timeout: timeout,
		ready:   true,
	}
}

// AddCheck registers a dependency. Critical checks gate readiness.
func (h *Handler) AddCheck(name string, check Check, critical bool) {
	h.checks = append(h.checks, namedCheck{name: name, check: check, critical: critical})
}

// SetReady sets the readiness state of the service. It is cleared during
// graceful shutdown so load balancers drain traffic first.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health reports every dependency. Any failing check degrades the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := make(map[string]ServiceStatus, len(h.checks))
	overallStatus := "healthy"
	for _, c := range h.checks {
		status := run(ctx, c.check)
		services[c.name] = status
		if status.Status != "up" {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// Readiness handles the readiness probe endpoint
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready {
		for _, c := range h.checks {
			if c.critical && run(ctx, c.check).Status != "up" {
				ready = false
				break
			}
		}
	}

	response := ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// Liveness handles the liveness probe endpoint
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func run(ctx context.Context, check Check) ServiceStatus {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{
			Status:  "down",
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return ServiceStatus{
		Status:  "up",
		Latency: latency.String(),
	}
}

func databaseCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		if pool == nil {
			return errNotConfigured("database pool")
		}
		return pool.Ping(ctx)
	}
}

// RedisCheck pings a Redis client
func RedisCheck(client *redis.Client) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

type errNotConfigured string

func (e errNotConfigured) Error() string { return string(e) + " not configured" }

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
