package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]Check
		wantStatus int
		wantState  string
	}{
		{"all up", map[string]Check{"database": ok, "redis": ok}, http.StatusOK, "healthy"},
		{"optional down", map[string]Check{"database": ok, "redis": down}, http.StatusServiceUnavailable, "degraded"},
		{"database down", map[string]Check{"database": down}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler("1.2.3", 0)
			for name, check := range tt.checks {
				h.AddCheck(name, check, name == "database")
			}

			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest("GET", "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantState || resp.Version != "1.2.3" {
				t.Errorf("unexpected response %+v", resp)
			}
			if len(resp.Services) != len(tt.checks) {
				t.Errorf("expected %d services, got %d", len(tt.checks), len(resp.Services))
			}
			for name, svc := range resp.Services {
				if svc.Status == "down" && svc.Error == "" {
					t.Errorf("%s is down without an error", name)
				}
			}
		})
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		database Check
		redis    Check
		ready    bool
		want     int
	}{
		{"ready", ok, ok, true, http.StatusOK},
		{"optional dependency does not gate", ok, down, true, http.StatusOK},
		{"database gates", down, ok, true, http.StatusServiceUnavailable},
		{"shutting down", ok, ok, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler("", 0)
			h.AddCheck("database", tt.database, true)
			h.AddCheck("redis", tt.redis, false)
			h.SetReady(tt.ready)

			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestLiveness(t *testing.T) {
	h := newHandler("", 0)
	h.AddCheck("database", down, true)
	h.SetReady(false)

	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest("GET", "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness should not depend on dependencies, got %d", rec.Code)
	}
}

func TestNewHandler_NilPoolIsDown(t *testing.T) {
	h := NewHandler(Config{})
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a database pool, got %d", rec.Code)
	}
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected redis to be up: %v", err)
	}

	mr.Close()
	if err := check(context.Background()); err == nil {
		t.Error("expected error after redis stopped")
	}
}
