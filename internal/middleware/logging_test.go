package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/logger"
)

func TestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewWithWriter(logger.Config{Level: "debug", Format: "json"}, &buf)

			var correlationID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				correlationID = logger.GetCorrelationID(r.Context())
				w.WriteHeader(tt.status)
			})
			handler := middleware.RequestID(NewLoggingMiddleware(log).Handler(next))

			req := httptest.NewRequest("POST", "/api/v1/auth/password/reset?token=secret", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["path"] != "/api/v1/auth/password/reset" {
				t.Errorf("path = %v, query string must not be logged", entry["path"])
			}
			if correlationID == "" || entry["correlation_id"] != correlationID {
				t.Errorf("correlation id %v not propagated (handler saw %q)", entry["correlation_id"], correlationID)
			}
			if _, ok := entry["user_id"]; ok {
				t.Error("unauthenticated request should not log user_id")
			}
		})
	}
}

func TestLoggingMiddleware_RecordsAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.Config{Level: "info", Format: "json"}, &buf)

	svc := newTestTokenService()
	userID := uuid.New()
	token, err := svc.IssueAccessToken(userID, "user@example.com", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := NewLoggingMiddleware(log).Handler(NewAuthMiddleware(svc).Authenticate(next))

	req := httptest.NewRequest("GET", "/api/v1/auth/password/change", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["user_id"] != userID.String() {
		t.Errorf("user_id = %v, want %s", entry["user_id"], userID)
	}
}

func TestSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	SecurityHeaders(next).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}
