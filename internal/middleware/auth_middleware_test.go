package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/welldanyogia/authguard/internal/auth"
	appctx "github.com/welldanyogia/authguard/internal/context"
)

// Access tokens are verified without the revocation index, so none is wired
func newTestTokenService() *auth.TokenService {
	return auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       "test-access-secret-key-32-chars!",
		RefreshSecret:      "test-refresh-secret-key-32-char!",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "test-issuer",
	}, nil)
}

// Helper to create a test handler that records if it was called
func testHandler() (http.Handler, *bool) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		userID, ok := ExtractUserID(r.Context())
		if !ok || userID == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(userID))
	})
	return handler, &called
}

func decodeError(t interface{ Fatalf(string, ...any) }, rec *httptest.ResponseRecorder) auth.APIResponse {
	var response auth.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Error == nil {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	return response
}

// Property: any request without a header or cookie is rejected with
// AUTH_TOKEN_MISSING and never reaches the handler.
func TestAuthenticate_MissingToken(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := "/" + rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "path")
		method := rapid.SampledFrom([]string{"GET", "POST", "PUT", "DELETE"}).Draw(t, "method")

		m := NewAuthMiddleware(newTestTokenService())
		handler, called := testHandler()

		req := httptest.NewRequest(method, path, nil)
		rec := httptest.NewRecorder()
		m.Authenticate(handler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
		if *called {
			t.Error("handler should not be called when token is missing")
		}
		response := decodeError(t, rec)
		if response.Error.Code != auth.CodeAuthTokenMissing {
			t.Errorf("expected error code %s, got %s", auth.CodeAuthTokenMissing, response.Error.Code)
		}
		if response.Success {
			t.Error("success should be false")
		}
	})
}

// Property: malformed, foreign or wrongly typed tokens are rejected with
// AUTH_TOKEN_INVALID.
func TestAuthenticate_InvalidToken(t *testing.T) {
	svc := newTestTokenService()
	wrong := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       "wrong-secret-key-that-is-32char!",
		RefreshSecret:      "wrong-refresh-secret-32-chars!!",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "test-issuer",
	}, nil)
	expired := svc.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })

	rapid.Check(t, func(t *rapid.T) {
		m := NewAuthMiddleware(svc)
		handler, called := testHandler()
		userID := uuid.New()
		email := rapid.StringMatching(`[a-z]{5,10}@[a-z]{5,10}\.[a-z]{2,3}`).Draw(t, "email")

		var authHeader string
		switch kind := rapid.IntRange(0, 5).Draw(t, "kind"); kind {
		case 0:
			authHeader = "Bearer " + rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "randomToken")
		case 1:
			authHeader = rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "tokenWithoutBearer")
		case 2:
			authHeader = "Basic " + rapid.StringMatching(`[a-zA-Z0-9]{20,50}`).Draw(t, "basicToken")
		case 3:
			token, err := wrong.IssueAccessToken(userID, email, "user")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			authHeader = "Bearer " + token
		case 4:
			token, err := expired.IssueAccessToken(userID, email, "user")
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			authHeader = "Bearer " + token
		case 5:
			authHeader = "Bearer " + rapid.StringMatching(`[a-zA-Z0-9]{10}\.[a-zA-Z0-9]{10}`).Draw(t, "twoPartToken")
		}

		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", authHeader)
		rec := httptest.NewRecorder()
		m.Authenticate(handler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
		if *called {
			t.Error("handler should not be called for an invalid token")
		}
		if code := decodeError(t, rec).Error.Code; code != auth.CodeAuthTokenInvalid {
			t.Errorf("expected error code %s, got %s", auth.CodeAuthTokenInvalid, code)
		}
	})
}

func TestAuthenticate_EmptyBearer(t *testing.T) {
	m := NewAuthMiddleware(newTestTokenService())
	handler, called := testHandler()

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer   ")
	rec := httptest.NewRecorder()
	m.Authenticate(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || *called {
		t.Fatalf("expected 401 without calling handler, got %d", rec.Code)
	}
	if code := decodeError(t, rec).Error.Code; code != auth.CodeAuthTokenInvalid {
		t.Errorf("expected %s, got %s", auth.CodeAuthTokenInvalid, code)
	}
}

// Property: a valid access token reaches the handler with its identity
// in the request context.
func TestAuthenticate_ValidTokenPassesThrough(t *testing.T) {
	svc := newTestTokenService()

	rapid.Check(t, func(t *rapid.T) {
		userID := uuid.New()
		email := rapid.StringMatching(`[a-z]{5,10}@[a-z]{5,10}\.[a-z]{2,3}`).Draw(t, "email")
		role := rapid.SampledFrom([]string{"user", "admin"}).Draw(t, "role")

		accessToken, err := svc.IssueAccessToken(userID, email, role)
		if err != nil {
			t.Fatalf("failed to issue access token: %v", err)
		}

		var gotUserID, gotEmail, gotRole string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUserID, _ = ExtractUserID(r.Context())
			gotEmail, _ = ExtractEmail(r.Context())
			gotRole, _ = appctx.ExtractRole(r.Context())
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		rec := httptest.NewRecorder()
		NewAuthMiddleware(svc).Authenticate(handler).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if gotUserID != userID.String() || gotEmail != email || gotRole != role {
			t.Errorf("context identity = (%s, %s, %s), want (%s, %s, %s)", gotUserID, gotEmail, gotRole, userID, email, role)
		}
	})
}

func TestAuthenticate_CookieFallback(t *testing.T) {
	svc := newTestTokenService()
	userID := uuid.New()
	token, err := svc.IssueAccessToken(userID, "user@example.com", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	handler, called := testHandler()
	req := httptest.NewRequest("GET", "/protected", nil)
	req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: token})
	rec := httptest.NewRecorder()
	NewAuthMiddleware(svc).Authenticate(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !*called {
		t.Fatalf("expected cookie token to authenticate, got %d", rec.Code)
	}
	if rec.Body.String() != userID.String() {
		t.Errorf("expected user id %s, got %s", userID, rec.Body.String())
	}
}

func TestAuthenticate_HeaderTakesPrecedenceOverCookie(t *testing.T) {
	svc := newTestTokenService()
	token, err := svc.IssueAccessToken(uuid.New(), "user@example.com", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	handler, called := testHandler()
	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: token})
	rec := httptest.NewRecorder()
	NewAuthMiddleware(svc).Authenticate(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || *called {
		t.Fatalf("expected header token to be used and rejected, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		wantStatus int
	}{
		{"admin allowed", "admin", http.StatusOK},
		{"user forbidden", "user", http.StatusForbidden},
		{"no identity forbidden", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.role != "" {
				req = req.WithContext(appctx.WithIdentity(req.Context(), uuid.NewString(), "a@example.com", tt.role))
			}
			rec := httptest.NewRecorder()
			RequireRole("admin")(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusForbidden {
				if code := decodeError(t, rec).Error.Code; code != auth.CodeForbidden {
					t.Errorf("expected %s, got %s", auth.CodeForbidden, code)
				}
			}
		})
	}
}
