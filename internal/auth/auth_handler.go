package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appctx "github.com/welldanyogia/authguard/internal/context"
	"github.com/welldanyogia/authguard/internal/logger"
)

// Cookie names for browser clients
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"

	refreshCookiePath = "/api/v1/auth"
	maxBodyBytes      = 1 << 16
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// HandlerConfig controls cookie and response behavior
type HandlerConfig struct {
	SecureCookies bool
	// ExposeResetToken returns the raw reset token in the forgot-password
	// response. Development only.
	ExposeResetToken bool
}

// AuthHandler handles HTTP requests for authentication endpoints
type AuthHandler struct {
	authService *AuthService
	cfg         HandlerConfig
	logger      *slog.Logger
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(authService *AuthService, cfg HandlerConfig, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		authService: authService,
		cfg:         cfg,
		logger:      log,
	}
}

// Login handles user authentication
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	if details := validateRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	result, err := h.authService.Login(r.Context(), LoginInput{
		Email:       req.Email,
		Password:    req.Password,
		RequestMeta: requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err, CodeInvalidCredentials)
		return
	}

	h.setTokenCookies(w, result.Tokens)
	h.writeSuccess(w, http.StatusOK, LoginResponse{
		User:   result.User,
		Tokens: toTokenResponse(result.Tokens),
		Risk:   result.Risk,
	})
}

// Refresh handles token refresh. The cookie wins over the body.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := h.refreshTokenFrom(w, r)
	if !ok {
		return
	}
	if token == "" {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenMissing, "Refresh token is required", nil)
		return
	}

	pair, err := h.authService.Refresh(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, r, err, CodeAuthTokenInvalid)
		return
	}

	h.setTokenCookies(w, pair)
	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"tokens": toTokenResponse(pair),
	})
}

// Logout revokes the refresh token if valid and clears cookies. Always 200.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil {
		token = cookie.Value
	} else {
		var req RefreshRequest
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err == nil {
			token = req.RefreshToken
		}
	}

	h.authService.Logout(r.Context(), token, requestMeta(r))
	h.clearTokenCookies(w)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Successfully logged out",
	})
}

// ChangePassword handles password change for the authenticated user
// POST /api/v1/auth/password/change
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, MsgInvalidToken, nil)
		return
	}
	subjectID, err := uuid.Parse(userID)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, MsgInvalidToken, nil)
		return
	}

	var req ChangePasswordRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	if details := validateRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	if err := h.authService.ChangePassword(r.Context(), subjectID, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, CodeInvalidCredentials)
		return
	}

	// every refresh token is now revoked
	h.clearTokenCookies(w)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password changed. Please sign in again.",
	})
}

// ForgotPassword issues a reset token. The response does not depend on
// whether the email exists.
// POST /api/v1/auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	if details := validateRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	token, err := h.authService.RequestPasswordReset(r.Context(), req.Email, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err, CodeInvalidCredentials)
		return
	}

	data := map[string]string{
		"message": "If an account exists for this email, a password reset link has been sent.",
	}
	if h.cfg.ExposeResetToken && token != "" {
		data["reset_token"] = token
	}
	h.writeSuccess(w, http.StatusOK, data)
}

// ResetPassword consumes a reset token
// POST /api/v1/auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	if details := validateRequest(req); details != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", details)
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Token, req.NewPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, CodeAuthTokenInvalid)
		return
	}

	h.clearTokenCookies(w)
	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Password has been reset. Please sign in again.",
	})
}

// LoginStats returns ledger statistics
// GET /api/v1/admin/security/login-stats?hours=N
func (h *AuthHandler) LoginStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "hours must be an integer", nil)
			return
		}
		hours = n
	}

	stats, err := h.authService.GetLoginStats(r.Context(), hours)
	if err != nil {
		h.writeServiceError(w, r, err, CodeAuthTokenInvalid)
		return
	}
	h.writeSuccess(w, http.StatusOK, stats)
}

// Cleanup runs the ledger retention sweep
// POST /api/v1/admin/security/cleanup
func (h *AuthHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted := h.authService.CleanupOldAttempts(r.Context())
	h.writeSuccess(w, http.StatusOK, map[string]int64{
		"deleted": deleted,
	})
}

// Lockout returns the lockout decision for an email
// GET /api/v1/admin/security/lockout?email=
func (h *AuthHandler) Lockout(w http.ResponseWriter, r *http.Request) {
	decision, err := h.authService.CheckLockout(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		h.writeServiceError(w, r, err, CodeAuthTokenInvalid)
		return
	}
	h.writeSuccess(w, http.StatusOK, decision)
}

// decode reads a JSON body. With required=false an empty body is accepted.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, required bool) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if !required && errors.Is(err, io.EOF) {
			return true
		}
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return false
	}
	return true
}

func (h *AuthHandler) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	var req RefreshRequest
	if !h.decode(w, r, &req, false) {
		return "", false
	}
	return req.RefreshToken, true
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, pair *TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(h.authService.tokens.AccessTokenExpiry().Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		MaxAge:   int(h.authService.tokens.RefreshTokenExpiry().Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	for name, path := range map[string]string{AccessTokenCookie: "/", RefreshTokenCookie: refreshCookiePath} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cfg.SecureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// writeServiceError maps the error taxonomy to HTTP. unauthorizedCode is
// the code used for KindUnauthorized on this endpoint.
func (h *AuthHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, unauthorizedCode string) {
	var e *Error
	if !errors.As(err, &e) {
		logger.WithCorrelationID(r.Context(), h.logger).Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	switch e.Kind {
	case KindUnauthorized:
		h.writeError(w, http.StatusUnauthorized, unauthorizedCode, e.Message, nil)
	case KindForbidden:
		h.writeError(w, http.StatusForbidden, CodeForbidden, e.Message, nil)
	case KindValidation:
		h.writeError(w, http.StatusBadRequest, CodeValidationError, e.Message, nil)
	case KindNotFound:
		h.writeError(w, http.StatusNotFound, CodeNotFound, e.Message, nil)
	default:
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

// writeSuccess writes a successful JSON response
func (h *AuthHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	WriteJSON(w, statusCode, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writeError writes an error JSON response
func (h *AuthHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	WriteError(w, statusCode, code, message, details)
}

// WriteJSON writes v as a JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an error envelope. Shared with the middleware package.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	WriteJSON(w, statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		SourceIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// ClientIP returns the caller address. chi's RealIP middleware has
// already folded X-Forwarded-For / X-Real-IP into RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
