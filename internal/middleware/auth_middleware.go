package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/welldanyogia/authguard/internal/auth"
	appctx "github.com/welldanyogia/authguard/internal/context"
)

// AuthMiddleware handles JWT authentication for protected routes
type AuthMiddleware struct {
	tokenService *auth.TokenService
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

// Authenticate validates the access token from the Authorization header or,
// when no header is sent, from the access token cookie. Access tokens are
// stateless so no store is consulted.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, code, message := bearerToken(r)
		if code != "" {
			auth.WriteError(w, http.StatusUnauthorized, code, message, nil)
			return
		}

		claims, err := m.tokenService.VerifyAccessToken(tokenString)
		if err != nil {
			auth.WriteError(w, http.StatusUnauthorized, auth.CodeAuthTokenInvalid, auth.MsgInvalidToken, nil)
			return
		}

		ctx := appctx.WithIdentity(r.Context(), claims.UserID(), claims.Email, claims.Role)
		recordUser(ctx, claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the presented token, or an error code and message
func bearerToken(r *http.Request) (token, code, message string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if cookie, err := r.Cookie(auth.AccessTokenCookie); err == nil && cookie.Value != "" {
			return cookie.Value, "", ""
		}
		return "", auth.CodeAuthTokenMissing, "Authorization header is required"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", auth.CodeAuthTokenInvalid, "Invalid authorization header format"
	}
	if strings.TrimSpace(parts[1]) == "" {
		return "", auth.CodeAuthTokenInvalid, "Token is empty"
	}
	return strings.TrimSpace(parts[1]), "", ""
}

// RequireRole rejects requests whose token role is not one of roles. It
// must run after Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := appctx.ExtractRole(r.Context())
			if !slices.Contains(roles, role) {
				auth.WriteError(w, http.StatusForbidden, auth.CodeForbidden, "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	return appctx.ExtractUserID(ctx)
}

// ExtractEmail extracts the email from the request context
func ExtractEmail(ctx context.Context) (string, bool) {
	return appctx.ExtractEmail(ctx)
}
