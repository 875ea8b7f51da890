package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an HTTP middleware
type Middleware func(http.Handler) http.Handler

// RouteMiddleware groups the middleware the auth routes depend on. Nil
// entries are skipped.
type RouteMiddleware struct {
	Authenticate Middleware
	RequireAdmin Middleware
	LoginLimit   Middleware
	ResetLimit   Middleware
}

// RegisterRoutes registers the authentication and admin security routes
//
// Public: /auth/login, /auth/refresh, /auth/logout, /auth/password/forgot, /auth/password/reset
// Authenticated: /auth/password/change
// Admin: /admin/security/*
func RegisterRoutes(r chi.Router, handler *AuthHandler, mw RouteMiddleware) {
	r.Route("/auth", func(r chi.Router) {
		r.With(optional(mw.LoginLimit)).Post("/login", handler.Login)
		r.Post("/refresh", handler.Refresh)
		r.Post("/logout", handler.Logout)

		r.Route("/password", func(r chi.Router) {
			r.With(optional(mw.ResetLimit)).Post("/forgot", handler.ForgotPassword)
			r.With(optional(mw.ResetLimit)).Post("/reset", handler.ResetPassword)
			r.With(optional(mw.Authenticate)).Post("/change", handler.ChangePassword)
		})
	})

	r.Route("/admin/security", func(r chi.Router) {
		r.Use(optional(mw.Authenticate))
		r.Use(optional(mw.RequireAdmin))
		r.Get("/login-stats", handler.LoginStats)
		r.Post("/cleanup", handler.Cleanup)
		r.Get("/lockout", handler.Lockout)
	})
}

func optional(m Middleware) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m
}
