package router

import (
	"net/http"

	"github.com/tasktrack/tasktrack/internal/handler"
	"github.com/tasktrack/tasktrack/internal/middleware"
	"github.com/tasktrack/tasktrack/internal/service"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, scopes service.RateLimitScopes, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth, no rate limit)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	ipLimit := mw.RateLimit(scopes.IP, mw.IPKey)
	authLimit := mw.RateLimit(scopes.IPAuth, mw.IPKey)
	userLimit := mw.RateLimit(scopes.User, middleware.UserKey)

	// Public authentication routes: general per-IP quota, then the stricter
	// per-IP quota for credential endpoints.
	public := func(fn http.HandlerFunc) http.Handler {
		return ipLimit(authLimit(fn))
	}
	mux.Handle("POST /api/v1/auth/register", public(h.Register))
	mux.Handle("POST /api/v1/auth/verify", public(h.Verify))
	mux.Handle("POST /api/v1/auth/verify/resend", public(h.ResendVerification))
	mux.Handle("POST /api/v1/auth/login", public(h.Login))
	mux.Handle("POST /api/v1/auth/logout", public(h.Logout))
	mux.Handle("POST /api/v1/auth/password/reset-request", public(h.PasswordResetRequest))
	mux.Handle("POST /api/v1/auth/password/reset", public(h.PasswordReset))

	// Session-authenticated routes
	protected := func(fn http.HandlerFunc) http.Handler {
		return ipLimit(mw.Auth(userLimit(fn)))
	}
	mux.Handle("GET /api/v1/users/me", protected(h.GetCurrentUser))

	// Apply middleware stack
	var handler http.Handler = mux
	handler = mw.CORS(allowedOrigins)(handler)
	handler = mw.SecurityHeaders(handler)
	handler = mw.Logger(handler)
	handler = mw.Timing(handler)
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
