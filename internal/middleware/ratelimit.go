package middleware

import (
	"net/http"
	"strconv"

	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/service"
)

// KeyFunc extracts the identifier a request is counted against. An empty
// key skips the limit.
type KeyFunc func(*http.Request) string

// RateLimit creates a rate limiting middleware for one scope. Every request
// is counted and admission follows the incremented count. If the counter
// store is unreachable the request is let through.
func (m *Middleware) RateLimit(scope service.Scope, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.cfg.Security.RateLimiting.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			id := keyFn(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := m.limiter.Allow(ctx, scope, id)
			if err != nil {
				m.log.Error().Err(err).Str("scope", scope.Name).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))

				userID, _ := ctx.Value(UserIDKey).(string)
				m.audit.Record(ctx, model.AuditEvent{
					Type:      model.AuditRateLimitExceeded,
					UserID:    userID,
					IPAddress: m.IPKey(r),
					Success:   model.Bool(false),
					Metadata: map[string]interface{}{
						"scope":       scope.Name,
						"limit":       scope.Limit,
						"path":        r.URL.Path,
						"retry_after": decision.RetryAfter,
					},
				})

				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too many requests. Please try again later.",
					map[string]interface{}{"retryAfter": decision.RetryAfter})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKey keys a rate limit on the authenticated user
func UserKey(r *http.Request) string {
	return GetUserID(r.Context())
}
