package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/model"
)

// SessionCookieName is the cookie carrying the session token for browsers
const SessionCookieName = "tasktrack_session"

// Context keys for authenticated user data
const (
	UserIDKey  contextKey = "user_id"
	SessionKey contextKey = "session"
)

// SessionToken extracts the session token from the Authorization header or,
// failing that, the session cookie.
func SessionToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Auth rejects requests without a live session and binds the session's user
// to the request context.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := SessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}

		session, err := m.sessions.Validate(r.Context(), token)
		if err != nil {
			m.log.Error().Err(err).Msg("session validation failed")
			status, code, message := http.StatusInternalServerError, "internal_error", "Unable to validate session"
			if appErr, ok := apperr.As(err); ok && appErr.Kind == apperr.KindTransientStore {
				status, code, message = appErr.Kind.HTTPStatus(), appErr.Code, appErr.Message
				w.Header().Set("Retry-After", "1")
			}
			writeError(w, status, code, message, nil)
			return
		}
		if session == nil {
			writeError(w, http.StatusUnauthorized, "session_expired", "The session is invalid or has expired", nil)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, session.UserID)
		ctx = context.WithValue(ctx, SessionKey, session)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID returns the authenticated user id, or "" outside Auth
func GetUserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

// GetSession returns the validated session, or nil outside Auth
func GetSession(ctx context.Context) *model.Session {
	s, _ := ctx.Value(SessionKey).(*model.Session)
	return s
}
