package tasktrack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

type contextKey string

const (
	userContextKey  contextKey = "tasktrack_user"
	tokenContextKey contextKey = "tasktrack_token"
)

// MiddlewareConfig configures the authentication middleware.
type MiddlewareConfig struct {
	// SkipPaths is a list of path prefixes that do not require authentication.
	// Example: []string{"/health", "/public/"}
	SkipPaths []string

	// LoginURL is the login page URL. When set, unauthenticated requests are
	// redirected here instead of receiving 401. The current request URL is
	// appended as a ?return_url= query parameter.
	LoginURL string

	// TokenExtractor overrides how the session token is read. By default the
	// Authorization header is tried first, then the session cookie.
	TokenExtractor func(r *http.Request) string

	// ErrorHandler overrides the response for authentication failures.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware returns net/http middleware that resolves the session token
// against TaskTrack and stores the user in the request context. Retrieve it
// with UserFromContext.
func (client *Client) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range cfg.SkipPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			var token string
			if cfg.TokenExtractor != nil {
				token = cfg.TokenExtractor(r)
			} else {
				token = defaultTokenExtractor(r, client.cfg.CookieName)
			}
			if token == "" {
				handleAuthError(w, r, cfg, ErrNoToken)
				return
			}

			user, err := client.CurrentUser(r.Context(), token)
			if err != nil {
				handleAuthError(w, r, cfg, err)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = context.WithValue(ctx, tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated user, or nil when the
// middleware did not run or skipped the request.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// TokenFromContext returns the raw session token.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// RedirectToLogin sends the browser to loginURL with return_url set to the
// current request URL.
func RedirectToLogin(w http.ResponseWriter, r *http.Request, loginURL string) {
	target := loginURL + "?return_url=" + url.QueryEscape(currentURL(r))
	http.Redirect(w, r, target, http.StatusFound)
}

func defaultTokenExtractor(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func handleAuthError(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, err error) {
	if cfg.ErrorHandler != nil {
		cfg.ErrorHandler(w, r, err)
		return
	}

	authFailure := errors.Is(err, ErrNoToken) || errors.Is(err, ErrSessionInvalid)
	if authFailure && cfg.LoginURL != "" {
		RedirectToLogin(w, r, cfg.LoginURL)
		return
	}

	status, code, message := http.StatusUnauthorized, "unauthorized", "Authentication required"
	switch {
	case errors.Is(err, ErrSessionInvalid):
		code, message = "session_expired", "Session is invalid or expired"
	case !authFailure:
		status, code, message = http.StatusBadGateway, "auth_unavailable", "Authentication service unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func currentURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
