// Package tasktrack is a Go client for the TaskTrack authentication API.
//
// Besides the account operations it provides net/http middleware that
// authenticates requests to a downstream service by resolving the session
// token against the TaskTrack server.
package tasktrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds the configuration for the TaskTrack client.
type Config struct {
	// BaseURL is the root URL of the TaskTrack server.
	// Examples: "https://api.example.com" or "https://api.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// CookieName is the name of the session cookie set by TaskTrack.
	// Default: "tasktrack_session"
	CookieName string

	// CacheTTL controls how long resolved sessions are cached in memory.
	// A cached entry does not extend the session on the server and may
	// outlive a logout made elsewhere, so keep it short.
	// Default: 15 seconds. Negative disables caching.
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.CookieName == "" {
		c.CookieName = "tasktrack_session"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client calls the TaskTrack API.
type Client struct {
	cfg   Config
	cache *sessionCache
}

// NewClient creates a new TaskTrack client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newSessionCache(),
	}
}

// CurrentUser resolves a session token to its user. An unknown or expired
// session yields ErrSessionInvalid.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	if c.cfg.CacheTTL > 0 {
		if user, ok := c.cache.get(token); ok {
			return user, nil
		}
	}

	body, err := c.do(ctx, http.MethodGet, "/users/me", nil, token)
	if err != nil {
		if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("tasktrack: failed to parse user: %w", err)
	}

	if c.cfg.CacheTTL > 0 {
		c.cache.set(token, &user, c.cfg.CacheTTL)
	}
	return &user, nil
}

// Register creates a new, unverified account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify confirms the emailed registration code and starts a session.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*Session, error) {
	var resp Session
	if err := c.postJSON(ctx, "/auth/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResendVerification issues a fresh registration code.
func (c *Client) ResendVerification(ctx context.Context, email string) error {
	return c.postJSON(ctx, "/auth/verify/resend", map[string]string{"email": email}, nil)
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	var resp Session
	if err := c.postJSON(ctx, "/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout terminates the session.
func (c *Client) Logout(ctx context.Context, token string) error {
	c.cache.delete(token)
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, token)
	return err
}

// RequestPasswordReset asks for a reset code. It succeeds whether or not
// the account exists.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.postJSON(ctx, "/auth/password/reset-request", map[string]string{"email": email}, nil)
}

// ResetPassword sets a new password using an emailed code. All of the
// user's sessions end, so cached entries are dropped too.
func (c *Client) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if err := c.postJSON(ctx, "/auth/password/reset", req, nil); err != nil {
		return err
	}
	c.cache.clear()
	return nil
}

// InvalidateToken removes a token from the local cache.
func (c *Client) InvalidateToken(token string) {
	c.cache.delete(token)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := c.do(ctx, http.MethodPost, path, payload, "")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("tasktrack: failed to parse response from %s: %w", path, err)
	}
	return nil
}

// do sends a request to the TaskTrack API.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, token string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("tasktrack: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("tasktrack: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tasktrack: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tasktrack: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

// sessionCache keeps resolved sessions for a short time.
type sessionCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	user      *User
	expiresAt time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{entries: make(map[string]*cacheEntry)}
}

func (sc *sessionCache) get(token string) (*User, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	entry, ok := sc.entries[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.user, true
}

func (sc *sessionCache) set(token string, user *User, ttl time.Duration) {
	expiresAt := time.Now().Add(ttl)
	if user.SessionExpiresAt != nil && user.SessionExpiresAt.Before(expiresAt) {
		expiresAt = *user.SessionExpiresAt
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	// Expired entries are swept on write
	now := time.Now()
	for k, v := range sc.entries {
		if now.After(v.expiresAt) {
			delete(sc.entries, k)
		}
	}
	sc.entries[token] = &cacheEntry{user: user, expiresAt: expiresAt}
}

func (sc *sessionCache) delete(token string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.entries, token)
}

func (sc *sessionCache) clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.entries = make(map[string]*cacheEntry)
}
