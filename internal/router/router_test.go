package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasktrack/tasktrack/internal/auth"
	"github.com/tasktrack/tasktrack/internal/captcha"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/email"
	"github.com/tasktrack/tasktrack/internal/envelope"
	"github.com/tasktrack/tasktrack/internal/handler"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/middleware"
	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/repository"
	"github.com/tasktrack/tasktrack/internal/secrets"
	"github.com/tasktrack/tasktrack/internal/service"
)

// users is a minimal in-memory UserStore.
type users struct {
	mu sync.Mutex
	m  map[string]*model.User
}

func (s *users) Create(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.m {
		if existing.Email == u.Email {
			return repository.ErrDuplicate
		}
	}
	cp := *u
	s.m[u.ID] = &cp
	return nil
}

func (s *users) GetByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *users) GetByEmail(_ context.Context, addr string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.m {
		if u.Email == addr {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *users) SetCode(_ context.Context, id string, purpose model.CodePurpose, ciphertext string, expiresAt, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[id]
	if purpose == model.CodePurposePasswordReset {
		u.PasswordResetCode, u.PasswordResetCodeExpiry = &ciphertext, &expiresAt
	} else {
		u.VerificationCode, u.VerificationCodeExpiry = &ciphertext, &expiresAt
	}
	return nil
}

func (s *users) ConsumeCode(_ context.Context, id string, purpose model.CodePurpose, ciphertext string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[id]
	stored, _ := u.Code(purpose)
	if stored == nil || *stored != ciphertext {
		return repository.ErrPreconditionFailed
	}
	if purpose == model.CodePurposePasswordReset {
		u.PasswordResetCode, u.PasswordResetCodeExpiry = nil, nil
	} else {
		u.VerificationCode, u.VerificationCodeExpiry = nil, nil
		u.Verified = true
	}
	return nil
}

func (s *users) RecordFailedLogin(_ context.Context, id string, now, windowStart time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[id]
	if u.IsLockedAt(now) {
		return 0, nil, repository.ErrPreconditionFailed
	}
	if u.LastFailedLoginAt == nil || u.LastFailedLoginAt.Before(windowStart) {
		u.FailedLoginAttempts = 1
	} else {
		u.FailedLoginAttempts++
	}
	if u.FailedLoginAttempts >= threshold {
		u.LockedUntil = &lockUntil
	}
	u.LastFailedLoginAt = &now
	return u.FailedLoginAttempts, u.LockedUntil, nil
}

func (s *users) ResetFailedLogins(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[id]
	if u.IsLockedAt(now) {
		return repository.ErrPreconditionFailed
	}
	u.FailedLoginAttempts, u.LastFailedLoginAt, u.LockedUntil = 0, nil, nil
	return nil
}

func (s *users) ApplyPasswordReset(_ context.Context, id, code, hash string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.m[id]
	if u.PasswordResetCode == nil || *u.PasswordResetCode != code {
		return repository.ErrPreconditionFailed
	}
	u.PasswordHash = hash
	u.PasswordResetCode, u.PasswordResetCodeExpiry = nil, nil
	u.FailedLoginAttempts, u.LastFailedLoginAt, u.LockedUntil = 0, nil, nil
	return nil
}

type sessions struct {
	mu sync.Mutex
	m  map[string]*model.Session
}

func (s *sessions) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.m[sess.TokenDigest] = &cp
	return nil
}

func (s *sessions) GetByDigest(_ context.Context, d string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[d]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *sessions) Touch(_ context.Context, d string, last, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[d]; ok {
		sess.LastActivityAt, sess.ExpiresAt = last, exp
	}
	return nil
}

func (s *sessions) Delete(_ context.Context, d string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, d)
	return nil
}

func (s *sessions) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, sess := range s.m {
		if sess.UserID == userID {
			delete(s.m, k)
			n++
		}
	}
	return n, nil
}

func (s *sessions) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type auditLog struct {
	mu      sync.Mutex
	entries []*model.AuditLog
}

func (a *auditLog) Create(_ context.Context, e *model.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditLog) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type outbox struct {
	mu   sync.Mutex
	sent []email.Message
}

func (o *outbox) Send(_ context.Context, msg email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	_, rest, ok := strings.Cut(o.sent[len(o.sent)-1].TextBody, "Your code: ")
	require.True(t, ok)
	code, _, _ := strings.Cut(rest, "\n")
	return code
}

type healthy struct{}

func (healthy) HealthCheck(context.Context) error { return nil }

type app struct {
	handler http.Handler
	auth    *service.AuthService
	outbox  *outbox
	redis   *miniredis.Miniredis
}

func newApp(t *testing.T, rl config.RateLimitingConfig) *app {
	t.Helper()
	log := logger.Nop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := secrets.NewStaticStore(map[string]string{
		"data-key": base64.StdEncoding.EncodeToString([]byte(strings.Repeat("z", 32))),
	})
	require.NoError(t, err)
	cipher := envelope.NewService(store, "data-key", time.Minute, log)

	cfg := &config.Config{}
	cfg.Security.RateLimiting = rl
	cfg.Session = config.SessionConfig{InactivityTimeout: 30 * time.Minute, MaxLifetime: 24 * time.Hour}

	userStore := &users{m: map[string]*model.User{}}
	audit := service.NewAuditService(&auditLog{}, 0, log)
	sessionSvc := service.NewSessionService(&sessions{m: map[string]*model.Session{}}, cipher, cfg.Session, log)
	lockout := service.NewLockoutService(userStore, config.LockoutConfig{Threshold: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}, log)
	codes := service.NewCodeService(userStore, cipher, config.CodesConfig{Length: 6, VerificationTTL: 24 * time.Hour, ResetTTL: time.Hour}, log)
	box := &outbox{}

	authSvc := service.NewAuthService(
		userStore, sessionSvc, lockout, codes, audit, cipher,
		auth.NewPolicy(12, ""),
		auth.NewHasher(auth.NewParams(1024, 1, 1)),
		auth.NewWeakList(),
		captcha.Placeholder{},
		box,
		"TaskTrack",
		log,
	)
	limiter := service.NewRateLimitService(database.WrapRedis(client), database.NewRetrier(config.RetryConfig{MaxAttempts: 1}), time.Minute, log)

	h := handler.New(healthy{}, healthy{}, log, cfg, authSvc)
	mw := middleware.New(limiter, sessionSvc, audit, log, cfg)

	return &app{
		handler: New(h, mw, service.ScopesFromConfig(rl), []string{"https://app.example.com"}),
		auth:    authSvc,
		outbox:  box,
		redis:   mr,
	}
}

func (a *app) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:5000"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error object")
	return e["code"].(string)
}

func permissive() config.RateLimitingConfig {
	return config.RateLimitingConfig{
		Enabled:    true,
		IPLimit:    1000,
		IPWindow:   time.Minute,
		AuthLimit:  1000,
		AuthWindow: time.Minute,
		UserLimit:  1000,
		UserWindow: time.Minute,
	}
}

const (
	addr     = "bob@example.com"
	password = "Sturdy-Lantern-81"
)

func TestAccountLifecycle(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": addr, "password": password, "captchaToken": "ok",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	userID := decode(t, rec)["userId"]
	require.NotEmpty(t, userID)

	rec = a.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": addr, "password": password, "captchaToken": "ok",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email_exists", errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": password}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_unverified", errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"email": addr, "code": a.outbox.lastCode(t)}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), middleware.SessionCookieName+"=")
	verifyBody := decode(t, rec)
	assert.Equal(t, userID, verifyBody["userId"])

	rec = a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": "wrong-password-1"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": password}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["sessionToken"].(string)

	rec = a.do(t, http.MethodGet, "/api/v1/users/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode(t, rec)
	assert.Equal(t, addr, me["email"])
	assert.Equal(t, true, me["verified"])
	assert.NotEmpty(t, me["sessionExpiresAt"])
	assert.NotContains(t, me, "passwordHash")

	rec = a.do(t, http.MethodPost, "/api/v1/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	rec = a.do(t, http.MethodGet, "/api/v1/users/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_expired", errorCode(t, rec))
}

func TestRegister_WeakPasswordListsViolations(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": addr, "password": "password1", "captchaToken": "ok",
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	e := decode(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "weak_password", e["code"])
	details, ok := e["details"].([]interface{})
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(details), 3)
}

func TestRegister_UnknownFieldRejected(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": addr, "password": password, "role": "admin",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(t, rec))
}

func TestPasswordResetFlow(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": addr, "password": password, "captchaToken": "ok",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/v1/auth/verify", map[string]string{"email": addr, "code": a.outbox.lastCode(t)}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	oldToken := decode(t, rec)["sessionToken"].(string)

	rec = a.do(t, http.MethodPost, "/api/v1/auth/password/reset-request", map[string]string{"email": "nobody@example.com"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/auth/password/reset-request", map[string]string{"email": addr}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	a.auth.Wait()

	newPassword := "Quiet-Harbor-Tide-7"
	rec = a.do(t, http.MethodPost, "/api/v1/auth/password/reset", map[string]string{
		"email": addr, "code": a.outbox.lastCode(t), "newPassword": newPassword,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/users/me", nil, oldToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": password}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": newPassword}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoute_RequiresSession(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodGet, "/api/v1/users/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))

	rec = a.do(t, http.MethodGet, "/api/v1/users/me", nil, "not-a-real-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRoutes_RateLimitedPerIP(t *testing.T) {
	rl := permissive()
	rl.AuthLimit = 3
	rl.AuthWindow = time.Hour
	a := newApp(t, rl)

	for i := 0; i < 3; i++ {
		rec := a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": password}, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := a.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": addr, "password": password}, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, rec))

	// Health checks are outside every quota
	rec = a.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	a := newApp(t, permissive())
	a.redis.Close()

	rec := a.do(t, http.MethodPost, "/api/v1/auth/password/reset-request", map[string]string{"email": addr}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownRoute(t *testing.T) {
	a := newApp(t, permissive())

	rec := a.do(t, http.MethodGet, "/api/v1/auth/login", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
