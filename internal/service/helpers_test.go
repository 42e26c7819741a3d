package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/email"
	"github.com/tasktrack/tasktrack/internal/envelope"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/repository"
	"github.com/tasktrack/tasktrack/internal/secrets"
)

const testKeyID = "tasktrack/data-key"

// clock is a settable time source shared by the services under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCipher(t *testing.T) *envelope.Service {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	store, err := secrets.NewStaticStore(map[string]string{testKeyID: key})
	require.NoError(t, err)
	return envelope.NewService(store, testKeyID, time.Minute, logger.Nop())
}

// memUsers mirrors the conditional-update semantics of UserRepository.
type memUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
	err   error
	// resetErr fails ApplyPasswordReset only.
	resetErr error
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*model.User)}
}

func (m *memUsers) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, addr string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.users {
		if u.Email == addr {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memUsers) SetCode(_ context.Context, id string, purpose model.CodePurpose, ciphertext string, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if purpose == model.CodePurposePasswordReset {
		u.PasswordResetCode, u.PasswordResetCodeExpiry = &ciphertext, &expiresAt
	} else {
		u.VerificationCode, u.VerificationCodeExpiry = &ciphertext, &expiresAt
	}
	u.UpdatedAt = now
	return nil
}

func (m *memUsers) ConsumeCode(_ context.Context, id string, purpose model.CodePurpose, ciphertext string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrPreconditionFailed
	}
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
	u.UpdatedAt = now
	return nil
}

func (m *memUsers) RecordFailedLogin(_ context.Context, id string, now, windowStart time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, nil, m.err
	}
	u, ok := m.users[id]
	if !ok || u.IsLockedAt(now) {
		return 0, nil, repository.ErrPreconditionFailed
	}
	if u.LastFailedLoginAt == nil || u.LastFailedLoginAt.Before(windowStart) {
		u.FailedLoginAttempts = 1
	} else {
		u.FailedLoginAttempts++
	}
	if u.FailedLoginAttempts >= threshold {
		lu := lockUntil
		u.LockedUntil = &lu
	}
	last := now
	u.LastFailedLoginAt = &last
	return u.FailedLoginAttempts, u.LockedUntil, nil
}

func (m *memUsers) ResetFailedLogins(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if u.IsLockedAt(now) {
		return repository.ErrPreconditionFailed
	}
	u.FailedLoginAttempts, u.LastFailedLoginAt, u.LockedUntil = 0, nil, nil
	return nil
}

func (m *memUsers) ApplyPasswordReset(_ context.Context, id, codeCiphertext, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	u, ok := m.users[id]
	if !ok || u.PasswordResetCode == nil || *u.PasswordResetCode != codeCiphertext {
		return repository.ErrPreconditionFailed
	}
	u.PasswordHash = passwordHash
	u.PasswordResetCode, u.PasswordResetCodeExpiry = nil, nil
	u.FailedLoginAttempts, u.LastFailedLoginAt, u.LockedUntil = 0, nil, nil
	u.UpdatedAt = now
	return nil
}

// lock sets a lock on the account as a concurrent failed login would.
func (m *memUsers) lock(id string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].LockedUntil = &until
}

func (m *memUsers) get(id string) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.users[id]
	return &cp
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*model.Session)}
}

func (m *memSessions) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.TokenDigest] = &cp
	return nil
}

func (m *memSessions) GetByDigest(_ context.Context, digest string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[digest]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Touch(_ context.Context, digest string, lastActivity, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[digest]
	if !ok {
		return repository.ErrNotFound
	}
	s.LastActivityAt, s.ExpiresAt = lastActivity, expiresAt
	return nil
}

func (m *memSessions) Delete(_ context.Context, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, digest)
	return nil
}

func (m *memSessions) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type memAudit struct {
	mu      sync.Mutex
	entries []*model.AuditLog
	err     error
}

func (m *memAudit) Create(_ context.Context, entry *model.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if e.TTL < now.Unix() {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memAudit) ofType(t model.AuditEventType) []*model.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AuditLog
	for _, e := range m.entries {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// captureSender records delivered messages.
type captureSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) last() email.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

// codeFrom extracts the code from a delivered message.
func codeFrom(t *testing.T, msg email.Message) string {
	t.Helper()
	_, rest, ok := strings.Cut(msg.TextBody, "Your code: ")
	require.True(t, ok, "no code in message %q", msg.TextBody)
	code, _, _ := strings.Cut(rest, "\n")
	return code
}

var errStoreDown = errors.New("connection refused")

func testCodesConfig() config.CodesConfig {
	return config.CodesConfig{Length: 6, VerificationTTL: 24 * time.Hour, ResetTTL: time.Hour}
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{Threshold: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{InactivityTimeout: 30 * time.Minute, MaxLifetime: 24 * time.Hour}
}
