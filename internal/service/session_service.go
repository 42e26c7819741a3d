package service

import (
	"context"
	"errors"
	"time"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/repository"
)

const sessionTokenBytes = 32

// Session lifetime defaults
const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultMaxLifetime       = 24 * time.Hour
)

// SessionService issues and validates opaque session tokens. A session
// expires after the inactivity timeout since last use or at the maximum
// lifetime since creation, whichever comes first.
type SessionService struct {
	store       SessionStore
	cipher      FieldCipher
	inactivity  time.Duration
	maxLifetime time.Duration
	log         *logger.Logger
	now         func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(store SessionStore, cipher FieldCipher, cfg config.SessionConfig, log *logger.Logger) *SessionService {
	s := &SessionService{
		store:       store,
		cipher:      cipher,
		inactivity:  cfg.InactivityTimeout,
		maxLifetime: cfg.MaxLifetime,
		log:         log.WithComponent("session_service"),
		now:         time.Now,
	}
	if s.inactivity <= 0 {
		s.inactivity = DefaultInactivityTimeout
	}
	if s.maxLifetime <= 0 {
		s.maxLifetime = DefaultMaxLifetime
	}
	return s
}

// expiry returns min(lastActivity + inactivity, createdAt + maxLifetime)
func (s *SessionService) expiry(createdAt, lastActivity time.Time) time.Time {
	idle := lastActivity.Add(s.inactivity)
	hard := createdAt.Add(s.maxLifetime)
	if idle.Before(hard) {
		return idle
	}
	return hard
}

// Create issues a new session for userID and returns its plaintext token
func (s *SessionService) Create(ctx context.Context, userID, ipAddress, userAgent string) (*model.IssuedSession, error) {
	token, err := generateSecureToken(sessionTokenBytes)
	if err != nil {
		return nil, storeError(err, "failed to generate session token")
	}

	digest, err := s.cipher.Digest(ctx, token)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.cipher.Encrypt(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &model.Session{
		TokenDigest:     digest,
		TokenCiphertext: ciphertext,
		UserID:          userID,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       s.expiry(now, now),
		IPAddress:       ipAddress,
		UserAgent:       userAgent,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, storeError(err, "failed to create session")
	}

	s.log.Debug().Str("user_id", userID).Time("expires_at", session.ExpiresAt).Msg("session created")
	return &model.IssuedSession{Token: token, Session: session}, nil
}

// Validate returns the session for token with its activity refreshed, or
// nil when the token is unknown or the session has expired. Expired
// sessions are deleted.
func (s *SessionService) Validate(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, nil
	}

	digest, err := s.cipher.Digest(ctx, token)
	if err != nil {
		return nil, err
	}

	session, err := s.store.GetByDigest(ctx, digest)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "failed to load session")
	}

	now := s.now().UTC()
	if now.After(session.ExpiresAt) ||
		now.Sub(session.LastActivityAt) > s.inactivity ||
		now.Sub(session.CreatedAt) > s.maxLifetime {
		if err := s.store.Delete(ctx, digest); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("failed to delete expired session")
		}
		return nil, nil
	}

	session.LastActivityAt = now
	session.ExpiresAt = s.expiry(session.CreatedAt, now)
	if err := s.store.Touch(ctx, digest, session.LastActivityAt, session.ExpiresAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Terminated concurrently.
			return nil, nil
		}
		return nil, storeError(err, "failed to refresh session")
	}
	return session, nil
}

// Terminate deletes the session for token. It never fails; the owning user
// id is returned when it could be determined.
func (s *SessionService) Terminate(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}
	digest, err := s.cipher.Digest(ctx, token)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to derive session digest")
		return ""
	}

	var userID string
	if session, err := s.store.GetByDigest(ctx, digest); err == nil {
		userID = session.UserID
	}
	if err := s.store.Delete(ctx, digest); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to delete session")
	}
	return userID
}

// InvalidateAll deletes every session of userID
func (s *SessionService) InvalidateAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, storeError(err, "failed to invalidate sessions")
	}
	s.log.Info().Str("user_id", userID).Int64("sessions", n).Msg("all sessions invalidated")
	return n, nil
}

// PurgeExpired deletes sessions past their expiry
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}
