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

// LockoutStatus is the outcome of counting one failed login
type LockoutStatus struct {
	Attempts    int
	LockedUntil *time.Time
	// JustLocked is set when this failure reached the threshold.
	JustLocked bool
}

// LockoutService guards accounts against password guessing. Failures within
// a rolling window accumulate; reaching the threshold locks the account for
// a fixed duration.
type LockoutService struct {
	users     UserStore
	threshold int
	window    time.Duration
	duration  time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(users UserStore, cfg config.LockoutConfig, log *logger.Logger) *LockoutService {
	s := &LockoutService{
		users:     users,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		duration:  cfg.Duration,
		log:       log.WithComponent("lockout"),
		now:       time.Now,
	}
	if s.threshold <= 0 {
		s.threshold = 5
	}
	if s.window <= 0 {
		s.window = 15 * time.Minute
	}
	if s.duration <= 0 {
		s.duration = 15 * time.Minute
	}
	return s
}

// IsLocked reports whether the account is locked right now
func (s *LockoutService) IsLocked(user *model.User) bool {
	return user.IsLockedAt(s.now())
}

// RecordFailure counts a failed login in one atomic store update
func (s *LockoutService) RecordFailure(ctx context.Context, userID string) (LockoutStatus, error) {
	now := s.now()
	attempts, lockedUntil, err := s.users.RecordFailedLogin(ctx, userID, now, now.Add(-s.window), s.threshold, now.Add(s.duration))
	if errors.Is(err, repository.ErrPreconditionFailed) {
		// Another request locked the account first.
		return LockoutStatus{Attempts: s.threshold}, nil
	}
	if err != nil {
		return LockoutStatus{}, storeError(err, "failed to record failed login")
	}

	status := LockoutStatus{Attempts: attempts, LockedUntil: lockedUntil}
	if attempts >= s.threshold && lockedUntil != nil && lockedUntil.After(now) {
		status.JustLocked = true
		s.log.Warn().
			Str("user_id", userID).
			Int("attempts", attempts).
			Dur("lock_duration", s.duration).
			Msg("account locked due to failed attempts")
	}
	return status, nil
}

// Reset clears the failure counter after a successful login. If a
// concurrent failure locked the account in the meantime the lock stays and
// ErrAccountLocked is returned.
func (s *LockoutService) Reset(ctx context.Context, userID string) error {
	err := s.users.ResetFailedLogins(ctx, userID, s.now())
	if errors.Is(err, repository.ErrPreconditionFailed) {
		return ErrAccountLocked
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return storeError(err, "failed to reset failed logins")
	}
	return nil
}
