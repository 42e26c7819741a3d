package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/repository"
)

// Code errors
var (
	ErrInvalidCode = apperr.Validation("invalid_code", "Invalid verification code")
	ErrCodeExpired = apperr.Validation("code_expired", "Verification code has expired")
)

// CodeService issues and consumes single-use numeric codes for account
// verification and password reset. Codes are stored encrypted.
type CodeService struct {
	users           UserStore
	cipher          FieldCipher
	length          int
	verificationTTL time.Duration
	resetTTL        time.Duration
	log             *logger.Logger
	now             func() time.Time
}

// NewCodeService creates a new CodeService
func NewCodeService(users UserStore, cipher FieldCipher, cfg config.CodesConfig, log *logger.Logger) *CodeService {
	s := &CodeService{
		users:           users,
		cipher:          cipher,
		length:          cfg.Length,
		verificationTTL: cfg.VerificationTTL,
		resetTTL:        cfg.ResetTTL,
		log:             log.WithComponent("codes"),
		now:             time.Now,
	}
	if s.length <= 0 {
		s.length = 6
	}
	if s.verificationTTL <= 0 {
		s.verificationTTL = 24 * time.Hour
	}
	if s.resetTTL <= 0 {
		s.resetTTL = time.Hour
	}
	return s
}

// TTL returns the lifetime of codes of the given purpose
func (s *CodeService) TTL(purpose model.CodePurpose) time.Duration {
	if purpose == model.CodePurposePasswordReset {
		return s.resetTTL
	}
	return s.verificationTTL
}

// Issue generates a code, stores its ciphertext and expiry on the user and
// returns the plaintext for delivery. Any previous code of the same purpose
// is overwritten.
func (s *CodeService) Issue(ctx context.Context, userID string, purpose model.CodePurpose) (string, time.Time, error) {
	code, err := generateNumericCode(s.length)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(err, "failed to generate code")
	}

	ciphertext, err := s.cipher.Encrypt(ctx, code)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.TTL(purpose))
	if err := s.users.SetCode(ctx, userID, purpose, ciphertext, expiresAt, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", time.Time{}, apperr.NotFound("user_not_found", "User not found")
		}
		return "", time.Time{}, storeError(err, "failed to store code")
	}

	s.log.Debug().Str("user_id", userID).Str("purpose", string(purpose)).Time("expires_at", expiresAt).Msg("code issued")
	return code, expiresAt, nil
}

// Check verifies presented against the user's stored code without
// consuming it and returns the stored ciphertext, which a later conditional
// update must still match. An expired code is rejected.
func (s *CodeService) Check(ctx context.Context, user *model.User, purpose model.CodePurpose, presented string) (string, error) {
	stored, expiry := user.Code(purpose)
	if stored == nil || *stored == "" || presented == "" {
		return "", ErrInvalidCode
	}

	plaintext, err := s.cipher.Decrypt(ctx, *stored)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(plaintext), []byte(presented)) != 1 {
		return "", ErrInvalidCode
	}

	if expiry == nil || s.now().After(*expiry) {
		return "", ErrCodeExpired
	}
	return *stored, nil
}

// Consume checks presented against the user's stored code and clears it on
// success. An expired code is rejected and left stored until reissued.
func (s *CodeService) Consume(ctx context.Context, user *model.User, purpose model.CodePurpose, presented string) error {
	stored, err := s.Check(ctx, user, purpose, presented)
	if err != nil {
		return err
	}

	if err := s.users.ConsumeCode(ctx, user.ID, purpose, stored, s.now()); err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			// Consumed or reissued by a concurrent request.
			return ErrInvalidCode
		}
		return storeError(err, "failed to consume code")
	}
	return nil
}
