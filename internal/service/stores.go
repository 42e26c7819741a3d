package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/model"
)

// UserStore is the persistence surface the services need for accounts.
// *repository.UserRepository implements it.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	SetCode(ctx context.Context, id string, purpose model.CodePurpose, ciphertext string, expiresAt, now time.Time) error
	ConsumeCode(ctx context.Context, id string, purpose model.CodePurpose, ciphertext string, now time.Time) error
	RecordFailedLogin(ctx context.Context, id string, now, windowStart time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error)
	ResetFailedLogins(ctx context.Context, id string, now time.Time) error
	ApplyPasswordReset(ctx context.Context, id, codeCiphertext, passwordHash string, now time.Time) error
}

// SessionStore persists sessions keyed by token digest.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByDigest(ctx context.Context, digest string) (*model.Session, error)
	Touch(ctx context.Context, digest string, lastActivity, expiresAt time.Time) error
	Delete(ctx context.Context, digest string) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	Create(ctx context.Context, log *model.AuditLog) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CounterStore holds rate-limit counters. *database.Redis implements it.
type CounterStore interface {
	GetInt(ctx context.Context, key string) (int64, error)
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// FieldCipher encrypts fields at rest. *envelope.Service implements it.
type FieldCipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, envelope string) (string, error)
	Digest(ctx context.Context, value string) (string, error)
}

// storeError classifies an infrastructure error for the caller.
func storeError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, database.ErrTransient) {
		return apperr.TransientStore(fmt.Errorf("%s: %w", msg, err))
	}
	return apperr.Wrap(err, msg)
}

// generateSecureToken returns n random bytes encoded as unpadded base64url.
func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateNumericCode returns a uniformly random zero-padded decimal code.
func generateNumericCode(digits int) (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 255 {
		return false
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return false
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	// Domain needs at least one dot, not at either end
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

func cleanIP(ip string) string {
	// Strip port if present
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		return ip
	}
	return host
}
