package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/model"
)

const userColumns = `
	id, email, password_hash, verified,
	verification_code, verification_code_expiry,
	password_reset_code, password_reset_code_expiry,
	failed_login_attempts, last_failed_login_at, locked_until,
	created_at, updated_at`

// UserRepository handles user data persistence
type UserRepository struct {
	db      *database.Postgres
	retrier *database.Retrier
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *database.Postgres, retrier *database.Retrier) *UserRepository {
	return &UserRepository{db: db, retrier: retrier}
}

// Create inserts a new user into the database
func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, email, password_hash, verified,
		    verification_code, verification_code_expiry,
		    failed_login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			user.ID,
			user.Email,
			user.PasswordHash,
			user.Verified,
			user.VerificationCode,
			user.VerificationCodeExpiry,
			user.FailedLoginAttempts,
			user.CreatedAt,
			user.UpdatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.queryUser(ctx, query, id)
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.queryUser(ctx, query, email)
}

// SetCode stores a code ciphertext and its expiry, overwriting any previous code
// of the same purpose.
func (r *UserRepository) SetCode(ctx context.Context, id string, purpose model.CodePurpose, ciphertext string, expiresAt, now time.Time) error {
	codeCol, expiryCol := codeColumns(purpose)
	query := fmt.Sprintf(`UPDATE users SET %s = $1, %s = $2, updated_at = $3 WHERE id = $4`, codeCol, expiryCol)
	return r.execAffectingOne(ctx, "failed to store code", query, ciphertext, expiresAt, now, id)
}

// ConsumeCode clears a code, but only if the stored ciphertext is still the
// one the caller checked. Consuming a verification code also marks the
// account verified. A concurrent consumer or a reissue yields
// ErrPreconditionFailed.
func (r *UserRepository) ConsumeCode(ctx context.Context, id string, purpose model.CodePurpose, ciphertext string, now time.Time) error {
	codeCol, expiryCol := codeColumns(purpose)
	extra := ""
	if purpose == model.CodePurposeVerification {
		extra = ", verified = true"
	}
	query := fmt.Sprintf(
		`UPDATE users SET %s = NULL, %s = NULL%s, updated_at = $1 WHERE id = $2 AND %s = $3`,
		codeCol, expiryCol, extra, codeCol,
	)
	err := r.execAffectingOne(ctx, "failed to consume code", query, now, id, ciphertext)
	if errors.Is(err, ErrNotFound) {
		return ErrPreconditionFailed
	}
	return err
}

// RecordFailedLogin atomically counts a failed login. The counter restarts
// at 1 when the previous failure is older than windowStart, and the account
// is locked until lockUntil once the count reaches threshold. An account
// that is currently locked is left untouched and ErrPreconditionFailed is
// returned.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id string, now, windowStart time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = CASE
		        WHEN last_failed_login_at IS NULL OR last_failed_login_at < $3 THEN 1
		        ELSE failed_login_attempts + 1
		    END,
		    locked_until = CASE
		        WHEN (CASE
		                WHEN last_failed_login_at IS NULL OR last_failed_login_at < $3 THEN 1
		                ELSE failed_login_attempts + 1
		             END) >= $4 THEN $5
		        ELSE locked_until
		    END,
		    last_failed_login_at = $2,
		    updated_at = $2
		WHERE id = $1 AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING failed_login_attempts, locked_until
	`
	var attempts int
	var lockedUntil *time.Time
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, query, id, now, windowStart, threshold, lockUntil).Scan(&attempts, &lockedUntil)
	})
	if err == sql.ErrNoRows {
		return 0, nil, ErrPreconditionFailed
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to record failed login: %w", err)
	}
	return attempts, lockedUntil, nil
}

// ResetFailedLogins clears the failed login counter and any expired lock. A
// lock still in force at now is left in place and ErrPreconditionFailed is
// returned.
func (r *UserRepository) ResetFailedLogins(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, last_failed_login_at = NULL, locked_until = NULL, updated_at = $1
		WHERE id = $2 AND (locked_until IS NULL OR locked_until <= $1)
	`
	err := r.execAffectingOne(ctx, "failed to reset failed logins", query, now, id)
	if errors.Is(err, ErrNotFound) {
		return ErrPreconditionFailed
	}
	return err
}

// ApplyPasswordReset replaces the password hash, clears the reset code and
// clears any lockout in one update, but only while the stored reset code is
// still the ciphertext the caller checked. Otherwise nothing changes and
// ErrPreconditionFailed is returned.
func (r *UserRepository) ApplyPasswordReset(ctx context.Context, id, codeCiphertext, passwordHash string, now time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $1,
		    password_reset_code = NULL, password_reset_code_expiry = NULL,
		    failed_login_attempts = 0, last_failed_login_at = NULL, locked_until = NULL,
		    updated_at = $2
		WHERE id = $3 AND password_reset_code = $4
	`
	err := r.execAffectingOne(ctx, "failed to reset password", query, passwordHash, now, id, codeCiphertext)
	if errors.Is(err, ErrNotFound) {
		return ErrPreconditionFailed
	}
	return err
}

func (r *UserRepository) execAffectingOne(ctx context.Context, msg, query string, args ...interface{}) error {
	var rows int64
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) queryUser(ctx context.Context, query string, arg interface{}) (*model.User, error) {
	var user *model.User
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		user, err = scanUser(r.db.QueryRowContext(ctx, query, arg))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// scanUser scans a single user row
func scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Verified,
		&user.VerificationCode,
		&user.VerificationCodeExpiry,
		&user.PasswordResetCode,
		&user.PasswordResetCodeExpiry,
		&user.FailedLoginAttempts,
		&user.LastFailedLoginAt,
		&user.LockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func codeColumns(purpose model.CodePurpose) (string, string) {
	if purpose == model.CodePurposePasswordReset {
		return "password_reset_code", "password_reset_code_expiry"
	}
	return "verification_code", "verification_code_expiry"
}
