package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/model"
)

// SessionRepository handles session persistence. Sessions are keyed by the
// digest of their token.
type SessionRepository struct {
	db      *database.Postgres
	retrier *database.Retrier
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.Postgres, retrier *database.Retrier) *SessionRepository {
	return &SessionRepository{db: db, retrier: retrier}
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (token_digest, token_ciphertext, user_id, created_at,
		    last_activity_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			s.TokenDigest,
			s.TokenCiphertext,
			s.UserID,
			s.CreatedAt,
			s.LastActivityAt,
			s.ExpiresAt,
			nullString(s.IPAddress),
			nullString(s.UserAgent),
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByDigest retrieves a session by its token digest
func (r *SessionRepository) GetByDigest(ctx context.Context, digest string) (*model.Session, error) {
	query := `
		SELECT token_digest, token_ciphertext, user_id, created_at,
		       last_activity_at, expires_at, ip_address, user_agent
		FROM sessions
		WHERE token_digest = $1
	`
	var s model.Session
	var ip, ua sql.NullString
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, query, digest).Scan(
			&s.TokenDigest,
			&s.TokenCiphertext,
			&s.UserID,
			&s.CreatedAt,
			&s.LastActivityAt,
			&s.ExpiresAt,
			&ip,
			&ua,
		)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.IPAddress = ip.String
	s.UserAgent = ua.String
	return &s, nil
}

// Touch stores a new activity time and expiry. Concurrent touches of the
// same session are last-write-wins.
func (r *SessionRepository) Touch(ctx context.Context, digest string, lastActivity, expiresAt time.Time) error {
	query := `UPDATE sessions SET last_activity_at = $1, expires_at = $2 WHERE token_digest = $3`
	var rows int64
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, lastActivity, expiresAt, digest)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, digest string) error {
	query := `DELETE FROM sessions WHERE token_digest = $1`
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query, digest)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID removes every session of a user and returns how many were removed
func (r *SessionRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	query := `DELETE FROM sessions WHERE user_id = $1`
	return r.deleteCounting(ctx, "failed to delete user sessions", query, userID)
}

// DeleteExpired removes sessions whose expiry has passed
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1`
	return r.deleteCounting(ctx, "failed to purge sessions", query, now)
}

func (r *SessionRepository) deleteCounting(ctx context.Context, msg, query string, arg interface{}) (int64, error) {
	var rows int64
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, arg)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", msg, err)
	}
	return rows, nil
}
