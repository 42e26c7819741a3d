package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/model"
)

var userRowColumns = []string{
	"id", "email", "password_hash", "verified",
	"verification_code", "verification_code_expiry",
	"password_reset_code", "password_reset_code_expiry",
	"failed_login_attempts", "last_failed_login_at", "locked_until",
	"created_at", "updated_at",
}

func newMockDB(t *testing.T) (*database.Postgres, *database.Retrier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	retrier := database.NewRetrier(config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	return database.WrapPostgres(db), retrier, mock
}

func TestUserRepository_CreateDuplicate(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectExec(`(?s)^\s*INSERT\s+INTO\s+users`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.Create(context.Background(), &model.User{ID: "u-1", Email: "a@example.com"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserRepository_CreateRetriesTransientFailure(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectExec(`INSERT\s+INTO\s+users`).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectExec(`INSERT\s+INTO\s+users`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.User{ID: "u-1", Email: "a@example.com"})
	assert.NoError(t, err)
}

func TestUserRepository_GetByEmail(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	code := "envelope"

	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "a@example.com", "hash-env", true, code, now, nil, nil, 2, now, nil, now, now)
	mock.ExpectQuery(`SELECT\s+.+\s+FROM\s+users\s+WHERE\s+email\s*=\s*\$1`).
		WithArgs("a@example.com").
		WillReturnRows(rows)

	user, err := repo.GetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.True(t, user.Verified)
	require.NotNil(t, user.VerificationCode)
	assert.Equal(t, code, *user.VerificationCode)
	assert.Nil(t, user.PasswordResetCode)
	assert.Equal(t, 2, user.FailedLoginAttempts)
	assert.Nil(t, user.LockedUntil)
}

func TestUserRepository_GetByEmailNotFound(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+email`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.GetByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepository_RecordFailedLogin(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	lockUntil := now.Add(15 * time.Minute)

	mock.ExpectQuery(`(?s)UPDATE\s+users.+failed_login_attempts\s*=\s*CASE.+RETURNING\s+failed_login_attempts,\s*locked_until`).
		WithArgs("u-1", now, now.Add(-15*time.Minute), 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, lockUntil))

	attempts, lockedUntil, err := repo.RecordFailedLogin(context.Background(), "u-1", now, now.Add(-15*time.Minute), 5, lockUntil)
	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	require.NotNil(t, lockedUntil)
	assert.True(t, lockedUntil.Equal(lockUntil))
}

func TestUserRepository_RecordFailedLoginWhileLocked(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Now()

	mock.ExpectQuery(`UPDATE\s+users`).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}))

	_, _, err := repo.RecordFailedLogin(context.Background(), "u-1", now, now.Add(-time.Minute), 5, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestUserRepository_ConsumeVerificationCode(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Now()

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+verification_code\s*=\s*NULL,\s*verification_code_expiry\s*=\s*NULL,\s*verified\s*=\s*true.+WHERE\s+id\s*=\s*\$2\s+AND\s+verification_code\s*=\s*\$3`).
		WithArgs(now, "u-1", "stored-env").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ConsumeCode(context.Background(), "u-1", model.CodePurposeVerification, "stored-env", now))
}

func TestUserRepository_ConsumeCodeRace(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+password_reset_code\s*=\s*NULL`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ConsumeCode(context.Background(), "u-1", model.CodePurposePasswordReset, "stale-env", time.Now())
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestUserRepository_ResetFailedLogins(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Now()

	mock.ExpectExec(`(?s)UPDATE\s+users\s+SET\s+failed_login_attempts\s*=\s*0.+WHERE\s+id\s*=\s*\$2\s+AND\s+\(locked_until\s+IS\s+NULL\s+OR\s+locked_until\s*<=\s*\$1\)`).
		WithArgs(now, "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ResetFailedLogins(context.Background(), "u-1", now))
}

func TestUserRepository_ResetFailedLoginsWhileLocked(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectExec(`UPDATE\s+users`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ResetFailedLogins(context.Background(), "u-1", time.Now())
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestUserRepository_ApplyPasswordReset(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)
	now := time.Now()

	mock.ExpectExec(`(?s)UPDATE\s+users\s+SET\s+password_hash\s*=\s*\$1,.+password_reset_code\s*=\s*NULL.+locked_until\s*=\s*NULL.+WHERE\s+id\s*=\s*\$3\s+AND\s+password_reset_code\s*=\s*\$4`).
		WithArgs("new-hash-env", now, "u-1", "code-env").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ApplyPasswordReset(context.Background(), "u-1", "code-env", "new-hash-env", now))
}

func TestUserRepository_ApplyPasswordResetStaleCode(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewUserRepository(db, retrier)

	mock.ExpectExec(`UPDATE\s+users\s+SET\s+password_hash`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ApplyPasswordReset(context.Background(), "u-1", "old-env", "new-hash-env", time.Now())
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestSessionRepository_GetByDigest(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewSessionRepository(db, retrier)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`FROM\s+sessions\s+WHERE\s+token_digest\s*=\s*\$1`).
		WithArgs("digest").
		WillReturnRows(sqlmock.NewRows([]string{
			"token_digest", "token_ciphertext", "user_id", "created_at",
			"last_activity_at", "expires_at", "ip_address", "user_agent",
		}).AddRow("digest", "env", "u-1", now, now, now.Add(30*time.Minute), "10.0.0.1", nil))

	s, err := repo.GetByDigest(context.Background(), "digest")
	require.NoError(t, err)
	assert.Equal(t, "u-1", s.UserID)
	assert.Equal(t, "10.0.0.1", s.IPAddress)
	assert.Empty(t, s.UserAgent)
}

func TestSessionRepository_GetByDigestNotFound(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewSessionRepository(db, retrier)

	mock.ExpectQuery(`FROM\s+sessions`).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByDigest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_DeleteByUserID(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewSessionRepository(db, retrier)

	mock.ExpectExec(`DELETE\s+FROM\s+sessions\s+WHERE\s+user_id\s*=\s*\$1`).
		WithArgs("u-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteByUserID(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSessionRepository_TouchMissing(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewSessionRepository(db, retrier)
	now := time.Now()

	mock.ExpectExec(`UPDATE\s+sessions\s+SET\s+last_activity_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Touch(context.Background(), "gone", now, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditRepository_Create(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewAuditRepository(db, retrier)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ttl := now.Add(90 * 24 * time.Hour).Unix()
	userID := "u-1"

	mock.ExpectExec(`INSERT\s+INTO\s+audit_logs`).
		WithArgs("e-1", now, "login_attempt", userID, nil, nil, true, []byte(`{"reason":"ok"}`), ttl).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.AuditLog{
		ID:        "e-1",
		Timestamp: now,
		EventType: model.AuditLoginAttempt,
		UserID:    &userID,
		Success:   model.Bool(true),
		Metadata:  map[string]interface{}{"reason": "ok"},
		TTL:       ttl,
	})
	require.NoError(t, err)
}

func TestAuditRepository_DeleteExpiredError(t *testing.T) {
	db, retrier, mock := newMockDB(t)
	repo := NewAuditRepository(db, retrier)

	mock.ExpectExec(`DELETE\s+FROM\s+audit_logs\s+WHERE\s+ttl\s*<\s*\$1`).
		WillReturnError(errors.New("db down"))

	_, err := repo.DeleteExpired(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
