package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
)

func newTestLockout(t *testing.T) (*LockoutService, *memUsers, *clock) {
	t.Helper()
	clk := newClock()
	users := newMemUsers()
	users.users["u1"] = &model.User{ID: "u1", Email: "a@example.com"}
	svc := NewLockoutService(users, testLockoutConfig(), logger.Nop())
	svc.now = clk.Now
	return svc, users, clk
}

func TestLockout_LocksAtThreshold(t *testing.T) {
	svc, users, clk := newTestLockout(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		status, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, status.Attempts)
		assert.False(t, status.JustLocked)
		assert.False(t, svc.IsLocked(users.get("u1")))
		clk.Advance(time.Minute)
	}

	status, err := svc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, status.Attempts)
	assert.True(t, status.JustLocked)
	require.NotNil(t, status.LockedUntil)
	assert.Equal(t, clk.Now().Add(15*time.Minute), *status.LockedUntil)
	assert.True(t, svc.IsLocked(users.get("u1")))
}

func TestLockout_FailureWhileLockedLeavesLockUnchanged(t *testing.T) {
	svc, users, clk := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}
	lockedUntil := *users.get("u1").LockedUntil

	clk.Advance(5 * time.Minute)
	status, err := svc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.JustLocked)
	assert.Equal(t, lockedUntil, *users.get("u1").LockedUntil)
}

func TestLockout_LockExpires(t *testing.T) {
	svc, users, clk := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}
	clk.Advance(15*time.Minute + time.Second)
	assert.False(t, svc.IsLocked(users.get("u1")))
}

func TestLockout_WindowRestartsCount(t *testing.T) {
	svc, _, clk := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}

	clk.Advance(16 * time.Minute)
	status, err := svc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Attempts)
	assert.False(t, status.JustLocked)
}

func TestLockout_ResetClearsState(t *testing.T) {
	svc, users, _ := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Reset(ctx, "u1"))

	u := users.get("u1")
	assert.Zero(t, u.FailedLoginAttempts)
	assert.Nil(t, u.LastFailedLoginAt)
	assert.False(t, svc.IsLocked(u))
}

func TestLockout_ResetKeepsActiveLock(t *testing.T) {
	svc, users, clk := newTestLockout(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}

	assert.ErrorIs(t, svc.Reset(ctx, "u1"), ErrAccountLocked)
	u := users.get("u1")
	assert.Equal(t, 5, u.FailedLoginAttempts)
	assert.True(t, svc.IsLocked(u))

	// Once the lock has run out the reset goes through.
	clk.Advance(15 * time.Minute)
	require.NoError(t, svc.Reset(ctx, "u1"))
	assert.Nil(t, users.get("u1").LockedUntil)
}

func TestLockout_StoreError(t *testing.T) {
	svc, users, _ := newTestLockout(t)
	users.err = errStoreDown

	_, err := svc.RecordFailure(context.Background(), "u1")
	require.Error(t, err)
	_, ok := apperr.As(err)
	assert.True(t, ok)
}
