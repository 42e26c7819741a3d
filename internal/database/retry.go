package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	"github.com/tasktrack/tasktrack/internal/config"
)

// ErrTransient marks a store error that stayed transient after every retry.
var ErrTransient = errors.New("transient store error")

// SQLSTATE classes worth retrying: connection exceptions, transaction
// rollbacks (serialization/deadlock), insufficient resources, operator
// intervention and system errors.
var transientPQClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
	"58": true,
}

var transientRedisPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "CLUSTERDOWN"}

// Retrier re-runs store operations that fail with transient errors using
// exponential backoff with jitter.
type Retrier struct {
	maxAttempts   uint64
	baseDelay     time.Duration
	maxDelay      time.Duration
	jitterPercent uint64
}

// NewRetrier creates a Retrier from config
func NewRetrier(cfg config.RetryConfig) *Retrier {
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	return &Retrier{
		maxAttempts:   attempts,
		baseDelay:     base,
		maxDelay:      cfg.MaxDelay,
		jitterPercent: cfg.JitterPercent,
	}
}

func (r *Retrier) backoff() retry.Backoff {
	b := retry.NewExponential(r.baseDelay)
	if r.maxDelay > 0 {
		b = retry.WithCappedDuration(r.maxDelay, b)
	}
	if r.jitterPercent > 0 {
		b = retry.WithJitterPercent(r.jitterPercent, b)
	}
	return retry.WithMaxRetries(r.maxAttempts-1, b)
}

// Do runs fn, retrying while it returns a transient error. Non-transient
// errors are returned immediately and unchanged; a transient error that
// outlives the attempt budget is wrapped with ErrTransient.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// IsTransient reports whether err is a retryable infrastructure fault
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientPQClasses[pqErr.Code.Class()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, prefix := range transientRedisPrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
