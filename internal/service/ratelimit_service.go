package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
)

// Scope is a named request quota over a fixed window
type Scope struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Decision is the answer of a rate limit check
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter int // seconds, set when denied
}

// RateLimitScopes holds the configured quotas
type RateLimitScopes struct {
	IP     Scope
	IPAuth Scope
	User   Scope
}

// ScopesFromConfig builds the three quotas from config
func ScopesFromConfig(cfg config.RateLimitingConfig) RateLimitScopes {
	return RateLimitScopes{
		IP:     Scope{Name: "ip", Limit: int64(cfg.IPLimit), Window: cfg.IPWindow},
		IPAuth: Scope{Name: "ip-auth", Limit: int64(cfg.AuthLimit), Window: cfg.AuthWindow},
		User:   Scope{Name: "user", Limit: int64(cfg.UserLimit), Window: cfg.UserWindow},
	}
}

// RateLimitService counts requests in clock-aligned fixed windows. Counts
// can reach twice the limit across a window boundary; that is the accepted
// cost of a single counter per window.
type RateLimitService struct {
	counters CounterStore
	retrier  *database.Retrier
	grace    time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(counters CounterStore, retrier *database.Retrier, grace time.Duration, log *logger.Logger) *RateLimitService {
	if grace <= 0 {
		grace = time.Minute
	}
	return &RateLimitService{
		counters: counters,
		retrier:  retrier,
		grace:    grace,
		log:      log.WithComponent("ratelimit"),
		now:      time.Now,
	}
}

// window returns the start of the window containing now, in unix millis
func window(now time.Time, size time.Duration) int64 {
	w := size.Milliseconds()
	return now.UnixMilli() / w * w
}

func counterKey(scope Scope, id string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope.Name, id, windowStart)
}

// Allow counts one request for id and admits it only if the count returned
// by the increment is within the limit. Denied requests are counted too.
func (s *RateLimitService) Allow(ctx context.Context, scope Scope, id string) (Decision, error) {
	counter, err := s.Record(ctx, scope, id)
	if err != nil {
		return Decision{}, err
	}

	now := s.now()
	end := counter.WindowStart.Add(scope.Window)
	d := Decision{
		Allowed:   counter.RequestCount <= scope.Limit,
		Limit:     scope.Limit,
		Remaining: max(0, scope.Limit-counter.RequestCount),
		ResetAt:   end,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(now, end)
	}
	return d, nil
}

// Check reports whether one more request for id fits in the current window
// without counting it. Admission decisions go through Allow.
func (s *RateLimitService) Check(ctx context.Context, scope Scope, id string) (Decision, error) {
	now := s.now()
	start := window(now, scope.Window)
	end := start + scope.Window.Milliseconds()

	var count int64
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.counters.GetInt(ctx, counterKey(scope, id, start))
		return err
	})
	if err != nil {
		return Decision{}, storeError(err, "failed to read rate limit counter")
	}

	d := Decision{
		Allowed:   count < scope.Limit,
		Limit:     scope.Limit,
		Remaining: max(0, scope.Limit-count),
		ResetAt:   time.UnixMilli(end),
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(now, time.UnixMilli(end))
	}
	return d, nil
}

// Record counts one request for id in the current window. The increment and
// the counter's expiry are applied atomically.
func (s *RateLimitService) Record(ctx context.Context, scope Scope, id string) (*model.RateLimitCounter, error) {
	now := s.now()
	start := window(now, scope.Window)
	end := start + scope.Window.Milliseconds()
	ttl := time.Duration(end-now.UnixMilli())*time.Millisecond + s.grace

	var count int64
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.counters.IncrWithExpiry(ctx, counterKey(scope, id, start), ttl)
		return err
	})
	if err != nil {
		return nil, storeError(err, "failed to record request")
	}

	return &model.RateLimitCounter{
		LimitKey:     scope.Name + ":" + id,
		WindowStart:  time.UnixMilli(start),
		RequestCount: count,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// retryAfter is the whole seconds until end, rounded up and at least one
func retryAfter(now, end time.Time) int {
	return max(1, int((end.UnixMilli()-now.UnixMilli()+999)/1000))
}
