package service

import (
	"context"
	"time"

	"github.com/tasktrack/tasktrack/internal/logger"
)

// Janitor periodically removes expired sessions and audit entries
type Janitor struct {
	sessions *SessionService
	audit    *AuditService
	interval time.Duration
	log      *logger.Logger
}

// NewJanitor creates a new Janitor
func NewJanitor(sessions *SessionService, audit *AuditService, interval time.Duration, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{
		sessions: sessions,
		audit:    audit,
		interval: interval,
		log:      log.WithComponent("janitor"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs a single purge pass and returns the rows removed
func (j *Janitor) Sweep(ctx context.Context) (sessions, auditEntries int64) {
	var err error
	sessions, err = j.sessions.PurgeExpired(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to purge expired sessions")
	}

	auditEntries, err = j.audit.Purge(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to purge expired audit entries")
	}

	if sessions > 0 || auditEntries > 0 {
		j.log.Info().
			Int64("sessions", sessions).
			Int64("audit_entries", auditEntries).
			Msg("purged expired records")
	}
	return sessions, auditEntries
}
