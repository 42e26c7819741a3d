package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
)

// DefaultAuditRetention is how long audit entries are kept
const DefaultAuditRetention = 90 * 24 * time.Hour

// AuditService records security events. Recording never fails the caller:
// store errors are logged locally and dropped.
type AuditService struct {
	store     AuditStore
	retention time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(store AuditStore, retention time.Duration, log *logger.Logger) *AuditService {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &AuditService{
		store:     store,
		retention: retention,
		log:       log.WithComponent("audit"),
		now:       time.Now,
	}
}

// Record writes an audit entry with a fresh id, the current time, and a
// retention marker of timestamp + retention in epoch seconds.
func (s *AuditService) Record(ctx context.Context, ev model.AuditEvent) {
	now := s.now().UTC()
	entry := &model.AuditLog{
		ID:        uuid.New().String(),
		Timestamp: now,
		EventType: ev.Type,
		UserID:    optional(ev.UserID),
		Email:     optional(ev.Email),
		IPAddress: optional(ev.IPAddress),
		Success:   ev.Success,
		Metadata:  ev.Metadata,
		TTL:       now.Add(s.retention).Unix(),
	}

	// The entry must survive a client that disconnects mid-request.
	if err := s.store.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.log.AuditLog(entry.ID, string(ev.Type), ev.UserID, ev.Email, ev.IPAddress, ev.Metadata, err)
	}
}

// Purge deletes entries whose retention marker has passed
func (s *AuditService) Purge(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now())
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
