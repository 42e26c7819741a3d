package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/model"
)

// AuditRepository handles audit log persistence. Entries are append-only;
// the only deletion is the retention purge.
type AuditRepository struct {
	db      *database.Postgres
	retrier *database.Retrier
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *database.Postgres, retrier *database.Retrier) *AuditRepository {
	return &AuditRepository{db: db, retrier: retrier}
}

// Create inserts a new audit log entry
func (r *AuditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	metadataJSON, err := json.Marshal(log.Metadata)
	if err != nil || log.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (id, timestamp, event_type, user_id, email,
		    ip_address, success, metadata, ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			log.ID,
			log.Timestamp,
			log.EventType,
			log.UserID,
			log.Email,
			log.IPAddress,
			log.Success,
			metadataJSON,
			log.TTL,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose retention marker has passed
func (r *AuditRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE ttl < $1`
	var rows int64
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, query, now.Unix())
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return rows, nil
}
