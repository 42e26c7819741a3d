package model

import "time"

// AuditEventType enumerates the security events that are recorded
type AuditEventType string

const (
	AuditLoginAttempt         AuditEventType = "login_attempt"
	AuditPasswordChange       AuditEventType = "password_change"
	AuditPasswordResetRequest AuditEventType = "password_reset_request"
	AuditAccountLockout       AuditEventType = "account_lockout"
	AuditSessionCreated       AuditEventType = "session_created"
	AuditSessionTerminated    AuditEventType = "session_terminated"
	AuditRateLimitExceeded    AuditEventType = "rate_limit_exceeded"
)

// AuditEvent is what callers hand to the audit logger
type AuditEvent struct {
	Type      AuditEventType
	UserID    string
	Email     string
	IPAddress string
	Success   *bool
	Metadata  map[string]interface{}
}

// AuditLog represents a persisted, append-only audit entry. TTL is the
// retention marker in epoch seconds.
type AuditLog struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"eventType"`
	UserID    *string                `json:"userId,omitempty"`
	Email     *string                `json:"email,omitempty"`
	IPAddress *string                `json:"ipAddress,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TTL       int64                  `json:"ttl"`
}

// Bool returns a pointer to b, for the optional Success field
func Bool(b bool) *bool {
	return &b
}
