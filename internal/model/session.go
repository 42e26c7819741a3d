package model

import "time"

// Session is an authenticated context bound to one user and one client.
// It is stored under TokenDigest; the plaintext token is only ever held by
// the client.
type Session struct {
	TokenDigest     string    `json:"-"`
	TokenCiphertext string    `json:"-"`
	UserID          string    `json:"userId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	IPAddress       string    `json:"ipAddress,omitempty"`
	UserAgent       string    `json:"userAgent,omitempty"`
}

// IssuedSession is a freshly created session together with its plaintext token
type IssuedSession struct {
	Token   string
	Session *Session
}

// RateLimitCounter is the request count of one limit key inside one fixed window
type RateLimitCounter struct {
	LimitKey     string
	WindowStart  time.Time
	RequestCount int64
	ExpiresAt    time.Time
}
