package model

import (
	"time"
)

// CodePurpose identifies which one-time code slot of a user is addressed
type CodePurpose string

const (
	CodePurposeVerification  CodePurpose = "verification"
	CodePurposePasswordReset CodePurpose = "password_reset"
)

// User represents the credential record of an account. PasswordHash and the
// code fields hold envelope ciphertext, never plaintext.
type User struct {
	ID                      string     `json:"id"`
	Email                   string     `json:"email"`
	PasswordHash            string     `json:"-"` // never expose password hash
	Verified                bool       `json:"verified"`
	VerificationCode        *string    `json:"-"`
	VerificationCodeExpiry  *time.Time `json:"-"`
	PasswordResetCode       *string    `json:"-"`
	PasswordResetCodeExpiry *time.Time `json:"-"`
	FailedLoginAttempts     int        `json:"-"`
	LastFailedLoginAt       *time.Time `json:"-"`
	LockedUntil             *time.Time `json:"-"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// IsLockedAt checks if the account is locked at the given instant
func (u *User) IsLockedAt(now time.Time) bool {
	if u.LockedUntil == nil {
		return false
	}
	return now.Before(*u.LockedUntil)
}

// Code returns the stored ciphertext and expiry for the given purpose
func (u *User) Code(purpose CodePurpose) (*string, *time.Time) {
	if purpose == CodePurposePasswordReset {
		return u.PasswordResetCode, u.PasswordResetCodeExpiry
	}
	return u.VerificationCode, u.VerificationCodeExpiry
}
