package tasktrack

import "time"

// User is the account returned by GET /users/me.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Verified         bool       `json:"verified"`
	CreatedAt        time.Time  `json:"createdAt"`
	SessionExpiresAt *time.Time `json:"sessionExpiresAt,omitempty"`
}

// RegisterRequest contains the data for creating a new account.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
}

// RegisterResponse is returned after successful registration. The account
// stays unverified until the emailed code is confirmed.
type RegisterResponse struct {
	UserID string `json:"userId"`
}

// VerifyRequest confirms a registration code.
type VerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// LoginRequest contains the credentials for authentication.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is returned by Verify and Login.
type Session struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
}

// ResetPasswordRequest completes a password reset.
type ResetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}
