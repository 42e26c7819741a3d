package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tasktrack/tasktrack/internal/apperr"
	"github.com/tasktrack/tasktrack/internal/auth"
	"github.com/tasktrack/tasktrack/internal/captcha"
	"github.com/tasktrack/tasktrack/internal/email"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/model"
	"github.com/tasktrack/tasktrack/internal/repository"
)

// Common service errors
var (
	ErrInvalidCredentials = apperr.Authentication("invalid_credentials", "Invalid email or password")
	ErrAccountLocked      = apperr.Authorization("account_locked", "Account is temporarily locked. Please try again later.")
	ErrAccountUnverified  = apperr.Authorization("account_unverified", "Email address has not been verified")
	ErrEmailAlreadyExists = apperr.Conflict("email_exists", "Email already registered")
	ErrAlreadyVerified    = apperr.Conflict("already_verified", "Email is already verified")
	ErrUserNotFound       = apperr.NotFound("user_not_found", "User not found")
	ErrInvalidEmail       = apperr.Validation("invalid_email", "Invalid email address")
	ErrCaptchaFailed      = apperr.Validation("captcha_failed", "CAPTCHA verification failed")
)

const compromisedPasswordMessage = "Password is too common or has appeared in a data breach"

// AuthService implements the credential lifecycle: registration,
// verification, login, logout and password reset.
type AuthService struct {
	users    UserStore
	sessions *SessionService
	lockout  *LockoutService
	codes    *CodeService
	audit    *AuditService
	cipher   FieldCipher
	policy   *auth.Policy
	hasher   *auth.Hasher
	breach   auth.CompromisedChecker
	captcha  captcha.Verifier
	sender   email.Sender
	appName  string
	log      *logger.Logger
	now      func() time.Time

	// pending tracks code emails sent in the background
	pending sync.WaitGroup

	decoyOnce sync.Once
	decoy     string
}

// NewAuthService creates a new AuthService
func NewAuthService(
	users UserStore,
	sessions *SessionService,
	lockout *LockoutService,
	codes *CodeService,
	audit *AuditService,
	cipher FieldCipher,
	policy *auth.Policy,
	hasher *auth.Hasher,
	breach auth.CompromisedChecker,
	verifier captcha.Verifier,
	sender email.Sender,
	appName string,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		lockout:  lockout,
		codes:    codes,
		audit:    audit,
		cipher:   cipher,
		policy:   policy,
		hasher:   hasher,
		breach:   breach,
		captcha:  verifier,
		sender:   sender,
		appName:  appName,
		log:      log.WithComponent("auth_service"),
		now:      time.Now,
	}
}

// RequestMeta describes the client making a request
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// RegisterRequest contains the data for registering a new user
type RegisterRequest struct {
	Email        string
	Password     string
	CaptchaToken string
	RequestMeta
}

// RegisterResponse contains the response from a registration
type RegisterResponse struct {
	UserID string `json:"userId"`
}

// SessionResponse is returned by operations that sign the user in
type SessionResponse struct {
	SessionToken string    `json:"sessionToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
}

// Register creates an unverified account and emails a verification code
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	addr := normalizeEmail(req.Email)
	if !isValidEmail(addr) {
		return nil, ErrInvalidEmail
	}

	ok, err := s.captcha.Validate(ctx, req.CaptchaToken, cleanIP(req.IPAddress))
	if err != nil {
		return nil, apperr.TransientStore(err)
	}
	if !ok {
		return nil, ErrCaptchaFailed
	}

	if err := s.checkPassword(ctx, req.Password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByEmail(ctx, addr); err == nil {
		return nil, ErrEmailAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeError(err, "failed to check email")
	}

	passwordHash, err := s.sealPassword(ctx, req.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        addr,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, storeError(err, "failed to create user")
	}

	s.log.Info().Str("user_id", user.ID).Msg("user registered")

	s.sendCode(ctx, user, model.CodePurposeVerification)

	return &RegisterResponse{UserID: user.ID}, nil
}

// VerifyRequest contains a verification attempt
type VerifyRequest struct {
	Email string
	Code  string
	RequestMeta
}

// Verify consumes a registration code, marks the account verified and
// signs the user in.
func (s *AuthService) Verify(ctx context.Context, req VerifyRequest) (*SessionResponse, error) {
	if req.Email == "" || req.Code == "" {
		return nil, apperr.Validation("missing_fields", "Email and code are required")
	}

	user, err := s.getUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	if err := s.codes.Consume(ctx, user, model.CodePurposeVerification, req.Code); err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("email verified")
	return s.startSession(ctx, user, req.RequestMeta)
}

// ResendVerification issues a fresh verification code, superseding the old one
func (s *AuthService) ResendVerification(ctx context.Context, emailAddr string) error {
	user, err := s.getUserByEmail(ctx, emailAddr)
	if err != nil {
		return err
	}
	if user.Verified {
		return ErrAlreadyVerified
	}

	code, _, err := s.codes.Issue(ctx, user.ID, model.CodePurposeVerification)
	if err != nil {
		return err
	}
	s.deliverCode(ctx, user, model.CodePurposeVerification, code)
	return nil
}

// LoginRequest contains login credentials
type LoginRequest struct {
	Email    string
	Password string
	RequestMeta
}

// Login authenticates a user and starts a session
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*SessionResponse, error) {
	addr := normalizeEmail(req.Email)
	ip := cleanIP(req.IPAddress)

	if addr == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, addr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Same hashing cost as a known account
			s.hasher.Verify(req.Password, s.decoyHash())
			s.recordLogin(ctx, "", addr, ip, false, "unknown_email", nil)
			return nil, ErrInvalidCredentials
		}
		return nil, storeError(err, "failed to get user")
	}

	if s.lockout.IsLocked(user) {
		s.rejectLocked(ctx, user, ip)
		return nil, ErrAccountLocked
	}

	storedHash, err := s.cipher.Decrypt(ctx, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to open password hash")
		return nil, err
	}

	if !s.hasher.Verify(req.Password, storedHash) {
		status, err := s.lockout.RecordFailure(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		s.recordLogin(ctx, user.ID, user.Email, ip, false, "invalid_password", map[string]interface{}{
			"failed_attempts": status.Attempts,
		})
		if status.JustLocked {
			s.audit.Record(ctx, model.AuditEvent{
				Type:      model.AuditAccountLockout,
				UserID:    user.ID,
				Email:     user.Email,
				IPAddress: ip,
				Success:   model.Bool(true),
				Metadata: map[string]interface{}{
					"reason":       "threshold_reached",
					"locked_until": status.LockedUntil,
				},
			})
		}
		return nil, ErrInvalidCredentials
	}

	if !user.Verified {
		s.recordLogin(ctx, user.ID, user.Email, ip, false, "unverified", nil)
		return nil, ErrAccountUnverified
	}

	// The row read above may predate a lock set by a concurrent failure.
	// The reset only succeeds while no lock is in force.
	if err := s.lockout.Reset(ctx, user.ID); errors.Is(err, ErrAccountLocked) {
		s.rejectLocked(ctx, user, ip)
		return nil, ErrAccountLocked
	} else if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to reset failed attempts")
	}

	resp, err := s.startSession(ctx, user, RequestMeta{IPAddress: ip, UserAgent: req.UserAgent})
	if err != nil {
		return nil, err
	}

	s.recordLogin(ctx, user.ID, user.Email, ip, true, "", nil)
	s.log.Info().Str("user_id", user.ID).Msg("user logged in")
	return resp, nil
}

// Logout terminates the session. It always succeeds.
func (s *AuthService) Logout(ctx context.Context, token string, meta RequestMeta) {
	userID := s.sessions.Terminate(ctx, token)
	if userID == "" {
		return
	}
	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditSessionTerminated,
		UserID:    userID,
		IPAddress: cleanIP(meta.IPAddress),
		Success:   model.Bool(true),
		Metadata:  map[string]interface{}{"reason": "logout"},
	})
}

// RequestPasswordReset emails a reset code if the account exists. The
// outcome is never revealed to the caller, and the code is issued and sent
// in the background so response time does not depend on it either.
func (s *AuthService) RequestPasswordReset(ctx context.Context, emailAddr string, meta RequestMeta) {
	addr := normalizeEmail(emailAddr)
	ip := cleanIP(meta.IPAddress)

	user, err := s.users.GetByEmail(ctx, addr)
	exists := err == nil
	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditPasswordResetRequest,
		UserID:    userIDOf(user),
		Email:     addr,
		IPAddress: ip,
		Metadata:  map[string]interface{}{"account_exists": exists},
	})

	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Error().Err(err).Msg("failed to look up user for password reset")
		}
		return
	}

	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.sendCode(bg, user, model.CodePurposePasswordReset)
	}()
}

// ResetPasswordRequest contains a password reset completion
type ResetPasswordRequest struct {
	Email       string
	Code        string
	NewPassword string
	RequestMeta
}

// ResetPassword consumes a reset code, replaces the password, clears any
// lockout and signs the user out everywhere.
func (s *AuthService) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Email == "" || req.Code == "" {
		return apperr.Validation("missing_fields", "Email and code are required")
	}
	if err := s.checkPassword(ctx, req.NewPassword); err != nil {
		return err
	}

	user, err := s.getUserByEmail(ctx, req.Email)
	if err != nil {
		return err
	}

	storedCode, err := s.codes.Check(ctx, user, model.CodePurposePasswordReset, req.Code)
	if err != nil {
		return err
	}

	passwordHash, err := s.sealPassword(ctx, req.NewPassword)
	if err != nil {
		return err
	}
	// The code is cleared in the same update that replaces the password, so
	// a failed update leaves the code usable.
	if err := s.users.ApplyPasswordReset(ctx, user.ID, storedCode, passwordHash, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return ErrInvalidCode
		}
		return storeError(err, "failed to reset password")
	}

	invalidated, err := s.sessions.InvalidateAll(ctx, user.ID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to invalidate sessions after password reset")
	}

	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditPasswordChange,
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: cleanIP(req.IPAddress),
		Success:   model.Bool(true),
		Metadata: map[string]interface{}{
			"method":               "reset_code",
			"sessions_invalidated": invalidated,
		},
	})

	s.log.Info().Str("user_id", user.ID).Msg("password reset completed")
	return nil
}

// CurrentUser returns the account bound to an authenticated session
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storeError(err, "failed to get user")
	}
	return user, nil
}

// Wait blocks until background code emails have been handed to the sender
func (s *AuthService) Wait() {
	s.pending.Wait()
}

// decoyHash is a valid hash of a random password, verified against when the
// account does not exist.
func (s *AuthService) decoyHash() string {
	s.decoyOnce.Do(func() {
		secret, err := generateSecureToken(18)
		if err == nil {
			s.decoy, err = s.hasher.Hash(secret)
		}
		if err != nil {
			s.log.Error().Err(err).Msg("failed to prepare decoy hash")
		}
	})
	return s.decoy
}

func (s *AuthService) rejectLocked(ctx context.Context, user *model.User, ip string) {
	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditAccountLockout,
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: ip,
		Success:   model.Bool(false),
		Metadata:  map[string]interface{}{"reason": "login_rejected_while_locked"},
	})
}

// checkPassword applies the complexity policy and the compromised-password
// check, reporting every violation together.
func (s *AuthService) checkPassword(ctx context.Context, password string) error {
	result := s.policy.Validate(password)
	violations := result.Errors

	if password != "" {
		compromised, err := s.breach.IsCompromised(ctx, password)
		if err != nil {
			s.log.Warn().Err(err).Msg("compromised password check unavailable")
		} else if compromised {
			violations = append(violations, compromisedPasswordMessage)
		}
	}

	if len(violations) > 0 {
		return apperr.Validation("weak_password", "Password does not meet requirements", violations...)
	}
	return nil
}

// sealPassword hashes the password and envelope-encrypts the hash
func (s *AuthService) sealPassword(ctx context.Context, password string) (string, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", apperr.Wrap(err, "failed to hash password")
	}
	return s.cipher.Encrypt(ctx, hash)
}

func (s *AuthService) getUserByEmail(ctx context.Context, emailAddr string) (*model.User, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(emailAddr))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storeError(err, "failed to get user")
	}
	return user, nil
}

func (s *AuthService) startSession(ctx context.Context, user *model.User, meta RequestMeta) (*SessionResponse, error) {
	issued, err := s.sessions.Create(ctx, user.ID, cleanIP(meta.IPAddress), meta.UserAgent)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditSessionCreated,
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: cleanIP(meta.IPAddress),
		Success:   model.Bool(true),
		Metadata:  map[string]interface{}{"expires_at": issued.Session.ExpiresAt},
	})

	return &SessionResponse{
		SessionToken: issued.Token,
		ExpiresAt:    issued.Session.ExpiresAt,
		UserID:       user.ID,
	}, nil
}

// sendCode issues a code and emails it. Failures are logged; the user can
// request another code.
func (s *AuthService) sendCode(ctx context.Context, user *model.User, purpose model.CodePurpose) {
	code, _, err := s.codes.Issue(ctx, user.ID, purpose)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Str("purpose", string(purpose)).Msg("failed to issue code")
		return
	}
	s.deliverCode(ctx, user, purpose, code)
}

func (s *AuthService) deliverCode(ctx context.Context, user *model.User, purpose model.CodePurpose, code string) {
	var msg email.Message
	if purpose == model.CodePurposePasswordReset {
		msg = email.PasswordResetMessage(user.Email, code, s.appName, s.codes.TTL(purpose))
	} else {
		msg = email.VerificationMessage(user.Email, code, s.appName, s.codes.TTL(purpose))
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Str("purpose", string(purpose)).Msg("failed to send code email")
	}
}

func (s *AuthService) recordLogin(ctx context.Context, userID, emailAddr, ip string, success bool, reason string, extra map[string]interface{}) {
	metadata := map[string]interface{}{}
	for k, v := range extra {
		metadata[k] = v
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.audit.Record(ctx, model.AuditEvent{
		Type:      model.AuditLoginAttempt,
		UserID:    userID,
		Email:     emailAddr,
		IPAddress: ip,
		Success:   model.Bool(success),
		Metadata:  metadata,
	})
}

func userIDOf(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
