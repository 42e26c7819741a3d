package handler

import (
	"net/http"
	"strings"

	"github.com/tasktrack/tasktrack/internal/middleware"
	"github.com/tasktrack/tasktrack/internal/service"
)

type okResponse struct {
	OK bool `json:"ok"`
}

// --- Cookie helpers ---

func (h *Handler) sameSite() http.SameSite {
	switch strings.ToLower(h.cfg.Cookie.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// setSessionCookie mirrors the session token into an HttpOnly cookie for
// browser clients. The cookie may outlive the session; validity is decided
// server-side.
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.cfg.Cookie.Domain,
		MaxAge:   int(h.cfg.Session.MaxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: h.sameSite(),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cfg.Cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Cookie.Secure,
		SameSite: h.sameSite(),
	})
}

// --- Registration ---

type registerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	resp, err := h.authSvc.Register(r.Context(), service.RegisterRequest{
		Email:        req.Email,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
		RequestMeta:  h.requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "register")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// --- Email verification ---

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// Verify confirms a registration code and signs the user in
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	resp, err := h.authSvc.Verify(r.Context(), service.VerifyRequest{
		Email:       req.Email,
		Code:        strings.TrimSpace(req.Code),
		RequestMeta: h.requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "verify")
		return
	}

	h.setSessionCookie(w, resp.SessionToken)
	writeJSON(w, http.StatusOK, resp)
}

type emailRequest struct {
	Email string `json:"email"`
}

// ResendVerification issues a new verification code
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := readJSON(r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email is required")
		return
	}

	if err := h.authSvc.ResendVerification(r.Context(), req.Email); err != nil {
		h.writeServiceError(w, r, err, "resend_verification")
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// --- Login / logout ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	resp, err := h.authSvc.Login(r.Context(), service.LoginRequest{
		Email:       req.Email,
		Password:    req.Password,
		RequestMeta: h.requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "login")
		return
	}

	h.setSessionCookie(w, resp.SessionToken)
	writeJSON(w, http.StatusOK, resp)
}

type logoutRequest struct {
	SessionToken string `json:"sessionToken"`
}

// Logout terminates the presented session. It succeeds whether or not the
// token was valid.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.SessionToken(r)
	if token == "" && r.ContentLength != 0 {
		var req logoutRequest
		if err := readJSON(r, &req); err == nil {
			token = req.SessionToken
		}
	}

	h.authSvc.Logout(r.Context(), token, h.requestMeta(r))

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// --- Password reset ---

// PasswordResetRequest starts a password reset. The response never reveals
// whether the account exists.
func (h *Handler) PasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	h.authSvc.RequestPasswordReset(r.Context(), req.Email, h.requestMeta(r))

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type passwordResetPayload struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// PasswordReset completes a password reset
func (h *Handler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetPayload
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	err := h.authSvc.ResetPassword(r.Context(), service.ResetPasswordRequest{
		Email:       req.Email,
		Code:        strings.TrimSpace(req.Code),
		NewPassword: req.NewPassword,
		RequestMeta: h.requestMeta(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err, "reset_password")
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// --- Current user ---

// GetCurrentUser returns the authenticated user's account
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	user, err := h.authSvc.CurrentUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, "current_user")
		return
	}

	resp := map[string]interface{}{
		"id":        user.ID,
		"email":     user.Email,
		"verified":  user.Verified,
		"createdAt": user.CreatedAt,
	}
	if s := middleware.GetSession(r.Context()); s != nil {
		resp["sessionExpiresAt"] = s.ExpiresAt
	}

	writeJSON(w, http.StatusOK, resp)
}
