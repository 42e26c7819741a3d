// Package captcha verifies client CAPTCHA tokens against an external service.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
)

// Verifier validates a CAPTCHA token
type Verifier interface {
	Validate(ctx context.Context, token, remoteIP string) (bool, error)
}

// Placeholder accepts any non-empty token. It is meant for development
// deployments that have no CAPTCHA provider.
type Placeholder struct{}

// Validate accepts any non-empty token
func (Placeholder) Validate(_ context.Context, token, _ string) (bool, error) {
	return strings.TrimSpace(token) != "", nil
}

// SiteVerify checks tokens with a siteverify-style endpoint (hCaptcha,
// reCAPTCHA and Turnstile share the form-post protocol).
type SiteVerify struct {
	url    string
	secret string
	client *http.Client
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// NewSiteVerify creates a SiteVerify verifier
func NewSiteVerify(verifyURL, secret string, timeout time.Duration) *SiteVerify {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SiteVerify{
		url:    verifyURL,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Validate posts the token to the provider and returns its verdict
func (v *SiteVerify) Validate(ctx context.Context, token, remoteIP string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}

	var body siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode captcha response: %w", err)
	}
	return body.Success, nil
}

// New builds the verifier selected by config
func New(cfg config.CaptchaConfig, log *logger.Logger) (Verifier, error) {
	switch cfg.Provider {
	case "", "placeholder":
		log.Warn().Msg("captcha verification uses the placeholder verifier")
		return Placeholder{}, nil
	case "siteverify":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("captcha.secret is required for siteverify")
		}
		return NewSiteVerify(cfg.VerifyURL, cfg.Secret, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown captcha provider: %s", cfg.Provider)
	}
}
