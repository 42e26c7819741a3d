package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tasktrack/tasktrack/internal/config"
)

// CompromisedChecker decides whether a password is known to be weak or leaked
type CompromisedChecker interface {
	IsCompromised(ctx context.Context, password string) (bool, error)
}

// defaultWeakPasswords is matched case-insensitively
var defaultWeakPasswords = []string{
	"password", "password1", "password12", "password123", "password1234",
	"password123!", "passw0rd", "p@ssw0rd", "p@ssword123!",
	"123456", "12345678", "123456789", "1234567890", "123456789012",
	"qwerty", "qwerty123", "qwertyuiop", "qwertyuiopas",
	"letmein", "letmein123!", "welcome", "welcome1", "welcome123!",
	"admin", "admin123", "administrator", "iloveyou", "abc123",
	"monkey", "dragon", "football", "baseball", "sunshine",
	"princess", "trustno1", "changeme", "changeme123!",
}

// WeakList is an in-memory weak-password set
type WeakList struct {
	set map[string]struct{}
}

// NewWeakList builds a WeakList; with no arguments the built-in list is used
func NewWeakList(passwords ...string) *WeakList {
	if len(passwords) == 0 {
		passwords = defaultWeakPasswords
	}
	set := make(map[string]struct{}, len(passwords))
	for _, p := range passwords {
		set[strings.ToLower(p)] = struct{}{}
	}
	return &WeakList{set: set}
}

// IsCompromised reports case-insensitive membership in the list
func (w *WeakList) IsCompromised(_ context.Context, password string) (bool, error) {
	_, ok := w.set[strings.ToLower(password)]
	return ok, nil
}

// RangeChecker queries a k-anonymity range API: only the first five hex
// characters of the password's SHA-1 leave the process. Passwords on the
// local weak list are rejected without a network call.
type RangeChecker struct {
	baseURL string
	client  *http.Client
	local   *WeakList
}

// NewRangeChecker creates a RangeChecker against baseURL (e.g. ".../range/")
func NewRangeChecker(baseURL string, timeout time.Duration) *RangeChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &RangeChecker{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		local:   NewWeakList(),
	}
}

// IsCompromised looks the password's hash suffix up in the range response
func (c *RangeChecker) IsCompromised(ctx context.Context, password string) (bool, error) {
	if weak, _ := c.local.IsCompromised(ctx, password); weak {
		return true, nil
	}

	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build range request: %w", err)
	}
	req.Header.Set("Add-Padding", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("range request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("range request returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		hashSuffix, count, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(hashSuffix, suffix) {
			continue
		}
		// Padding entries carry a zero count.
		return strings.TrimSpace(count) != "0", nil
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read range response: %w", err)
	}
	return false, nil
}

// NewCompromisedChecker builds the checker selected by config
func NewCompromisedChecker(cfg config.PasswordConfig) (CompromisedChecker, error) {
	switch cfg.BreachCheck {
	case "", "list":
		return NewWeakList(), nil
	case "range":
		if cfg.BreachRangeURL == "" {
			return nil, fmt.Errorf("security.password.breach_range_url is required for range checks")
		}
		return NewRangeChecker(cfg.BreachRangeURL, 5*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown breach check: %s", cfg.BreachCheck)
	}
}
