package tasktrack

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by the SDK.
var (
	// ErrNoToken is returned when no session token is found in the request.
	ErrNoToken = errors.New("tasktrack: no session token provided")

	// ErrSessionInvalid is returned when the session is unknown or expired.
	ErrSessionInvalid = errors.New("tasktrack: session is invalid or expired")
)

// APIError represents an error response from the TaskTrack API.
type APIError struct {
	StatusCode int      `json:"-"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	// RetryAfter is set on 429 responses, in seconds.
	RetryAfter int `json:"retryAfter,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tasktrack: API error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// apiErrorWrapper matches the API error envelope.
type apiErrorWrapper struct {
	Error *APIError `json:"error"`
}

func parseAPIError(statusCode int, body []byte) error {
	var wrapper apiErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil && wrapper.Error.Code != "" {
		wrapper.Error.StatusCode = statusCode
		return wrapper.Error
	}

	return &APIError{
		StatusCode: statusCode,
		Code:       "unknown",
		Message:    string(body),
	}
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimited reports whether err is a 429 from the API.
func IsRateLimited(err error) bool {
	apiErr, ok := IsAPIError(err)
	return ok && apiErr.Code == "rate_limit_exceeded"
}
