// Package apperr defines the closed set of error kinds surfaced by the
// authentication services. Callers match on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindConflict
	KindNotFound
	KindRateLimit
	KindIntegrity
	KindTransientStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindIntegrity:
		return "integrity"
	case KindTransientStore:
		return "transient_store"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the status code a handler should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Details lists every individual violation, e.g. each failed password rule.
	Details []string
	// RetryAfter is the delay in seconds for KindRateLimit errors.
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func Validation(code, message string, details ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Details: details}
}

func Authentication(code, message string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message}
}

func Authorization(code, message string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func RateLimited(retryAfter int) *Error {
	return &Error{Kind: KindRateLimit, Code: "rate_limit_exceeded", Message: "Too many requests", RetryAfter: retryAfter}
}

func Integrity(message string, err error) *Error {
	return &Error{Kind: KindIntegrity, Code: "integrity_error", Message: message, Err: err}
}

func TransientStore(err error) *Error {
	return &Error{Kind: KindTransientStore, Code: "service_unavailable", Message: "Service temporarily unavailable", Err: err}
}

// Wrap classifies an unexpected error as KindUnknown unless it already
// carries a kind.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return &Error{Kind: KindUnknown, Code: "internal_error", Message: message, Err: err}
}
