package auth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSpecialCharacters is the accepted special-character set
const DefaultSpecialCharacters = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"

// maxPasswordLength caps input to the hasher
const maxPasswordLength = 128

// ValidationResult lists every rule a password violates
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Policy checks password complexity
type Policy struct {
	minLength int
	specials  string
}

// NewPolicy creates a Policy; zero values select the defaults
func NewPolicy(minLength int, specials string) *Policy {
	if minLength <= 0 {
		minLength = 12
	}
	if specials == "" {
		specials = DefaultSpecialCharacters
	}
	return &Policy{minLength: minLength, specials: specials}
}

// Validate reports all violated rules, not just the first
func (p *Policy) Validate(password string) ValidationResult {
	var errs []string

	length := utf8.RuneCountInString(password)
	if length < p.minLength {
		errs = append(errs, fmt.Sprintf("Password must be at least %d characters long", p.minLength))
	}
	if length > maxPasswordLength {
		errs = append(errs, fmt.Sprintf("Password must be at most %d characters long", maxPasswordLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(p.specials, r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errs = append(errs, "Password must contain at least one uppercase letter")
	}
	if !hasLower {
		errs = append(errs, "Password must contain at least one lowercase letter")
	}
	if !hasDigit {
		errs = append(errs, "Password must contain at least one number")
	}
	if !hasSpecial {
		errs = append(errs, "Password must contain at least one special character")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
