package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var v = validator.New()

// Error identifies the offending input field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Fail(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// Email checks address syntax only.
func Email(field, email string) error {
	if email == "" {
		return Fail(field, "is required")
	}
	if err := v.Var(email, "required,email"); err != nil {
		return Fail(field, "must be a valid email address")
	}
	return nil
}

// Text trims s and checks it is non-empty and at most max runes (max <= 0 means unbounded).
func Text(field, s string, max int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", Fail(field, "is required")
	}
	if max > 0 && utf8.RuneCountInString(s) > max {
		return "", Fail(field, fmt.Sprintf("must be at most %d characters", max))
	}
	return s, nil
}

// MinLength counts runes after trimming.
func MinLength(field, s string, min int) error {
	if utf8.RuneCountInString(strings.TrimSpace(s)) < min {
		return Fail(field, fmt.Sprintf("must be at least %d characters", min))
	}
	return nil
}

// MaxLength allows empty input.
func MaxLength(field, s string, max int) error {
	if utf8.RuneCountInString(s) > max {
		return Fail(field, fmt.Sprintf("must be at most %d characters", max))
	}
	return nil
}
