package adapter

import (
	"errors"
	"fmt"
)

// Error is the classification an Adapter attaches to a parse failure so the
// parse worker can decide whether to retry, dead-letter, or pause the
// content pending fresh credentials.
type Error struct {
	Message      string
	Retryable    bool
	AuthRequired bool
	Details      map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// Retryable wraps msg as a transient failure (network timeout, rate
// limit) — the parse worker will requeue the Task with backoff.
func Retryable(msg string, args ...any) error {
	return &Error{Message: fmt.Sprintf(msg, args...), Retryable: true}
}

// NonRetryable wraps msg as a terminal failure (content deleted, 404) —
// the parse worker marks the Content FAILED without further attempts.
func NonRetryable(msg string, args ...any) error {
	return &Error{Message: fmt.Sprintf(msg, args...), Retryable: false}
}

// AuthRequired wraps msg as a failure caused by missing or expired
// credentials — the parse worker marks the Content FAILED and surfaces
// the need for a CredentialRefresher run, rather than blindly retrying.
func AuthRequired(msg string, args ...any) error {
	return &Error{Message: fmt.Sprintf(msg, args...), AuthRequired: true}
}

// IsRetryable reports whether err (or any error it wraps) is a retryable
// adapter.Error.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsAuthRequired reports whether err (or any error it wraps) is an
// auth-required adapter.Error.
func IsAuthRequired(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.AuthRequired
	}
	return false
}
