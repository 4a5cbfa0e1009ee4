// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the clearing engine. Components return these
// sentinels (directly or wrapped) so callers can branch with errors.Is.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrReplayDetected        = errors.New("replay detected")
	ErrQuorumNotMet          = errors.New("quorum not met")
	ErrDuplicate             = errors.New("duplicate")
	ErrNotFound              = errors.New("not found")
	ErrWindowClosed          = errors.New("clearing window closed")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrThresholdBreached     = errors.New("threshold breached")
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrTimeout               = errors.New("timeout")
	ErrStorageError          = errors.New("storage error")
	ErrInternal              = errors.New("internal error")
)

// New returns a new error with the given text
func New(text string) error {
	return errors.New(text)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether err or any error it wraps matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target's type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
