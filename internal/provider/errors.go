package provider

import (
	"errors"
	"fmt"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/token"
)

// Class is the closed set of failure categories the queue is allowed to act
// on. Classification happens where the failure is first observed, never by
// inspecting message text downstream.
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassAuthExpired Class = "auth_expired"
	ClassValidation  Class = "validation"
	ClassNetwork     Class = "network"
	ClassUnknown     Class = "unknown"
)

type Error struct {
	Class      Class
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt could plausibly succeed.
// Auth and validation failures are terminal for the job.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassRateLimited, ClassNetwork, ClassUnknown:
		return true
	default:
		return false
	}
}

func newError(class Class, status int, msg string, cause error) *Error {
	return &Error{Class: class, StatusCode: status, Message: msg, Cause: cause}
}

// IsRetryable classifies an arbitrary handler error. Errors that do not carry
// a class are treated as retryable unknowns, except for terminal sentinels.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, token.ErrReconnectRequired) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}
