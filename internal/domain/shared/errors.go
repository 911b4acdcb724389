// Package shared contains common domain types, errors and events that are
// used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrExpired         = errors.New("expired")

	// Network error taxonomy. Every failure that crosses the backend
	// boundary is classified as exactly one of these three before it is
	// allowed to propagate.
	ErrTransient = errors.New("transient network error")
	ErrRejected  = errors.New("request rejected")
	ErrFatal     = errors.New("connection failed beyond retry budget")

	// ErrSafetyViolation marks time-limit and emergency-stop conditions.
	// It is never retried, never suppressed, and always wins over any
	// in-flight network outcome.
	ErrSafetyViolation = errors.New("safety violation")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// External service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "session", "classroom", "backend"
	Op      string // Operation that failed, e.g. "Start", "ApplyDelta"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Session domain errors
var (
	ErrSessionNotFound      = NewDomainError("session", "Find", ErrNotFound, "session not found")
	ErrSessionAlreadyActive = NewDomainError("session", "Start", ErrAlreadyExists, "child already has an active session")
	ErrStartInFlight        = NewDomainError("session", "Start", ErrInvalidState, "start already in flight")
	ErrSessionTerminal      = NewDomainError("session", "Transition", ErrInvalidState, "session is in a terminal state")
	ErrInvalidPolicy        = NewDomainError("session", "Validate", ErrValueOutOfRange, "invalid safety policy")
	ErrNoSessionID          = NewDomainError("session", "Call", ErrInvalidState, "session has no ID yet")
)

// Classroom domain errors
var (
	ErrClassroomNotFound   = NewDomainError("classroom", "Find", ErrNotFound, "classroom not found")
	ErrParticipantNotFound = NewDomainError("classroom", "FindParticipant", ErrNotFound, "participant not found")
	ErrParticipantExists   = NewDomainError("classroom", "Join", ErrAlreadyExists, "participant already joined")
	ErrStaleDelta          = NewDomainError("classroom", "ApplyDelta", ErrExpired, "delta sequence already applied")
	ErrClassroomIDMismatch = NewDomainError("classroom", "ApplyDelta", ErrInvalidInput, "delta belongs to another classroom")
	ErrClassroomDegraded   = NewDomainError("classroom", "Broadcast", ErrServiceUnavailable, "realtime channel degraded")
)

// Backend errors
var (
	ErrBackendUnavailable = NewDomainError("backend", "Call", ErrServiceUnavailable, "backend authority is unavailable")
	ErrBackendTimeout     = NewDomainError("backend", "Call", ErrTimeout, "backend request timeout")
	ErrTokenInvalidated   = NewDomainError("backend", "Call", ErrUnauthorized, "auth token invalidated by backend")
)

// IsTransient reports whether the operation failed on a retryable
// network condition.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceUnavailable)
}

// IsRejected reports whether the backend refused the request outright
// (authentication or validation). Rejections are surfaced immediately
// and never retried.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrUnauthorized)
}

// IsFatal reports whether the retry budget is exhausted or the
// connection is unrecoverable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsSafetyViolation reports whether the error was forced by the safety
// layer rather than the network.
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrSafetyViolation)
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange)
}
