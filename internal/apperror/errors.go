// Package apperror provides the domain error taxonomy for resetflow. Each
// error carries an HTTP status code and a client-safe message; the HTTP
// layer maps them to responses without ever exposing internal causes.
//
// The taxonomy follows the flow design: validation failures may carry
// details (which password rules failed), authentication failures are always
// generic, forbidden covers CSRF and state-machine precondition violations,
// and rate-limited responses carry a retry-after hint.
package apperror

import (
	"fmt"
	"net/http"
)

// AppError is the base error type for all domain errors surfaced to clients.
type AppError struct {
	// Code is the HTTP status code.
	Code int `json:"-"`

	// Type is a machine-readable classifier (e.g., "auth_failed").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Details lists individual validation failures, if any. Only validation
	// errors populate this; everything else stays generic.
	Details []string `json:"details,omitempty"`

	// RetryAfter is the rate-limit hint in seconds, zero otherwise.
	RetryAfter int `json:"retryAfter,omitempty"`

	// Internal holds the underlying error for logging. Never sent to clients.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// NewValidation creates a 400 validation error. Details are safe to expose
// and list the individual unmet rules.
func NewValidation(message string, details []string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "validation_failed",
		Message: message,
		Details: details,
	}
}

// NewAuth creates a 400 authentication error with a deliberately generic
// message. Callers must not vary the message by failure cause; doing so
// would leak account existence or token state.
func NewAuth(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "auth_failed",
		Message: message,
	}
}

// NewForbidden creates a 403 error for CSRF failures and state-machine
// precondition violations.
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "forbidden",
		Message: message,
	}
}

// NewRateLimited creates a 429 error carrying a retry-after hint in seconds.
func NewRateLimited(retryAfter int) *AppError {
	return &AppError{
		Code:       http.StatusTooManyRequests,
		Type:       "rate_limited",
		Message:    "Too many attempts. Please wait before trying again.",
		RetryAfter: retryAfter,
	}
}

// NewInternal creates a 500 error. The real cause is kept in Internal for
// logging; the client sees only an opaque message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     "internal_error",
		Message:  "An unexpected error occurred. Please try again.",
		Internal: err,
	}
}

// SafeMessage returns the client-safe message for any error. Non-AppError
// values collapse to a generic message so infrastructure details never leak.
func SafeMessage(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Message
	}
	return "An unexpected error occurred. Please try again."
}
