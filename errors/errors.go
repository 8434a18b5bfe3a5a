// Package errors provides error handling for genepulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marking errors with sentinels so callers can classify them with Is
//
// Usage:
//
//	// Wrap with context
//	if err := fetch(); err != nil {
//	    return errors.Wrap(err, "fetch gnomad constraint")
//	}
//
//	// Mark a transport error as a timeout while keeping its message
//	return errors.Mark(err, errors.ErrTimeout)
//
//	// Check errors
//	if errors.Is(err, errors.ErrCircuitOpen) {
//	    // stop calling this provider
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Common sentinel errors for use across genepulse.
// Use these with errors.Is() for type-safe error checking.
// Attach them with errors.Mark() or errors.Wrap() to keep the original message.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or rejected (4xx)
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a provider could not be reached
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., a run is already active)
	ErrConflict = New("resource conflict")

	// ErrRateLimited indicates the provider asked us to slow down (HTTP 429)
	ErrRateLimited = New("rate limited by provider")

	// ErrServerError indicates the provider failed on its side (5xx)
	ErrServerError = New("provider server error")

	// ErrCircuitOpen indicates the provider's circuit breaker rejected the call
	ErrCircuitOpen = New("circuit open")

	// ErrValidation indicates a transformed record failed validation
	ErrValidation = New("validation failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsCircuitOpen checks if an error is or wraps ErrCircuitOpen
func IsCircuitOpen(err error) bool {
	return err != nil && Is(err, ErrCircuitOpen)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}
