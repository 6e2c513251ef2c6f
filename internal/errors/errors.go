// Package errors provides error code definitions shared by the core and the command surface.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a unique error code that crosses the UI boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrInvalid       ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConfigMissing ErrorCode = "CONFIGURATION_MISSING"

	// Upstream errors
	ErrConnectivity    ErrorCode = "CONNECTIVITY"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrMalformedRecord ErrorCode = "MALFORMED_RECORD"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONFLICT_VIOLATION"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"

	// Storefront client errors
	ErrInstaller ErrorCode = "INSTALLER_FAILED"
)

// AppError represents an application error with code and message.
// Err keeps the collaborator's cause for logging; it is never serialized.
type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// MarshalJSON exposes only the discriminant and the message.
func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}{e.Code, e.Message})
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// RateLimited builds a RATE_LIMITED error carrying the upstream back-off hint.
func RateLimited(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       ErrRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// Is checks if any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the caller may try the operation again later.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrConnectivity, ErrRateLimited, ErrSyncInProgress:
		return true
	}
	return false
}

// As converts err into an AppError, wrapping unknown errors as ErrInternal.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternal, "internal error", err)
}
