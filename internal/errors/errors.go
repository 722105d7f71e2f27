// Package errors provides error code definitions shared by the sync engine
// and the application-facing API.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be surfaced to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors
	ErrDatabase       ErrorCode = "DATABASE_ERROR"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"
	ErrStorageQuota   ErrorCode = "STORAGE_QUOTA_EXCEEDED"
	ErrStorageCorrupt ErrorCode = "STORAGE_CORRUPTED"

	// Collection errors
	ErrUnknownCollection ErrorCode = "UNKNOWN_COLLECTION"
	ErrRecordDeleted     ErrorCode = "RECORD_DELETED"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrSyncUnavailable  ErrorCode = "SYNC_UNAVAILABLE"
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrNotRetryable     ErrorCode = "NOT_RETRYABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain,
// or ErrInternal when err carries no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsStorageFatal reports whether err is a local storage failure that must be
// surfaced to the caller instead of retried.
func IsStorageFatal(err error) bool {
	return Is(err, ErrStorageQuota) || Is(err, ErrStorageCorrupt)
}
