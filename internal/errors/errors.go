// Package errors provides error codes shared by the storage and sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that collaborators can switch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage          ErrorCode = "STORAGE_ERROR"
	ErrQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrQuotaProbeFailed ErrorCode = "QUOTA_PROBE_FAILED"
	ErrCompactionFailed ErrorCode = "COMPACTION_FAILED"
	ErrEssentialKey     ErrorCode = "ESSENTIAL_KEY"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed    ErrorCode = "SYNC_AUTH_FAILED"
	ErrRemote            ErrorCode = "REMOTE_ERROR"

	// Backup errors
	ErrExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrImportFailed     ErrorCode = "IMPORT_FAILED"
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
	ErrCryptoFailed     ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
// Status carries the transport status for remote failures (0 otherwise).
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Remote builds a REMOTE_ERROR carrying the transport status.
func Remote(message string, status int, err error) *AppError {
	return &AppError{
		Code:    ErrRemote,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// QuotaProbe builds a QUOTA_PROBE_FAILED error.
func QuotaProbe(err error) *AppError {
	return Wrap(ErrQuotaProbeFailed, "storage capacity probe failed", err)
}

// Compaction builds a COMPACTION_FAILED error for the given collection.
func Compaction(key string, err error) *AppError {
	return Wrap(ErrCompactionFailed, fmt.Sprintf("failed to compact %q", key), err)
}

// Validation builds a VALIDATION_ERROR.
func Validation(message string) *AppError {
	return New(ErrValidation, message)
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// StatusOf returns the transport status of a remote error, or 0.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// CodeOf returns the code carried by err, or fallback if err is not an AppError.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return fallback
}
