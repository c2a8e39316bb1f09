// Package errors defines the application error taxonomy shared by the store, queue, worker and HTTP layers.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates a malformed submission or request.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInvalidTransition indicates a job status change the state machine does not allow.
	ErrCodeInvalidTransition ErrorCode = "invalid_transition"
	// ErrCodePersistence indicates the job store failed or was unreachable.
	ErrCodePersistence ErrorCode = "persistence"
	// ErrCodeQueueUnavailable indicates the queue could not accept a message.
	ErrCodeQueueUnavailable ErrorCode = "queue_unavailable"
	// ErrCodeProcessing indicates the processor failed for a job.
	ErrCodeProcessing ErrorCode = "processing"
	// ErrCodeForbidden indicates the principal may not access the resource.
	ErrCodeForbidden ErrorCode = "forbidden"
	// ErrCodeUnauthorized indicates no valid principal was presented.
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// Field is set for validation errors tied to a single input.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newf(code ErrorCode, format string, args ...any) *AppError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &AppError{Code: code, Message: msg}
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError { return newf(ErrCodeNotFound, message) }

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError { return newf(ErrCodeNotFound, format, args...) }

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError { return newf(ErrCodeConflict, message) }

// Validation creates a new Validation error.
func Validation(message string) *AppError { return newf(ErrCodeValidation, message) }

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return newf(ErrCodeValidation, format, args...)
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// InvalidTransitionf reports a rejected status change.
func InvalidTransitionf(format string, args ...any) *AppError {
	return newf(ErrCodeInvalidTransition, format, args...)
}

// Forbidden creates a new Forbidden error.
func Forbidden(message string) *AppError { return newf(ErrCodeForbidden, message) }

// Unauthorized creates a new Unauthorized error.
func Unauthorized(message string) *AppError { return newf(ErrCodeUnauthorized, message) }

// Internal creates a new Internal error.
func Internal(message string) *AppError { return newf(ErrCodeInternal, message) }

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Persistence wraps a job store failure. Errors that already carry a
// caller-facing code (validation, not found, invalid transition) pass through.
func Persistence(err error, message string) error {
	if err == nil {
		return nil
	}
	switch GetCode(err) {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeConflict:
		return err
	}
	return Wrap(err, ErrCodePersistence, message)
}

// QueueUnavailable wraps an enqueue failure.
func QueueUnavailable(err error, message string) *AppError {
	return Wrap(err, ErrCodeQueueUnavailable, message)
}

// Processing wraps a processor failure.
func Processing(err error, message string) *AppError {
	return Wrap(err, ErrCodeProcessing, message)
}

func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsInvalidTransition checks if an error is an InvalidTransition error.
func IsInvalidTransition(err error) bool { return isCode(err, ErrCodeInvalidTransition) }

// IsPersistence checks if an error is a Persistence error.
func IsPersistence(err error) bool { return isCode(err, ErrCodePersistence) }

// IsQueueUnavailable checks if an error is a QueueUnavailable error.
func IsQueueUnavailable(err error) bool { return isCode(err, ErrCodeQueueUnavailable) }

// IsProcessing checks if an error is a Processing error.
func IsProcessing(err error) bool { return isCode(err, ErrCodeProcessing) }

// IsForbidden checks if an error is a Forbidden error.
func IsForbidden(err error) bool { return isCode(err, ErrCodeForbidden) }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool { return isCode(err, ErrCodeCanceled) }

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
