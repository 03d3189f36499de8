// Package errors defines AppError, the coded error returned by the job store
// and services, and maps Postgres driver errors onto it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorises an AppError.
type ErrorCode string

// Codes in use. NotFound also covers records hidden from the caller by an
// owner filter.
const (
	ErrCodeNotFound     ErrorCode = "not_found"
	ErrCodeConflict     ErrorCode = "conflict"
	ErrCodeValidation   ErrorCode = "validation"
	ErrCodeInvalidState ErrorCode = "invalid_state"
	ErrCodeInternal     ErrorCode = "internal"
	ErrCodeTimeout      ErrorCode = "timeout"
	ErrCodeCanceled     ErrorCode = "canceled"
)

// Sentinels for errors.Is. Any AppError matches the sentinel of its code.
var (
	ErrNotFound     = &AppError{Code: ErrCodeNotFound}
	ErrConflict     = &AppError{Code: ErrCodeConflict}
	ErrValidation   = &AppError{Code: ErrCodeValidation}
	ErrInvalidState = &AppError{Code: ErrCodeInvalidState}
	ErrInternal     = &AppError{Code: ErrCodeInternal}
	ErrTimeout      = &AppError{Code: ErrCodeTimeout}
	ErrCanceled     = &AppError{Code: ErrCodeCanceled}
)

// AppError is a coded error with an optional cause and the field it concerns.
type AppError struct {
	Code    ErrorCode
	Message string
	// Field names the offending input or column for validation and conflict errors.
	Field string
	Cause error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches sentinels: a target with only a Code set equals any AppError
// carrying that code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Field == "" && t.Cause == nil && t.Code == e.Code
}

// New returns an AppError with code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code and message to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

func NotFound(message string) *AppError { return New(ErrCodeNotFound, message) }

func NotFoundf(format string, args ...any) *AppError { return Newf(ErrCodeNotFound, format, args...) }

// ConflictField reports a collision on field, such as a reused idempotency key.
func ConflictField(field, message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, Field: field}
}

func Validation(message string) *AppError { return New(ErrCodeValidation, message) }

// ValidationField reports invalid input for a named request field.
func ValidationField(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Field: field}
}

// InvalidStatef reports a guarded update that did not apply.
func InvalidStatef(format string, args ...any) *AppError {
	return Newf(ErrCodeInvalidState, format, args...)
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// GetCode returns the code of the outermost AppError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the field of the outermost AppError in err's chain, or "".
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
