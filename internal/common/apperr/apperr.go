// Package apperr defines the application error type and numeric code table
// shared by both services. Handlers translate *Error values into the
// {code, message, data} HTTP envelope.
package apperr

import (
	"errors"
	"fmt"
)

// Error is an application error with a stable numeric code.
type Error struct {
	Code    int
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an application error.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an application error with a formatted message.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an application error.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithData returns a copy of the error carrying extra payload.
func (e *Error) WithData(data any) *Error {
	clone := *e
	clone.Data = data
	return &clone
}

// NotFound builds a generic not-found error.
func NotFound(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// Forbidden builds a forbidden error.
func Forbidden(format string, args ...any) *Error {
	return Newf(CodeForbidden, format, args...)
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, "internal error", cause)
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsCode reports whether err is an application error with the given code.
func IsCode(err error, code int) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
