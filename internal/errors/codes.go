// Package errors defines the error taxonomy shared by the memory stores and the facade.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a memory-layer failure.
type Code string

const (
	// CodeNotFound indicates the requested id does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidReference indicates a referenced resource or conversation was missing at validation time.
	CodeInvalidReference Code = "INVALID_REFERENCE"
	// CodeInvalidTransition indicates an illegal conversation status change.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// CodePermissionDenied indicates an ownership mismatch.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeConcurrentModification indicates an optimistic-lock conflict.
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	// CodeStorage indicates an underlying I/O or durability failure.
	CodeStorage Code = "STORAGE_ERROR"
	// CodeValidation indicates malformed input.
	CodeValidation Code = "VALIDATION_ERROR"
)

// Error is a structured memory-layer error.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidReference creates an invalid-reference error.
func InvalidReference(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidReference, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransition creates an invalid-transition error.
func InvalidTransition(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied creates a permission-denied error.
func PermissionDenied(format string, args ...any) *Error {
	return &Error{Code: CodePermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// ConcurrentModification creates an optimistic-lock conflict error.
func ConcurrentModification(format string, args ...any) *Error {
	return &Error{Code: CodeConcurrentModification, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an I/O failure.
func Storage(cause error, msg string) *Error {
	return &Error{Code: CodeStorage, Message: msg, Cause: cause}
}

// AsStorage returns err unchanged when it already carries a Code and
// wraps it as a storage error otherwise. Nil stays nil.
func AsStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return err
	}
	return Storage(err, msg)
}

// IsCode checks whether err, or any error it wraps, carries code.
func IsCode(err error, code Code) bool {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code == code
	}
	return false
}

// CodeOf extracts the code from err. Untyped errors report defaultCode.
func CodeOf(err error, defaultCode Code) Code {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return defaultCode
}

// MessageOf returns the message of a typed error, or err.Error() otherwise.
func MessageOf(err error) string {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}

// Retryable reports whether the caller may retry by re-reading and reapplying.
// Only optimistic-lock conflicts qualify; validation and ownership errors never do.
func Retryable(err error) bool {
	return IsCode(err, CodeConcurrentModification)
}
