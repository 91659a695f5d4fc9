package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID      = "invalid"      // Invalid input or malformed request
	EUNAUTHORIZED = "unauthorized" // Authentication required or failed
	EFORBIDDEN    = "forbidden"    // Access denied by the gate
	ENOTFOUND     = "not_found"    // Resource not found
	ERATELIMIT    = "rate_limit"   // Too many credential attempts
	EUNAVAILABLE  = "unavailable"  // Authentication backend unreachable
	EINTERNAL     = "internal"     // Internal server error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "gate.authenticate")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the outermost coded error, or EINTERNAL if none.
// A bare AuthenticationError maps to EUNAUTHORIZED.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return EUNAUTHORIZED
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
// Internal errors are reduced to a generic message so details never reach clients.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the outermost coded error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// =============================================================================
// Session validation errors
// =============================================================================

// Session validation failures. The gate recovers from all of them locally;
// their message is the only part a client ever sees (as a 403 payload).
var (
	ErrNoSession      = &Error{Code: EUNAUTHORIZED, Op: "session.validate", Message: "Missing session"}
	ErrSessionInvalid = &Error{Code: EUNAUTHORIZED, Op: "session.validate", Message: "Invalid session"}
	ErrSessionExpired = &Error{Code: EUNAUTHORIZED, Op: "session.validate", Message: "Session expired"}
)

// IsValidationError reports whether err is one of the session validation failures.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoSession) ||
		errors.Is(err, ErrSessionInvalid) ||
		errors.Is(err, ErrSessionExpired)
}

// =============================================================================
// Backend errors
// =============================================================================

// AuthenticationError is returned by an authentication backend when the
// supplied credentials are rejected.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NewAuthenticationError creates an AuthenticationError with the given message.
func NewAuthenticationError(message string) *AuthenticationError {
	return &AuthenticationError{Message: message}
}

// HeaderError is returned when authorization headers cannot be derived from
// session credentials.
type HeaderError struct {
	Username string
	Err      error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("compute auth headers for %q: %v", e.Username, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// Unavailable creates an error for an unreachable authentication backend.
func Unavailable(err error, op string) *Error {
	return &Error{
		Code:    EUNAVAILABLE,
		Op:      op,
		Message: "Authentication backend unavailable",
		Err:     err,
	}
}

// Convenience constructors for common error types

// Invalid creates a validation error for malformed input.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Forbidden creates a permission error whose message is taken from the
// underlying cause, so clients see why access was refused.
func Forbidden(op string, cause error) *Error {
	message := "Forbidden"
	if cause != nil {
		message = ErrorMessage(cause)
	}
	return &Error{
		Code:    EFORBIDDEN,
		Op:      op,
		Message: message,
		Err:     cause,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}
