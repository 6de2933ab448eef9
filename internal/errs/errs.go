// Package errs defines the journey error code taxonomy exposed to callers.
// Every failure surfaced by the runtime carries one of the fixed codes so
// partner applications can branch on machine-readable values rather than
// message text.
package errs

import (
	"errors"
	"fmt"
)

// Code is a machine-readable journey error code.
type Code string

const (
	CodeAuthExpired      Code = "AUTH_EXPIRED"
	CodePinningFail      Code = "PINNING_FAIL"
	CodeOriginBlocked    Code = "ORIGIN_BLOCKED"
	CodeNetTimeout       Code = "NET_TIMEOUT"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeValidationFail   Code = "VALIDATION_FAIL"
	CodeIdempotentReplay Code = "IDEMPOTENT_REPLAY"
	CodeSCARequired      Code = "SCA_REQUIRED"
	CodeComplianceHold   Code = "COMPLIANCE_HOLD"
	CodeMoreInfo         Code = "MORE_INFO"
	CodeUnknown          Code = "UNKNOWN"
)

// Recoverable reports whether a caller may retry the journey action that
// produced the code.
func (c Code) Recoverable() bool {
	return c == CodeNetTimeout || c == CodeRateLimited
}

// Error is a journey error with a fixed code and optional wrapped cause.
type Error struct {
	Code        Code
	Message     string
	Recoverable bool
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message. Recoverability is
// derived from the code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: code.Recoverable()}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping a cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Recoverable: code.Recoverable(), Err: err}
}

// CodeOf extracts the journey code from err, or CodeUnknown if err carries
// none.
func CodeOf(err error) Code {
	var je *Error
	if errors.As(err, &je) {
		return je.Code
	}
	return CodeUnknown
}

// IsRecoverable reports whether err carries a recoverable journey code.
func IsRecoverable(err error) bool {
	var je *Error
	if errors.As(err, &je) {
		return je.Recoverable
	}
	return false
}
