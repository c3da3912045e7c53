package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to clients and the audit log.
type ErrorKind string

const (
	ErrProtocolViolation   ErrorKind = "protocol_violation"
	ErrInvalidRequest      ErrorKind = "invalid_request"
	ErrPolicyDenied        ErrorKind = "policy_denied"
	ErrRateLimited         ErrorKind = "rate_limited"
	ErrConfirmationExpired ErrorKind = "confirmation_expired"
	ErrExecutionFailure    ErrorKind = "execution_failure"
	ErrInternalFault       ErrorKind = "internal_fault"
)

// Error carries a kind alongside the message and optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err. Errors without a kind are
// internal faults.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternalFault
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ReasonOf returns the short client-facing message of err, without the
// wrapped cause.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Msg == "" {
			return string(e.Kind)
		}
		return e.Msg
	}
	return "internal error"
}
