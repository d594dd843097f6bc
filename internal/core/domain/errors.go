package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the engine can surface.
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeForbidden         ErrorCode = "FORBIDDEN_ACTION"
	CodeLimitExceeded     ErrorCode = "LIMIT_EXCEEDED"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeCurrencyMismatch  ErrorCode = "CURRENCY_MISMATCH"
	CodeLockTimeout       ErrorCode = "LOCK_TIMEOUT"
	CodeIntegrity         ErrorCode = "INTEGRITY_VIOLATION"
)

// Error is a coded engine error. Two errors match under errors.Is when their
// codes are equal, so the sentinels below work with any message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "too many requests"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "forbidden action"}
	ErrLimitExceeded     = &Error{Code: CodeLimitExceeded, Message: "limit exceeded"}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrCurrencyMismatch  = &Error{Code: CodeCurrencyMismatch, Message: "currency mismatch"}
	ErrLockTimeout       = &Error{Code: CodeLockTimeout, Message: "lock wait timed out"}
	ErrIntegrity         = &Error{Code: CodeIntegrity, Message: "integrity violation"}
)

func InvalidRequest(msg string) error    { return &Error{Code: CodeInvalidRequest, Message: msg} }
func RateLimited(msg string) error       { return &Error{Code: CodeRateLimited, Message: msg} }
func NotFound(msg string) error          { return &Error{Code: CodeNotFound, Message: msg} }
func Forbidden(msg string) error         { return &Error{Code: CodeForbidden, Message: msg} }
func LimitExceeded(msg string) error     { return &Error{Code: CodeLimitExceeded, Message: msg} }
func InsufficientFunds(msg string) error { return &Error{Code: CodeInsufficientFunds, Message: msg} }
func CurrencyMismatch(msg string) error  { return &Error{Code: CodeCurrencyMismatch, Message: msg} }
func Integrity(msg string) error         { return &Error{Code: CodeIntegrity, Message: msg} }

// LockTimeout wraps the underlying cause (context deadline, pg lock_not_available).
func LockTimeout(msg string, cause error) error {
	return &Error{Code: CodeLockTimeout, Message: msg, Err: cause}
}

// CodeOf returns the code carried by err, or "" for infrastructure errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsClientError separates "your input is invalid" from "the system could not
// complete this".
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidRequest, CodeRateLimited, CodeNotFound, CodeForbidden,
		CodeLimitExceeded, CodeInsufficientFunds, CodeCurrencyMismatch:
		return true
	}
	return false
}

// IsRetryable reports whether the same request may succeed if sent again.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeLockTimeout
}
