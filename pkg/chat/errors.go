package chat

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies protocol errors
type Code string

const (
	CodeInvalidInput    Code = "invalid_input"
	CodeSessionNotFound Code = "session_not_found"
	CodeSessionExpired  Code = "session_expired"
	CodeFileTooLarge    Code = "file_too_large"
	CodeInvalidFile     Code = "invalid_file"
	CodeGatewayTimeout  Code = "gateway_timeout"
	CodeGatewayFailure  Code = "gateway_failure"
	CodeDeliveryDropped Code = "delivery_dropped"
	CodeInternal        Code = "internal"
)

// Error is a typed protocol error. It is also the payload of outbound error events.
type Error struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrSessionExpired) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons
var (
	ErrInvalidInput    = &Error{Code: CodeInvalidInput}
	ErrSessionNotFound = &Error{Code: CodeSessionNotFound}
	ErrSessionExpired  = &Error{Code: CodeSessionExpired}
	ErrFileTooLarge    = &Error{Code: CodeFileTooLarge}
	ErrInvalidFile     = &Error{Code: CodeInvalidFile}
	ErrGatewayTimeout  = &Error{Code: CodeGatewayTimeout}
	ErrGatewayFailure  = &Error{Code: CodeGatewayFailure}
)

// Errorf builds a typed error with a formatted detail
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeGatewayTimeout
	}
	return CodeInternal
}

// AsError converts any error into a *Error suitable for an outbound event.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeOf(err), Detail: err.Error()}
}
