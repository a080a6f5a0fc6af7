// Package models defines the classified error model shared by the gateway
// client and the delivery scheduler.
package models

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the observable failure classes surfaced to callers.
type ErrorCode string

const (
	// CodeNotAuthorized indicates the gateway session is invalid and needs
	// out-of-band re-authorization. Never retried.
	CodeNotAuthorized ErrorCode = "NOT_AUTHORIZED"
	// CodeRateLimited indicates throttling retries were exhausted for a call.
	CodeRateLimited ErrorCode = "RATE_LIMITED"
	// CodeInvalidGroupID indicates an identifier is not in the canonical group form.
	CodeInvalidGroupID ErrorCode = "INVALID_GROUP_ID"
	// CodeEmptyIdentifier indicates a blank destination identifier.
	CodeEmptyIdentifier ErrorCode = "EMPTY_IDENTIFIER"
	// CodeEmptyMessage indicates a blank message body.
	CodeEmptyMessage ErrorCode = "EMPTY_MESSAGE"
	// CodeTransportError indicates a network-level failure after retries.
	CodeTransportError ErrorCode = "TRANSPORT_ERROR"
	// CodeExhausted indicates the backoff policy ran out of attempts.
	CodeExhausted ErrorCode = "EXHAUSTED"
)

// ErrorClass buckets failures by how they are retried.
type ErrorClass string

const (
	// ClassThrottling covers remote rate-limit signals; retried with backoff.
	ClassThrottling ErrorClass = "throttling"
	// ClassAuthorization covers invalid-session signals; never retried.
	ClassAuthorization ErrorClass = "authorization"
	// ClassValidation covers malformed input caught locally; never retried.
	ClassValidation ErrorClass = "validation"
	// ClassTransport covers network failures; retried like throttling.
	ClassTransport ErrorClass = "transport"
)

// GatewayError carries a classified failure across component boundaries.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Class maps the error code onto its retry class.
func (e *GatewayError) Class() ErrorClass {
	switch e.Code {
	case CodeRateLimited, CodeExhausted:
		return ClassThrottling
	case CodeNotAuthorized:
		return ClassAuthorization
	case CodeInvalidGroupID, CodeEmptyIdentifier, CodeEmptyMessage:
		return ClassValidation
	default:
		return ClassTransport
	}
}

// NewGatewayError builds a GatewayError wrapping an optional cause.
func NewGatewayError(code ErrorCode, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Err: err}
}

// ErrorCodeOf extracts the ErrorCode from an error chain.
// Returns false when no GatewayError is present.
func ErrorCodeOf(err error) (ErrorCode, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return "", false
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := ErrorCodeOf(err)
	return ok && c == code
}

// ClassOf maps an arbitrary error onto its retry class.
// Errors without a GatewayError in the chain are treated as transport
// failures, the retryable default.
func ClassOf(err error) ErrorClass {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class()
	}
	return ClassTransport
}
