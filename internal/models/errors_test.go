package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestGatewayErrorError(t *testing.T) {
	e := NewGatewayError(CodeRateLimited, "send failed", nil)
	if e.Error() != "RATE_LIMITED: send failed" {
		t.Errorf("unexpected message: %q", e.Error())
	}

	cause := errors.New("connection reset")
	e = NewGatewayError(CodeTransportError, "send failed", cause)
	if e.Error() != "TRANSPORT_ERROR: send failed: connection reset" {
		t.Errorf("unexpected message: %q", e.Error())
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := NewGatewayError(CodeTransportError, "send failed", cause)
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestErrorCodeOf(t *testing.T) {
	e := NewGatewayError(CodeNotAuthorized, "session invalid", nil)
	wrapped := fmt.Errorf("delivering digest: %w", e)

	code, ok := ErrorCodeOf(wrapped)
	if !ok || code != CodeNotAuthorized {
		t.Errorf("expected NOT_AUTHORIZED through wrapping, got %q ok=%v", code, ok)
	}

	if _, ok := ErrorCodeOf(errors.New("plain")); ok {
		t.Error("plain errors should not carry a code")
	}
}

func TestIsCode(t *testing.T) {
	e := NewGatewayError(CodeEmptyMessage, "blank body", nil)
	if !IsCode(e, CodeEmptyMessage) {
		t.Error("expected IsCode match")
	}
	if IsCode(e, CodeEmptyIdentifier) {
		t.Error("unexpected IsCode match")
	}
}

func TestGatewayErrorClass(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want ErrorClass
	}{
		{CodeRateLimited, ClassThrottling},
		{CodeExhausted, ClassThrottling},
		{CodeNotAuthorized, ClassAuthorization},
		{CodeInvalidGroupID, ClassValidation},
		{CodeEmptyIdentifier, ClassValidation},
		{CodeEmptyMessage, ClassValidation},
		{CodeTransportError, ClassTransport},
	}
	for _, tc := range cases {
		e := NewGatewayError(tc.code, "x", nil)
		if got := e.Class(); got != tc.want {
			t.Errorf("Class(%s) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestClassOfPlainError(t *testing.T) {
	if got := ClassOf(errors.New("dial tcp: timeout")); got != ClassTransport {
		t.Errorf("plain errors should classify as transport, got %q", got)
	}
}
