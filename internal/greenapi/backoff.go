package greenapi

import (
	"errors"
	"time"

	"github.com/wadigest/wadigest/internal/models"
)

// Default backoff parameters for throttled and transient-failed calls.
const (
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffCap bounds the exponential growth of retry delays.
	DefaultBackoffCap = 60 * time.Second
	// DefaultMaxAttempts bounds how many retries a single call may consume.
	DefaultMaxAttempts = 3
)

// Signals returned by BackoffPolicy.NextDelay instead of a delay.
var (
	// ErrExhausted indicates the attempt budget is spent.
	ErrExhausted = errors.New("backoff attempts exhausted")
	// ErrNonRetryable indicates the error class must not be retried.
	ErrNonRetryable = errors.New("error class is not retryable")
)

// BackoffPolicy computes retry delays from the attempt count and error
// class. The zero value is not usable; construct with NewBackoffPolicy or
// fill all fields.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// NewBackoffPolicy returns a policy with the default schedule.
func NewBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NextDelay returns the delay to wait before retry number attempt (zero
// based). Throttling and transport classes follow base*2^attempt capped at
// Cap; once attempt reaches MaxAttempts the policy signals ErrExhausted.
// Authorization and validation classes signal ErrNonRetryable immediately.
func (p BackoffPolicy) NextDelay(attempt int, class models.ErrorClass) (time.Duration, error) {
	switch class {
	case models.ClassThrottling, models.ClassTransport:
	default:
		return 0, ErrNonRetryable
	}

	if attempt >= p.MaxAttempts {
		return 0, ErrExhausted
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap, nil
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay, nil
}
