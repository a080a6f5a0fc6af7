package greenapi

import (
	"errors"
	"testing"
	"time"

	"github.com/wadigest/wadigest/internal/models"
)

func TestBackoffPolicyDoubling(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Cap: 60 * time.Second, MaxAttempts: 10}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 5 * time.Second},
		{attempt: 1, want: 10 * time.Second},
		{attempt: 2, want: 20 * time.Second},
		{attempt: 3, want: 40 * time.Second},
		{attempt: 4, want: 60 * time.Second},
		{attempt: 5, want: 60 * time.Second},
		{attempt: 9, want: 60 * time.Second},
	}

	for _, tt := range tests {
		got, err := policy.NextDelay(tt.attempt, models.ClassThrottling)
		if err != nil {
			t.Fatalf("NextDelay(%d) returned error: %v", tt.attempt, err)
		}
		if got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffPolicyExhausted(t *testing.T) {
	policy := NewBackoffPolicy()

	// Three retries are granted, the fourth attempt is refused.
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if _, err := policy.NextDelay(attempt, models.ClassThrottling); err != nil {
			t.Fatalf("NextDelay(%d) returned error: %v", attempt, err)
		}
	}
	_, err := policy.NextDelay(policy.MaxAttempts, models.ClassThrottling)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("NextDelay(%d) error = %v, want ErrExhausted", policy.MaxAttempts, err)
	}
}

func TestBackoffPolicyNonRetryableClasses(t *testing.T) {
	policy := NewBackoffPolicy()

	for _, class := range []models.ErrorClass{models.ClassAuthorization, models.ClassValidation} {
		_, err := policy.NextDelay(0, class)
		if !errors.Is(err, ErrNonRetryable) {
			t.Errorf("NextDelay(0, %s) error = %v, want ErrNonRetryable", class, err)
		}
	}
}

func TestBackoffPolicyTransportClassRetryable(t *testing.T) {
	policy := NewBackoffPolicy()
	got, err := policy.NextDelay(0, models.ClassTransport)
	if err != nil {
		t.Fatalf("NextDelay(0, transport) returned error: %v", err)
	}
	if got != policy.Base {
		t.Errorf("NextDelay(0, transport) = %v, want %v", got, policy.Base)
	}
}

func TestBackoffPolicyDelaysIncrease(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Cap: time.Hour, MaxAttempts: 8}
	prev := time.Duration(0)
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		got, err := policy.NextDelay(attempt, models.ClassThrottling)
		if err != nil {
			t.Fatalf("NextDelay(%d) returned error: %v", attempt, err)
		}
		if got <= prev {
			t.Errorf("NextDelay(%d) = %v, not strictly greater than previous %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestBackoffPolicyNegativeAttempt(t *testing.T) {
	policy := NewBackoffPolicy()
	got, err := policy.NextDelay(-1, models.ClassThrottling)
	if err != nil {
		t.Fatalf("NextDelay(-1) returned error: %v", err)
	}
	if got != policy.Base {
		t.Errorf("NextDelay(-1) = %v, want base %v", got, policy.Base)
	}
}
