package greenapi

import (
	"testing"

	"github.com/wadigest/wadigest/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain number gets chat suffix", input: "31612345678", want: "31612345678@c.us"},
		{name: "chat suffix passes through", input: "31612345678@c.us", want: "31612345678@c.us"},
		{name: "group suffix passes through", input: "123456789-987654@g.us", want: "123456789-987654@g.us"},
		{name: "hyphen between digits gets group suffix", input: "123456789-987654", want: "123456789-987654@g.us"},
		{name: "surrounding whitespace is trimmed", input: "  31612345678  ", want: "31612345678@c.us"},
		{name: "hyphen without digit neighbors stays direct", input: "abc-def", want: "abc-def@c.us"},
		{name: "leading hyphen stays direct", input: "-123456", want: "-123456@c.us"},
		{name: "trailing hyphen stays direct", input: "123456-", want: "123456-@c.us"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"31612345678", "123456789-987654", "abc", "1-2", "31612345678@c.us", "123-456@g.us"}
	for _, input := range inputs {
		once, err := Normalize(input)
		if err != nil {
			t.Fatalf("Normalize(%q) returned error: %v", input, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q) returned error: %v", once, err)
		}
		if once != twice {
			t.Errorf("Normalize is not idempotent for %q: first %q, second %q", input, once, twice)
		}
	}
}

func TestNormalizeEmpty(t *testing.T) {
	for _, input := range []string{"", "   ", "\t\n"} {
		_, err := Normalize(input)
		if err == nil {
			t.Fatalf("Normalize(%q) expected error, got nil", input)
		}
		if !models.IsCode(err, models.CodeEmptyIdentifier) {
			t.Errorf("Normalize(%q) error = %v, want code %v", input, err, models.CodeEmptyIdentifier)
		}
	}
}

func TestIsGroupID(t *testing.T) {
	if !IsGroupID("123-456@g.us") {
		t.Error("expected 123-456@g.us to be a group ID")
	}
	if IsGroupID("31612345678@c.us") {
		t.Error("expected 31612345678@c.us not to be a group ID")
	}
	if IsGroupID("123-456") {
		t.Error("expected bare 123-456 not to be a group ID")
	}
	if !IsChatID("31612345678@c.us") {
		t.Error("expected 31612345678@c.us to be a chat ID")
	}
	if IsChatID("123-456@g.us") {
		t.Error("expected 123-456@g.us not to be a chat ID")
	}
}
