// Package greenapi implements the HTTP gateway client for wadigest.
//
// It owns the single outbound request queue, response caching for idempotent
// reads, and retry-with-backoff on throttling responses.
package greenapi

import (
	"strings"

	"github.com/wadigest/wadigest/internal/models"
)

// Canonical identifier suffixes expected by the gateway.
const (
	// ChatSuffix is the canonical suffix for direct chats.
	ChatSuffix = "@c.us"
	// GroupSuffix is the canonical suffix for group chats.
	GroupSuffix = "@g.us"
)

// Normalize converts a raw destination identifier into the gateway's
// canonical suffixed form. Already-canonical identifiers pass through
// unchanged, so the function is idempotent. A hyphen between two digits
// marks a multi-party origin and selects the group suffix; everything else
// gets the direct-chat suffix.
func Normalize(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", models.NewGatewayError(models.CodeEmptyIdentifier, "identifier cannot be empty", nil)
	}
	if strings.HasSuffix(id, ChatSuffix) || strings.HasSuffix(id, GroupSuffix) {
		return id, nil
	}
	if hasGroupMarker(id) {
		return id + GroupSuffix, nil
	}
	return id + ChatSuffix, nil
}

// IsGroupID reports whether the identifier is in the canonical group form.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}

// IsChatID reports whether the identifier is in the canonical direct-chat form.
func IsChatID(id string) bool {
	return strings.HasSuffix(id, ChatSuffix)
}

// hasGroupMarker detects the structural marker of a group identifier, a
// hyphen joining two numeric segments.
func hasGroupMarker(id string) bool {
	for i := 1; i < len(id)-1; i++ {
		if id[i] == '-' && isDigit(id[i-1]) && isDigit(id[i+1]) {
			return true
		}
	}
	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
