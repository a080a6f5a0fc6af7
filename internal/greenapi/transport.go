package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wadigest/wadigest/internal/models"
)

// Doer performs a single HTTP round trip. *http.Client satisfies it, and
// tests substitute a recording implementation.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// DefaultBaseURL is the production Green API endpoint.
	DefaultBaseURL = "https://api.green-api.com"

	// maxResponseBody bounds how much of a reply is read into memory.
	maxResponseBody = 4 << 20

	breakerConsecutiveFailures = 5
)

// transport executes one HTTP call per invocation. URL layout, the circuit
// breaker around the network hop, and status classification live here;
// queueing, pacing and retries are the client's concern.
type transport struct {
	baseURL    string
	instanceID string
	token      string
	doer       Doer
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

func newTransport(baseURL, instanceID, token string, doer Doer) *transport {
	t := &transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		token:      token,
		doer:       doer,
	}
	// The breaker sees only network faults: HTTP replies of any status
	// return a nil error from the round trip and never trip it.
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "greenapi",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > breakerConsecutiveFailures
		},
	})
	return t
}

// endpointURL builds {base}/waInstance{id}/{endpoint}/{token}, with the
// optional suffix appended after the token as some endpoints require.
func (t *transport) endpointURL(endpoint, suffix string) string {
	u := fmt.Sprintf("%s/waInstance%s/%s/%s", t.baseURL, t.instanceID, endpoint, t.token)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// redactedURL is endpointURL with the token masked, safe for logs.
func (t *transport) redactedURL(endpoint, suffix string) string {
	u := fmt.Sprintf("%s/waInstance%s/%s/****", t.baseURL, t.instanceID, endpoint)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// execute performs a single round trip and returns the status code and raw
// body. A non-nil error means the reply never arrived; HTTP error statuses
// are returned to the caller for classification, not folded into err.
func (t *transport) execute(ctx context.Context, method, endpoint, suffix string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, models.NewGatewayError(models.CodeTransportError, "encode request payload", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.endpointURL(endpoint, suffix), body)
	if err != nil {
		return 0, nil, models.NewGatewayError(models.CodeTransportError, "build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		return t.doer.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, models.NewGatewayError(models.CodeTransportError, "circuit breaker open for "+endpoint, err)
		}
		return 0, nil, models.NewGatewayError(models.CodeTransportError, "call "+endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, models.NewGatewayError(models.CodeTransportError, "read "+endpoint+" response", err)
	}
	return resp.StatusCode, raw, nil
}

// classifyStatus maps a non-2xx reply onto the gateway error surface.
// It returns nil for success statuses.
func classifyStatus(status int, endpoint string, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return models.NewGatewayError(models.CodeRateLimited, endpoint+" throttled by remote", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewGatewayError(models.CodeNotAuthorized, endpoint+" rejected credentials", nil)
	default:
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg := fmt.Sprintf("%s returned status %d", endpoint, status)
		if snippet != "" {
			msg += ": " + snippet
		}
		return models.NewGatewayError(models.CodeTransportError, msg, nil)
	}
}
