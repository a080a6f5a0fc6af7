package greenapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wadigest/wadigest/internal/models"
)

// endpointOf extracts the endpoint segment from a gateway URL path of the
// form /waInstance{id}/{endpoint}/{token}.
func endpointOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// newTestClient builds a client pointed at a test server with pacing and
// backoff shrunk to keep tests fast.
func newTestClient(t *testing.T, baseURL string, extra ...Option) *Client {
	t.Helper()
	opts := []Option{
		WithBaseURL(baseURL),
		WithMinInterval(time.Millisecond),
		WithBackoff(BackoffPolicy{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3}),
		WithQueueSize(16),
	}
	opts = append(opts, extra...)
	c, err := NewClient("1101000001", "testtoken", opts...)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func waitForQueueDepth(t *testing.T, c *Client, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.QueueDepth() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", want)
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "token"); err == nil {
		t.Error("expected error for empty instance ID")
	}
	if _, err := NewClient("1101000001", "   "); err == nil {
		t.Error("expected error for blank token")
	}
}

func TestClientQueueOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, endpointOf(r.URL.Path))
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	defer c.Stop()

	// Queue three requests before the drain loop runs so the enqueue
	// order is fixed, then start and check the wire order matches.
	var wg sync.WaitGroup
	for i, endpoint := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			if _, err := c.call(context.Background(), http.MethodGet, ep, "", nil); err != nil {
				t.Errorf("call(%s) returned error: %v", ep, err)
			}
		}(endpoint)
		waitForQueueDepth(t, c, i+1)
	}

	c.Start()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"alpha", "beta", "gamma"}
	if len(order) != len(want) {
		t.Fatalf("server saw %d calls, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("call %d was %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestClientRetriesThrottledRequestInPlace(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req sendMessageRequest
		_ = json.Unmarshal(raw, &req)

		mu.Lock()
		hits++
		n := hits
		bodies = append(bodies, req.Message)
		mu.Unlock()

		if n == 1 {
			writeJSON(w, http.StatusTooManyRequests, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"idMessage":"msg-`+string(rune('0'+n))+`"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, WithBackoff(BackoffPolicy{Base: 7 * time.Millisecond, Cap: 28 * time.Millisecond, MaxAttempts: 3}))
	defer c.Stop()

	var sleptMu sync.Mutex
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleptMu.Lock()
		slept = append(slept, d)
		sleptMu.Unlock()
		return nil
	}

	// First send gets throttled once; the second must not overtake it.
	results := make([]string, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			results[i], errs[i] = c.SendMessage(context.Background(), "31612345678", text)
		}(i, text)
		waitForQueueDepth(t, c, i+1)
	}

	c.Start()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("send %d returned error: %v", i, err)
		}
	}

	mu.Lock()
	gotBodies := append([]string(nil), bodies...)
	mu.Unlock()
	wantBodies := []string{"first", "first", "second"}
	if len(gotBodies) != len(wantBodies) {
		t.Fatalf("server saw %d calls, want %d: %v", len(gotBodies), len(wantBodies), gotBodies)
	}
	for i := range wantBodies {
		if gotBodies[i] != wantBodies[i] {
			t.Fatalf("call %d carried %q, want %q (full order %v)", i, gotBodies[i], wantBodies[i], gotBodies)
		}
	}

	// The retried request resolves with the response of its second
	// attempt, and the second request with the third response.
	if results[0] != "msg-2" {
		t.Errorf("first send resolved with %q, want msg-2", results[0])
	}
	if results[1] != "msg-3" {
		t.Errorf("second send resolved with %q, want msg-3", results[1])
	}

	sleptMu.Lock()
	defer sleptMu.Unlock()
	if len(slept) != 1 || slept[0] != 7*time.Millisecond {
		t.Errorf("backoff sleeps = %v, want exactly one of 7ms", slept)
	}
}

func TestClientThrottleExhaustion(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		writeJSON(w, http.StatusTooManyRequests, `{}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	_, err := c.SendMessage(context.Background(), "31612345678", "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !models.IsCode(err, models.CodeRateLimited) {
		t.Errorf("error = %v, want code %v", err, models.CodeRateLimited)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error chain does not include ErrExhausted: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 4 {
		t.Errorf("server saw %d attempts, want 4 (initial plus 3 retries)", hits)
	}
}

type failingDoer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, errors.New("connection reset")
}

func TestClientTransportExhaustion(t *testing.T) {
	doer := &failingDoer{}
	c := newTestClient(t, "http://gateway.invalid", WithHTTPClient(doer))
	c.Start()
	defer c.Stop()

	_, err := c.SendMessage(context.Background(), "31612345678", "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !models.IsCode(err, models.CodeExhausted) {
		t.Errorf("error = %v, want code %v", err, models.CodeExhausted)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error chain does not include ErrExhausted: %v", err)
	}

	doer.mu.Lock()
	defer doer.mu.Unlock()
	if doer.calls != 4 {
		t.Errorf("transport saw %d attempts, want 4", doer.calls)
	}
}

func TestClientAuthFailureNotRetried(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	var sleptMu sync.Mutex
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleptMu.Lock()
		slept = append(slept, d)
		sleptMu.Unlock()
		return nil
	}
	c.Start()
	defer c.Stop()

	_, err := c.SendMessage(context.Background(), "31612345678", "hello")
	if !models.IsCode(err, models.CodeNotAuthorized) {
		t.Fatalf("error = %v, want code %v", err, models.CodeNotAuthorized)
	}

	mu.Lock()
	if hits != 1 {
		t.Errorf("server saw %d attempts, want exactly 1", hits)
	}
	mu.Unlock()

	sleptMu.Lock()
	defer sleptMu.Unlock()
	if len(slept) != 0 {
		t.Errorf("no backoff sleeps expected for an auth failure, got %v", slept)
	}
}

func TestClientGetInstanceStateFailOpen(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	throttle := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		throttling := throttle
		mu.Unlock()
		if throttling {
			writeJSON(w, http.StatusTooManyRequests, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"stateInstance":"notAuthorized"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	status, err := c.GetInstanceState(context.Background())
	if err != nil {
		t.Fatalf("GetInstanceState returned error during throttling: %v", err)
	}
	if status.State != models.InstanceAuthorized {
		t.Errorf("throttled state check reported %q, want authorized", status.State)
	}

	// The assumed answer must not have been cached: with the remote now
	// responding, the next check reaches it and sees the real state.
	mu.Lock()
	throttle = false
	mu.Unlock()

	status, err = c.GetInstanceState(context.Background())
	if err != nil {
		t.Fatalf("GetInstanceState returned error: %v", err)
	}
	if status.State != models.InstanceNotAuthorized {
		t.Errorf("state after recovery = %q, want notAuthorized", status.State)
	}
}

func TestClientGetInstanceStateCached(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"stateInstance":"authorized"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	for i := 0; i < 3; i++ {
		status, err := c.GetInstanceState(context.Background())
		if err != nil {
			t.Fatalf("GetInstanceState call %d returned error: %v", i, err)
		}
		if !status.State.Authorized() {
			t.Fatalf("GetInstanceState call %d reported %q", i, status.State)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("server saw %d state checks, want 1 (rest from cache)", hits)
	}
}

func TestClientListGroupsRefusedWhenUnauthorized(t *testing.T) {
	var contactsCalled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch endpointOf(r.URL.Path) {
		case endpointGetState:
			writeJSON(w, http.StatusOK, `{"stateInstance":"notAuthorized"}`)
		case endpointGetContacts:
			contactsCalled.Store(true)
			writeJSON(w, http.StatusOK, `[]`)
		default:
			writeJSON(w, http.StatusNotFound, `{}`)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	_, err := c.ListGroups(context.Background())
	if !models.IsCode(err, models.CodeNotAuthorized) {
		t.Fatalf("error = %v, want code %v", err, models.CodeNotAuthorized)
	}
	if contactsCalled.Load() {
		t.Error("getContacts must not be called when the session is unauthorized")
	}
	if _, ok := c.groupsCache.Get(groupsCacheKey); ok {
		t.Error("groups cache must stay empty after a refused listing")
	}
}

func TestClientListGroupsFiltersAndCaches(t *testing.T) {
	var mu sync.Mutex
	contactHits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch endpointOf(r.URL.Path) {
		case endpointGetState:
			writeJSON(w, http.StatusOK, `{"stateInstance":"authorized"}`)
		case endpointGetContacts:
			mu.Lock()
			contactHits++
			mu.Unlock()
			writeJSON(w, http.StatusOK, `[
				{"id":"123456789-987654@g.us","name":"Team","type":"group"},
				{"id":"31612345678@c.us","name":"Alice","type":"user"},
				{"id":"555000111-222333@g.us","name":"","type":"group"}
			]`)
		default:
			writeJSON(w, http.StatusNotFound, `{}`)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	for i := 0; i < 2; i++ {
		groups, err := c.ListGroups(context.Background())
		if err != nil {
			t.Fatalf("ListGroups call %d returned error: %v", i, err)
		}
		if len(groups) != 2 {
			t.Fatalf("ListGroups call %d returned %d entries, want 2: %v", i, len(groups), groups)
		}
		if groups[0].ID != "123456789-987654@g.us" || groups[0].Name != "Team" {
			t.Errorf("first group = %+v", groups[0])
		}
		// A group without a subject falls back to its identifier.
		if groups[1].Name != "555000111-222333@g.us" {
			t.Errorf("unnamed group shows %q, want its ID", groups[1].Name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if contactHits != 1 {
		t.Errorf("getContacts hit %d times, want 1 (second listing from cache)", contactHits)
	}
}

func TestClientSendMessageValidation(t *testing.T) {
	// Validation failures must never reach the network, so no server and
	// no started drain loop are needed.
	c := newTestClient(t, "http://gateway.invalid")

	if _, err := c.SendMessage(context.Background(), "", "hello"); !models.IsCode(err, models.CodeEmptyIdentifier) {
		t.Errorf("empty identifier error = %v, want code %v", err, models.CodeEmptyIdentifier)
	}
	if _, err := c.SendMessage(context.Background(), "31612345678", "   "); !models.IsCode(err, models.CodeEmptyMessage) {
		t.Errorf("blank message error = %v, want code %v", err, models.CodeEmptyMessage)
	}
}

func TestClientSendGroupSummaryValidation(t *testing.T) {
	c := newTestClient(t, "http://gateway.invalid")

	tests := []struct {
		name    string
		groupID string
	}{
		{name: "direct chat identifier", groupID: "31612345678@c.us"},
		{name: "missing suffix", groupID: "123456789-987654"},
		{name: "empty", groupID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SendGroupSummary(context.Background(), tt.groupID, "digest")
			if !models.IsCode(err, models.CodeInvalidGroupID) {
				t.Errorf("error = %v, want code %v", err, models.CodeInvalidGroupID)
			}
		})
	}

	if err := c.SendGroupSummary(context.Background(), "123-456@g.us", "  "); !models.IsCode(err, models.CodeEmptyMessage) {
		t.Errorf("blank summary error = %v, want code %v", err, models.CodeEmptyMessage)
	}
}

func TestClientSendGroupSummaryEnvelope(t *testing.T) {
	var mu sync.Mutex
	var captured sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(raw, &captured)
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"idMessage":"msg-1"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	generated := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return generated }
	c.Start()
	defer c.Stop()

	if err := c.SendGroupSummary(context.Background(), "123456789-987654@g.us", "weekly recap"); err != nil {
		t.Fatalf("SendGroupSummary returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if captured.ChatID != "123456789-987654@g.us" {
		t.Errorf("chatId = %q, want the group identifier", captured.ChatID)
	}
	want := "===== Group Digest =====\n\nweekly recap\n\n=====\nGenerated: 2026-03-14 09:30 UTC"
	if captured.Message != want {
		t.Errorf("enveloped message = %q, want %q", captured.Message, want)
	}
}

func TestClientGetGroupInfo(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req groupDataRequest
		_ = json.Unmarshal(raw, &req)
		if req.GroupID != "123-456@g.us" {
			t.Errorf("getGroupData received groupId %q", req.GroupID)
		}
		mu.Lock()
		hits++
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"groupId":"123-456@g.us","subject":"Family","participants":[{"id":"1@c.us"},{"id":"2@c.us"},{"id":"3@c.us"}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	for i := 0; i < 2; i++ {
		info, err := c.GetGroupInfo(context.Background(), "123-456@g.us")
		if err != nil {
			t.Fatalf("GetGroupInfo returned error: %v", err)
		}
		if info.Name != "Family" || info.Participants != 3 {
			t.Errorf("GetGroupInfo = %+v", info)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("getGroupData hit %d times, want 1", hits)
	}

	if _, err := c.GetGroupInfo(context.Background(), "31612345678@c.us"); !models.IsCode(err, models.CodeInvalidGroupID) {
		t.Errorf("direct chat error = %v, want code %v", err, models.CodeInvalidGroupID)
	}
}

func TestClientGetChatHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req chatHistoryRequest
		_ = json.Unmarshal(raw, &req)
		if req.ChatID != "123-456@g.us" {
			t.Errorf("getChatHistory received chatId %q", req.ChatID)
		}
		if req.Count != 7 {
			t.Errorf("getChatHistory received count %d, want 7", req.Count)
		}
		writeJSON(w, http.StatusOK, `[
			{"idMessage":"c","timestamp":300,"typeMessage":"textMessage","senderId":"1@c.us","senderName":"Ann","textMessage":"newest"},
			{"idMessage":"b","timestamp":200,"typeMessage":"extendedTextMessage","senderId":"2@c.us","senderName":"Bob","extendedTextMessage":{"text":"middle"}},
			{"idMessage":"x","timestamp":150,"typeMessage":"imageMessage","senderId":"2@c.us","senderName":"Bob"},
			{"idMessage":"a","timestamp":100,"typeMessage":"textMessage","senderId":"1@c.us","senderName":"Ann","textMessage":"oldest"}
		]`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	msgs, err := c.GetChatHistory(context.Background(), "123-456", 7)
	if err != nil {
		t.Fatalf("GetChatHistory returned error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("GetChatHistory returned %d messages, want 3 (image entry dropped): %+v", len(msgs), msgs)
	}
	if msgs[0].Body != "oldest" || msgs[1].Body != "middle" || msgs[2].Body != "newest" {
		t.Errorf("messages not in chronological order: %q %q %q", msgs[0].Body, msgs[1].Body, msgs[2].Body)
	}
	if msgs[1].Timestamp != time.Unix(200, 0).UTC() {
		t.Errorf("timestamp = %v, want %v", msgs[1].Timestamp, time.Unix(200, 0).UTC())
	}
}

func TestClientNotifications(t *testing.T) {
	var mu sync.Mutex
	receiveHits := 0
	var deletePath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch endpointOf(r.URL.Path) {
		case endpointReceiveNotification:
			mu.Lock()
			receiveHits++
			n := receiveHits
			mu.Unlock()
			if n == 1 {
				writeJSON(w, http.StatusOK, `null`)
				return
			}
			writeJSON(w, http.StatusOK, `{
				"receiptId": 12345,
				"body": {
					"typeWebhook": "incomingMessageReceived",
					"timestamp": 1700000000,
					"idMessage": "ABCD",
					"senderData": {"chatId":"123-456@g.us","sender":"31612345678@c.us","senderName":"Ann"},
					"messageData": {"typeMessage":"textMessage","textMessageData":{"textMessage":"hello there"}}
				}
			}`)
		case endpointDeleteNotification:
			mu.Lock()
			deletePath = r.URL.Path
			mu.Unlock()
			writeJSON(w, http.StatusOK, `{"result":true}`)
		default:
			writeJSON(w, http.StatusNotFound, `{}`)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	n, err := c.ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("ReceiveNotification returned error: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil notification for an empty feed, got %+v", n)
	}

	n, err = c.ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("ReceiveNotification returned error: %v", err)
	}
	if n == nil {
		t.Fatal("expected a notification")
	}
	if n.ReceiptID != 12345 || !n.IsIncomingMessage() || n.Text() != "hello there" {
		t.Errorf("notification = %+v, text %q", n, n.Text())
	}

	if err := c.DeleteNotification(context.Background(), n.ReceiptID); err != nil {
		t.Fatalf("DeleteNotification returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(deletePath, "/deleteNotification/testtoken/12345") {
		t.Errorf("delete path = %q, want receipt ID after the token", deletePath)
	}
}

func TestClientGetQRCode(t *testing.T) {
	mode := "qrCode"
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		m := mode
		mu.Unlock()
		if m == "qrCode" {
			writeJSON(w, http.StatusOK, `{"type":"qrCode","message":"aGVsbG8="}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"type":"error","message":"instance account already authorized"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()
	defer c.Stop()

	code, err := c.GetQRCode(context.Background())
	if err != nil {
		t.Fatalf("GetQRCode returned error: %v", err)
	}
	if code != "aGVsbG8=" {
		t.Errorf("GetQRCode = %q", code)
	}

	mu.Lock()
	mode = "error"
	mu.Unlock()
	if _, err := c.GetQRCode(context.Background()); err == nil {
		t.Error("expected error when the remote reports a non-QR reply")
	}
}

func TestClientMinIntervalSpacing(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"idMessage":"m"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, WithMinInterval(60*time.Millisecond))
	c.Start()
	defer c.Stop()

	for i := 0; i < 2; i++ {
		if _, err := c.SendMessage(context.Background(), "31612345678", "hi"); err != nil {
			t.Fatalf("send %d returned error: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 2 {
		t.Fatalf("server saw %d calls, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 40*time.Millisecond {
		t.Errorf("inter-call gap = %v, want at least ~60ms", gap)
	}
}

func TestClientStopRejectsNewCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"idMessage":"m"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Start()

	if _, err := c.SendMessage(context.Background(), "31612345678", "hi"); err != nil {
		t.Fatalf("send before stop returned error: %v", err)
	}

	c.Stop()
	c.Stop() // stopping twice is harmless

	if _, err := c.SendMessage(context.Background(), "31612345678", "hi"); err == nil {
		t.Error("expected an error for a send after Stop")
	}
}

func TestEnvelope(t *testing.T) {
	at := time.Date(2026, time.January, 5, 18, 0, 0, 0, time.UTC)
	got := Envelope("three messages today", at)
	want := "===== Group Digest =====\n\nthree messages today\n\n=====\nGenerated: 2026-01-05 18:00 UTC"
	if got != want {
		t.Errorf("Envelope = %q, want %q", got, want)
	}
}
