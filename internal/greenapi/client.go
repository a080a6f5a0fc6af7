package greenapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wadigest/wadigest/internal/models"
)

// Green API endpoint names. The token follows the endpoint in the URL, and
// deleteNotification takes the receipt ID after the token.
const (
	endpointGetState            = "getStateInstance"
	endpointSendMessage         = "sendMessage"
	endpointGetContacts         = "getContacts"
	endpointGetGroupData        = "getGroupData"
	endpointGetChatHistory      = "getChatHistory"
	endpointReceiveNotification = "receiveNotification"
	endpointDeleteNotification  = "deleteNotification"
	endpointQR                  = "qr"
)

const (
	// DefaultMinInterval is the smallest allowed gap between consecutive
	// outbound calls.
	DefaultMinInterval = time.Second
	// DefaultQueueSize is the outbound queue capacity.
	DefaultQueueSize = 64
	// DefaultHistoryCount is how many messages a history fetch requests
	// when the caller does not say.
	DefaultHistoryCount = 100

	stateCacheKey  = "instanceState"
	groupsCacheKey = "groups"
)

// Envelope markers wrapped around every delivered digest.
const (
	summaryHeader   = "===== Group Digest ====="
	summaryFooter   = "====="
	generatedLayout = "2006-01-02 15:04 MST"
)

// Opts holds the configuration for a Client.
type Opts struct {
	// BaseURL is the Green API root, without a trailing slash.
	BaseURL string
	// HTTPClient performs the actual round trips.
	HTTPClient Doer
	// MinInterval is the pacing gap between outbound calls.
	MinInterval time.Duration
	// Backoff governs retry delays for throttled and failed calls.
	Backoff BackoffPolicy
	// StateTTL is the instance-state cache lifetime.
	StateTTL time.Duration
	// GroupsTTL is the group listing and group info cache lifetime.
	GroupsTTL time.Duration
	// QueueSize is the outbound queue capacity.
	QueueSize int
}

// Option adjusts Opts.
type Option func(*Opts)

// WithBaseURL overrides the Green API root URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient overrides the transport used for round trips.
func WithHTTPClient(d Doer) Option {
	return func(o *Opts) { o.HTTPClient = d }
}

// WithMinInterval overrides the pacing gap between outbound calls.
func WithMinInterval(d time.Duration) Option {
	return func(o *Opts) { o.MinInterval = d }
}

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(o *Opts) { o.Backoff = p }
}

// WithStateTTL overrides the instance-state cache lifetime.
func WithStateTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.StateTTL = ttl }
}

// WithGroupsTTL overrides the group listing cache lifetime.
func WithGroupsTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.GroupsTTL = ttl }
}

// WithQueueSize overrides the outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// queuedRequest is one outbound call waiting for the drain loop.
type queuedRequest struct {
	id       string
	ctx      context.Context
	method   string
	endpoint string
	suffix   string
	payload  any
	done     chan callResult
}

type callResult struct {
	status int
	body   []byte
	err    error
}

// Client is the gateway to the Green API. Every non-cached call is
// appended to one internal FIFO queue and serviced by a single drain loop,
// so outbound ordering matches enqueue ordering and the remote rate limit
// is respected no matter how many goroutines are sending. Throttled calls
// are retried in place: the queue does not advance past a request that is
// waiting out a backoff delay.
type Client struct {
	transport *transport
	limiter   *rate.Limiter
	backoff   BackoffPolicy

	stateCache  *ResponseCache[models.GatewayStatus]
	groupsCache *ResponseCache[[]models.GroupInfo]
	infoCache   *ResponseCache[models.GroupInfo]

	queue chan *queuedRequest
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	// sleep and now are replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient builds a Client for one Green API instance. The client does
// not service requests until Start is called.
func NewClient(instanceID, token string, options ...Option) (*Client, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, fmt.Errorf("greenapi: instance ID is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("greenapi: API token is required")
	}

	opts := Opts{
		BaseURL:     DefaultBaseURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		MinInterval: DefaultMinInterval,
		Backoff:     NewBackoffPolicy(),
		StateTTL:    DefaultStateCacheTTL,
		GroupsTTL:   DefaultGroupsCacheTTL,
		QueueSize:   DefaultQueueSize,
	}
	for _, opt := range options {
		opt(&opts)
	}

	c := &Client{
		transport:   newTransport(opts.BaseURL, instanceID, token, opts.HTTPClient),
		limiter:     rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		backoff:     opts.Backoff,
		stateCache:  NewResponseCache[models.GatewayStatus](opts.StateTTL),
		groupsCache: NewResponseCache[[]models.GroupInfo](opts.GroupsTTL),
		infoCache:   NewResponseCache[models.GroupInfo](opts.GroupsTTL),
		queue:       make(chan *queuedRequest, opts.QueueSize),
		done:        make(chan struct{}),
		sleep:       sleepContext,
		now:         time.Now,
	}
	slog.Debug("Green API client configured",
		"baseURL", opts.BaseURL,
		"minInterval", opts.MinInterval,
		"queueSize", opts.QueueSize)
	return c, nil
}

// Start launches the drain loop. Calling Start more than once is a no-op.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.drain()
	slog.Info("Green API client started")
}

// Stop halts the drain loop. Requests still queued are rejected so their
// callers unblock; a request already in flight finishes first.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	slog.Info("Green API client stopped")
}

// QueueDepth reports how many requests are waiting in the outbound queue.
func (c *Client) QueueDepth() int {
	return len(c.queue)
}

// BreakerState reports the transport circuit breaker state as one of
// closed, half-open or open.
func (c *Client) BreakerState() string {
	return c.transport.breaker.State().String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) drain() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case req := <-c.queue:
			req.done <- c.process(req)
		}
	}
}

// flush rejects everything still queued at shutdown.
func (c *Client) flush() {
	for {
		select {
		case req := <-c.queue:
			req.done <- callResult{err: models.NewGatewayError(models.CodeTransportError, req.endpoint+" aborted, client stopped", nil)}
		default:
			return
		}
	}
}

// process runs one request to completion, retrying in place per the
// backoff policy. The pacing limiter gates every attempt, retries
// included.
func (c *Client) process(req *queuedRequest) callResult {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(req.ctx); err != nil {
			return callResult{err: models.NewGatewayError(models.CodeTransportError, "pacing wait for "+req.endpoint, err)}
		}

		status, body, err := c.transport.execute(req.ctx, req.method, req.endpoint, req.suffix, req.payload)
		if err == nil {
			err = classifyStatus(status, req.endpoint, body)
		}
		if err == nil {
			slog.Debug("Green API request completed",
				"id", req.id, "endpoint", req.endpoint, "status", status, "attempt", attempt)
			return callResult{status: status, body: body}
		}

		delay, policyErr := c.backoff.NextDelay(attempt, models.ClassOf(err))
		if policyErr != nil {
			return callResult{err: finalError(req.endpoint, err, policyErr, attempt)}
		}

		slog.Warn("Green API request retrying",
			"id", req.id, "endpoint", req.endpoint, "attempt", attempt, "delay", delay, "error", err)
		if serr := c.sleep(req.ctx, delay); serr != nil {
			return callResult{err: models.NewGatewayError(models.CodeTransportError, "backoff wait for "+req.endpoint, serr)}
		}
	}
}

// finalError shapes what the caller sees once the retry loop settles.
// Non-retryable failures pass through unchanged. A spent retry budget
// surfaces as rate limited when the remote was throttling us, otherwise as
// exhausted, with the policy signal kept in the cause chain.
func finalError(endpoint string, last error, policyErr error, attempt int) error {
	if policyErr == ErrNonRetryable {
		return last
	}
	code := models.CodeExhausted
	if models.ClassOf(last) == models.ClassThrottling {
		code = models.CodeRateLimited
	}
	return models.NewGatewayError(code,
		fmt.Sprintf("%s failed after %d attempts: %v", endpoint, attempt+1, last), ErrExhausted)
}

// call enqueues one request and blocks until the drain loop resolves it.
func (c *Client) call(ctx context.Context, method, endpoint, suffix string, payload any) ([]byte, error) {
	req := &queuedRequest{
		id:       uuid.NewString(),
		ctx:      ctx,
		method:   method,
		endpoint: endpoint,
		suffix:   suffix,
		payload:  payload,
		done:     make(chan callResult, 1),
	}

	select {
	case c.queue <- req:
		slog.Debug("Green API request queued", "id", req.id, "endpoint", endpoint, "depth", len(c.queue))
	case <-ctx.Done():
		return nil, models.NewGatewayError(models.CodeTransportError, "queueing "+endpoint, ctx.Err())
	case <-c.done:
		return nil, models.NewGatewayError(models.CodeTransportError, endpoint+" rejected, client stopped", nil)
	}

	select {
	case res := <-req.done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, models.NewGatewayError(models.CodeTransportError, "awaiting "+endpoint, ctx.Err())
	case <-c.done:
		// Drain the result if the loop resolved us before shutting down.
		select {
		case res := <-req.done:
			return res.body, res.err
		default:
			return nil, models.NewGatewayError(models.CodeTransportError, endpoint+" aborted, client stopped", nil)
		}
	}
}

type stateInstanceResponse struct {
	StateInstance string `json:"stateInstance"`
}

// GetInstanceState reports whether the account session is authorized.
// Fresh results are served from cache without touching the queue. A
// throttled check reports authorized without writing the cache: a state
// probe must not stall the deliveries queued behind it, and a guessed
// answer must not be served to later callers as a cached fact.
func (c *Client) GetInstanceState(ctx context.Context) (models.GatewayStatus, error) {
	if status, ok := c.stateCache.Get(stateCacheKey); ok {
		return status, nil
	}

	body, err := c.call(ctx, http.MethodGet, endpointGetState, "", nil)
	if err != nil {
		if models.ClassOf(err) == models.ClassThrottling {
			slog.Warn("Green API state check throttled, assuming authorized", "error", err)
			return models.GatewayStatus{State: models.InstanceAuthorized, CheckedAt: c.now()}, nil
		}
		return models.GatewayStatus{}, err
	}

	var resp stateInstanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.GatewayStatus{}, models.NewGatewayError(models.CodeTransportError, "decode getStateInstance response", err)
	}

	status := models.GatewayStatus{State: models.InstanceState(resp.StateInstance), CheckedAt: c.now()}
	c.stateCache.Set(stateCacheKey, status)
	return status, nil
}

type contactEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ListGroups returns the group chats visible to the instance. On a cache
// miss the instance state is checked first; when the session is not
// authorized the listing fails without a network call or a cache write.
func (c *Client) ListGroups(ctx context.Context) ([]models.GroupInfo, error) {
	if groups, ok := c.groupsCache.Get(groupsCacheKey); ok {
		return groups, nil
	}

	status, err := c.GetInstanceState(ctx)
	if err != nil {
		return nil, err
	}
	if !status.State.Authorized() {
		return nil, models.NewGatewayError(models.CodeNotAuthorized, "instance state is "+string(status.State), nil)
	}

	body, err := c.call(ctx, http.MethodGet, endpointGetContacts, "", nil)
	if err != nil {
		return nil, err
	}

	var contacts []contactEntry
	if err := json.Unmarshal(body, &contacts); err != nil {
		return nil, models.NewGatewayError(models.CodeTransportError, "decode getContacts response", err)
	}

	groups := make([]models.GroupInfo, 0, len(contacts))
	for _, entry := range contacts {
		if !IsGroupID(entry.ID) {
			continue
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		groups = append(groups, models.GroupInfo{ID: entry.ID, Name: name})
	}

	c.groupsCache.Set(groupsCacheKey, groups)
	slog.Debug("Green API group listing refreshed", "count", len(groups))
	return groups, nil
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	IDMessage string `json:"idMessage"`
}

// SendMessage delivers text to a chat and returns the remote message ID.
// The identifier is normalized first, and blank inputs fail before any
// network activity.
func (c *Client) SendMessage(ctx context.Context, identifier, text string) (string, error) {
	chatID, err := Normalize(identifier)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", models.NewGatewayError(models.CodeEmptyMessage, "message text is blank", nil)
	}

	body, err := c.call(ctx, http.MethodPost, endpointSendMessage, "", sendMessageRequest{ChatID: chatID, Message: text})
	if err != nil {
		return "", err
	}

	var resp sendMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.NewGatewayError(models.CodeTransportError, "decode sendMessage response", err)
	}

	slog.Info("Green API message sent", "chatID", chatID, "messageID", resp.IDMessage)
	return resp.IDMessage, nil
}

// Envelope wraps digest text in the delivery header and footer with a
// generation timestamp.
func Envelope(text string, at time.Time) string {
	return fmt.Sprintf("%s\n\n%s\n\n%s\nGenerated: %s",
		summaryHeader, text, summaryFooter, at.UTC().Format(generatedLayout))
}

// SendGroupSummary delivers digest text to a group chat, wrapped in the
// standard envelope. The identifier must already be in canonical group
// form.
func (c *Client) SendGroupSummary(ctx context.Context, groupID, text string) error {
	groupID = strings.TrimSpace(groupID)
	if !IsGroupID(groupID) {
		return models.NewGatewayError(models.CodeInvalidGroupID, fmt.Sprintf("%q is not a group chat identifier", groupID), nil)
	}
	if strings.TrimSpace(text) == "" {
		return models.NewGatewayError(models.CodeEmptyMessage, "summary text is blank", nil)
	}

	_, err := c.SendMessage(ctx, groupID, Envelope(text, c.now()))
	return err
}

type groupDataRequest struct {
	GroupID string `json:"groupId"`
}

type groupDataResponse struct {
	GroupID      string `json:"groupId"`
	Subject      string `json:"subject"`
	Participants []struct {
		ID string `json:"id"`
	} `json:"participants"`
}

// GetGroupInfo fetches the subject and participant count for one group.
func (c *Client) GetGroupInfo(ctx context.Context, groupID string) (models.GroupInfo, error) {
	groupID = strings.TrimSpace(groupID)
	if !IsGroupID(groupID) {
		return models.GroupInfo{}, models.NewGatewayError(models.CodeInvalidGroupID, fmt.Sprintf("%q is not a group chat identifier", groupID), nil)
	}
	if info, ok := c.infoCache.Get(groupID); ok {
		return info, nil
	}

	body, err := c.call(ctx, http.MethodPost, endpointGetGroupData, "", groupDataRequest{GroupID: groupID})
	if err != nil {
		return models.GroupInfo{}, err
	}

	var resp groupDataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.GroupInfo{}, models.NewGatewayError(models.CodeTransportError, "decode getGroupData response", err)
	}

	info := models.GroupInfo{ID: resp.GroupID, Name: resp.Subject, Participants: len(resp.Participants)}
	if info.ID == "" {
		info.ID = groupID
	}
	c.infoCache.Set(groupID, info)
	return info, nil
}

type chatHistoryRequest struct {
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
}

type chatHistoryEntry struct {
	IDMessage           string `json:"idMessage"`
	Timestamp           int64  `json:"timestamp"`
	TypeMessage         string `json:"typeMessage"`
	SenderID            string `json:"senderId"`
	SenderName          string `json:"senderName"`
	TextMessage         string `json:"textMessage"`
	ExtendedTextMessage struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
}

// GetChatHistory fetches up to count recent text messages for a chat in
// chronological order. Entries without text are dropped.
func (c *Client) GetChatHistory(ctx context.Context, chatID string, count int) ([]models.Message, error) {
	normalized, err := Normalize(chatID)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = DefaultHistoryCount
	}

	body, err := c.call(ctx, http.MethodPost, endpointGetChatHistory, "", chatHistoryRequest{ChatID: normalized, Count: count})
	if err != nil {
		return nil, err
	}

	var entries []chatHistoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, models.NewGatewayError(models.CodeTransportError, "decode getChatHistory response", err)
	}

	msgs := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		text := e.TextMessage
		if text == "" {
			text = e.ExtendedTextMessage.Text
		}
		if text == "" {
			continue
		}
		msgs = append(msgs, models.Message{
			ID:         e.IDMessage,
			GroupID:    normalized,
			Sender:     e.SenderID,
			SenderName: e.SenderName,
			Body:       text,
			Timestamp:  time.Unix(e.Timestamp, 0).UTC(),
		})
	}

	// The remote returns newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ReceiveNotification fetches the oldest pending webhook notification, or
// nil when the feed is empty.
func (c *Client) ReceiveNotification(ctx context.Context) (*Notification, error) {
	body, err := c.call(ctx, http.MethodGet, endpointReceiveNotification, "", nil)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, models.NewGatewayError(models.CodeTransportError, "decode receiveNotification response", err)
	}
	return &n, nil
}

// DeleteNotification acknowledges a notification so the feed advances past
// it.
func (c *Client) DeleteNotification(ctx context.Context, receiptID int64) error {
	_, err := c.call(ctx, http.MethodDelete, endpointDeleteNotification, strconv.FormatInt(receiptID, 10), nil)
	return err
}

type qrResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// GetQRCode returns the base64 QR payload for linking the instance. The
// remote only serves it while the session is unauthorized.
func (c *Client) GetQRCode(ctx context.Context) (string, error) {
	body, err := c.call(ctx, http.MethodGet, endpointQR, "", nil)
	if err != nil {
		return "", err
	}

	var resp qrResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", models.NewGatewayError(models.CodeTransportError, "decode qr response", err)
	}
	if resp.Type != "qrCode" {
		return "", models.NewGatewayError(models.CodeTransportError, "qr endpoint returned "+resp.Type+": "+resp.Message, nil)
	}
	return resp.Message, nil
}
