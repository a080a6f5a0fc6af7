// Package ingest drains the gateway notification feed into local state.
//
// A single worker polls receiveNotification, routes each event through a
// handler registry keyed by webhook type, and acknowledges the receipt so
// the feed advances. Incoming group text messages are persisted for later
// digests; instance state changes update the stored gateway status and are
// forwarded to an observer; everything else is acknowledged and dropped.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wadigest/wadigest/internal/greenapi"
	"github.com/wadigest/wadigest/internal/models"
)

// Defaults applied by NewWorker when no option overrides them.
const (
	// DefaultIdleDelay is the wait between polls while the feed is empty.
	DefaultIdleDelay = 5 * time.Second
	// DefaultErrorDelay is the wait after a failed poll or acknowledgement.
	DefaultErrorDelay = 15 * time.Second
)

// Source is the slice of the gateway client the worker polls.
type Source interface {
	ReceiveNotification(ctx context.Context) (*greenapi.Notification, error)
	DeleteNotification(ctx context.Context, receiptID int64) error
}

// Storage is the slice of the store the worker writes into.
type Storage interface {
	SaveMessage(msg models.Message) error
	SaveStatus(status models.GatewayStatus) error
}

// StateObserver is notified of every gateway status snapshot the worker
// records, in arrival order.
type StateObserver interface {
	Observe(ctx context.Context, status models.GatewayStatus)
}

// Opts holds configuration for Worker.
type Opts struct {
	IdleDelay  time.Duration
	ErrorDelay time.Duration
	Observer   StateObserver
}

// Option modifies worker configuration.
type Option func(*Opts)

// WithIdleDelay overrides the wait between polls while the feed is empty.
func WithIdleDelay(d time.Duration) Option {
	return func(o *Opts) { o.IdleDelay = d }
}

// WithErrorDelay overrides the wait after a failed poll.
func WithErrorDelay(d time.Duration) Option {
	return func(o *Opts) { o.ErrorDelay = d }
}

// WithStateObserver registers an observer for gateway status snapshots.
func WithStateObserver(obs StateObserver) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Worker drains the notification feed. Polling is adaptive: the next poll
// follows immediately while the feed yields receipts and backs off to the
// idle delay once it runs dry.
type Worker struct {
	source   Source
	store    Storage
	registry *HandlerRegistry
	opts     Opts

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool

	now func() time.Time
}

// NewWorker creates a worker polling source and writing into store. The
// registry starts out handling incoming messages and instance state changes;
// additional webhook types can be registered through Registry before Start.
func NewWorker(source Source, store Storage, options ...Option) (*Worker, error) {
	if source == nil {
		return nil, fmt.Errorf("ingest worker requires a notification source")
	}
	if store == nil {
		return nil, fmt.Errorf("ingest worker requires a store")
	}

	opts := Opts{
		IdleDelay:  DefaultIdleDelay,
		ErrorDelay: DefaultErrorDelay,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.IdleDelay <= 0 {
		return nil, fmt.Errorf("idle delay must be positive, got %v", opts.IdleDelay)
	}
	if opts.ErrorDelay <= 0 {
		return nil, fmt.Errorf("error delay must be positive, got %v", opts.ErrorDelay)
	}

	w := &Worker{
		source:   source,
		store:    store,
		registry: NewHandlerRegistry(),
		opts:     opts,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	w.registry.Register(greenapi.WebhookIncomingMessage, w.handleIncomingMessage)
	w.registry.Register(greenapi.WebhookStateInstance, w.handleStateChange)
	return w, nil
}

// Registry returns the worker's handler registry.
func (w *Worker) Registry() *HandlerRegistry {
	return w.registry
}

// Start launches the polling loop. Calling Start more than once has no effect.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	slog.Info("Ingest worker started", "idle_delay", w.opts.IdleDelay)
}

// Stop halts the polling loop, cancelling any in-flight poll, and waits for
// it to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	slog.Info("Ingest worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.done
		cancel()
	}()

	for {
		delay := w.pollOnce(ctx)
		if delay <= 0 {
			select {
			case <-w.done:
				return
			default:
				continue
			}
		}
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
	}
}

// pollOnce fetches and processes at most one notification. It returns how
// long to wait before the next poll; zero means the feed may hold more.
func (w *Worker) pollOnce(ctx context.Context) time.Duration {
	n, err := w.source.ReceiveNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return w.opts.ErrorDelay
		}
		if models.ClassOf(err) == models.ClassAuthorization {
			// The feed itself rejected the credentials. A state change
			// webhook will not arrive while polling is broken, so record
			// the loss from here.
			w.recordStatus(ctx, models.GatewayStatus{State: models.InstanceNotAuthorized, CheckedAt: w.now()})
		}
		slog.Warn("Worker poll failed", "error", err)
		return w.opts.ErrorDelay
	}
	if n == nil {
		return w.opts.IdleDelay
	}

	handled, err := w.registry.Dispatch(ctx, n)
	switch {
	case err != nil:
		slog.Error("Worker handler failed", "type", n.Body.TypeWebhook, "receipt_id", n.ReceiptID, "error", err)
	case !handled:
		slog.Debug("Worker dropping unhandled notification", "type", n.Body.TypeWebhook, "receipt_id", n.ReceiptID)
	}

	// Acknowledge regardless of the handler outcome. An unacknowledged
	// receipt would pin the feed on the same notification forever.
	if err := w.source.DeleteNotification(ctx, n.ReceiptID); err != nil {
		if ctx.Err() == nil {
			slog.Warn("Worker failed to acknowledge notification", "receipt_id", n.ReceiptID, "error", err)
		}
		return w.opts.ErrorDelay
	}
	return 0
}

// handleIncomingMessage persists inbound group text messages. Direct chats
// and non-text payloads are dropped.
func (w *Worker) handleIncomingMessage(_ context.Context, n *greenapi.Notification) error {
	chatID := n.Body.SenderData.ChatID
	if !greenapi.IsGroupID(chatID) {
		slog.Debug("Worker ignoring direct chat message", "chat_id", chatID)
		return nil
	}
	msg := n.Message()
	if strings.TrimSpace(msg.Body) == "" {
		slog.Debug("Worker ignoring non-text message", "chat_id", chatID, "message_type", n.Body.MessageData.TypeMessage)
		return nil
	}
	if err := w.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	slog.Debug("Worker stored group message", "chat_id", chatID, "message_id", msg.ID, "sender", msg.Sender)
	return nil
}

// handleStateChange records the announced instance state.
func (w *Worker) handleStateChange(ctx context.Context, n *greenapi.Notification) error {
	checked := w.now()
	if n.Body.Timestamp > 0 {
		checked = time.Unix(n.Body.Timestamp, 0).UTC()
	}
	status := models.GatewayStatus{
		State:     models.InstanceState(n.Body.StateInstance),
		CheckedAt: checked,
	}
	slog.Info("Worker instance state changed", "state", status.State)
	w.recordStatus(ctx, status)
	return nil
}

// recordStatus persists the snapshot and forwards it to the observer.
func (w *Worker) recordStatus(ctx context.Context, status models.GatewayStatus) {
	if err := w.store.SaveStatus(status); err != nil {
		slog.Warn("Worker failed to record gateway status", "state", status.State, "error", err)
	}
	if w.opts.Observer != nil {
		w.opts.Observer.Observe(ctx, status)
	}
}
