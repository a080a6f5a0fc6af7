package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/wadigest/wadigest/internal/greenapi"
)

// HandlerFunc processes one notification of a registered webhook type.
type HandlerFunc func(ctx context.Context, n *greenapi.Notification) error

// HandlerRegistry maps webhook type names to handler functions.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a webhook type, replacing any previous one.
func (r *HandlerRegistry) Register(typeWebhook string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeWebhook] = handler
	slog.Debug("HandlerRegistry registered handler", "type", typeWebhook)
}

// IsRegistered reports whether a handler exists for the webhook type.
func (r *HandlerRegistry) IsRegistered(typeWebhook string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typeWebhook]
	return ok
}

// RegisteredTypes returns the registered webhook types in sorted order.
func (r *HandlerRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch routes the notification to the handler registered for its webhook
// type and reports whether one was found. A missing handler is not an error;
// the caller decides what to do with unhandled types.
func (r *HandlerRegistry) Dispatch(ctx context.Context, n *greenapi.Notification) (bool, error) {
	r.mu.RLock()
	handler, ok := r.handlers[n.Body.TypeWebhook]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, handler(ctx, n)
}
