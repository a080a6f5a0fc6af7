package greenapi

import (
	"sync"
	"time"
)

// Default TTLs for the gateway's two cacheable endpoint classes.
const (
	// DefaultStateCacheTTL bounds how long an instance-state check is reused.
	DefaultStateCacheTTL = 15 * time.Second
	// DefaultGroupsCacheTTL bounds how long group listings are reused.
	DefaultGroupsCacheTTL = 5 * time.Minute
)

// cacheEntry pairs a cached value with the time it was recorded.
type cacheEntry[T any] struct {
	value      T
	recordedAt time.Time
}

// ResponseCache memoizes idempotent read responses with a fixed TTL per
// instance. A stale entry reads as a miss and stays in storage; the key
// space is one entry per endpoint/argument combination, so no eviction
// bound is needed. The gateway client is the only writer.
type ResponseCache[T any] struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

// NewResponseCache creates a cache whose entries expire after ttl.
func NewResponseCache[T any](ttl time.Duration) *ResponseCache[T] {
	return &ResponseCache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[T]),
	}
}

// Get returns the cached value for key. An absent entry or one older than
// the TTL is a miss; stale entries are not evicted.
func (c *ResponseCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.recordedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Set records value under key, stamping it with the current time.
func (c *ResponseCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: value, recordedAt: c.now()}
}

// Clear drops all entries. Collaborators use this to force fresh reads
// after configuration changes.
func (c *ResponseCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry[T])
}
