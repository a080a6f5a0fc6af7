// Package store provides storage backends for wadigest.
//
// This file defines the Store interface, backend selection by DSN, and the
// in-memory implementation used for tests and ephemeral deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wadigest/wadigest/internal/models"
)

// Store persists group schedule configs, captured group messages, produced
// summaries, and gateway status snapshots. Implementations must be safe
// for concurrent use.
type Store interface {
	// UpsertGroupConfig inserts or replaces the config keyed by group ID.
	UpsertGroupConfig(cfg models.GroupConfig) error

	// GetGroupConfig returns the config for a group, or nil when absent.
	GetGroupConfig(groupID string) (*models.GroupConfig, error)

	// ListGroupConfigs returns every stored config ordered by group ID.
	ListGroupConfigs() ([]models.GroupConfig, error)

	// ListEnabledGroups returns the configs with delivery enabled.
	ListEnabledGroups() ([]models.GroupConfig, error)

	// DeleteGroupConfig removes a config. Deleting an absent group is not
	// an error.
	DeleteGroupConfig(groupID string) error

	// SaveMessage stores a captured message. The remote message ID is the
	// deduplication key; saving an already-stored ID is a no-op.
	SaveMessage(msg models.Message) error

	// MessagesSince returns a group's messages with timestamps at or
	// after since, in chronological order.
	MessagesSince(groupID string, since time.Time) ([]models.Message, error)

	// MessagesBefore returns all messages older than cutoff across
	// groups, for archival.
	MessagesBefore(cutoff time.Time) ([]models.Message, error)

	// MarkProcessed flags messages as folded into a summary.
	MarkProcessed(ids []string) error

	// PruneMessagesBefore deletes messages older than cutoff and reports
	// how many were removed.
	PruneMessagesBefore(cutoff time.Time) (int, error)

	// SaveSummary inserts or replaces a summary keyed by its ID.
	SaveSummary(summary models.Summary) error

	// MarkSummarySent records the delivery time of a summary.
	MarkSummarySent(id string, at time.Time) error

	// LatestSummary returns a group's most recently created summary, or
	// nil when the group has none.
	LatestSummary(groupID string) (*models.Summary, error)

	// ListSummaries returns a group's summaries newest first, at most
	// limit entries. limit <= 0 means no bound.
	ListSummaries(groupID string, limit int) ([]models.Summary, error)

	// SaveStatus records a gateway status snapshot.
	SaveStatus(status models.GatewayStatus) error

	// LatestStatus returns the most recent status snapshot, or nil if
	// none was recorded yet.
	LatestStatus() (*models.GatewayStatus, error)

	// Close releases the backend's resources.
	Close() error
}

// Opts holds store configuration.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the backend DSN.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite file path DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisDSN sets a Redis URL DSN.
func WithRedisDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSNType identifies which backend a DSN selects.
type DSNType string

const (
	DSNTypeMemory   DSNType = "memory"
	DSNTypeSQLite   DSNType = "sqlite"
	DSNTypePostgres DSNType = "postgres"
	DSNTypeRedis    DSNType = "redis"
)

// DetectDSNType infers the backend from the DSN shape: empty or the
// literal "memory" selects the in-memory store, postgres:// or key=value
// strings select PostgreSQL, redis:// selects Redis, anything else is
// treated as a SQLite file path.
func DetectDSNType(dsn string) DSNType {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory" || dsn == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host="):
		return DSNTypePostgres
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return DSNTypeRedis
	default:
		return DSNTypeSQLite
	}
}

// NewStore builds the backend the DSN selects.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		return NewPostgresStore(WithDSN(cfg.DSN))
	case DSNTypeRedis:
		return NewRedisStore(WithDSN(cfg.DSN))
	default:
		return NewSQLiteStore(WithDSN(cfg.DSN))
	}
}

// InMemoryStore keeps everything in maps. It backs tests and one-shot
// runs; nothing survives a restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	groups    map[string]models.GroupConfig
	messages  map[string]models.Message
	summaries map[string]models.Summary
	status    *models.GatewayStatus
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups:    make(map[string]models.GroupConfig),
		messages:  make(map[string]models.Message),
		summaries: make(map[string]models.Summary),
	}
}

func (s *InMemoryStore) UpsertGroupConfig(cfg models.GroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[cfg.GroupID] = cfg
	return nil
}

func (s *InMemoryStore) GetGroupConfig(groupID string) (*models.GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *InMemoryStore) ListGroupConfigs() ([]models.GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	configs := make([]models.GroupConfig, 0, len(s.groups))
	for _, cfg := range s.groups {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].GroupID < configs[j].GroupID })
	return configs, nil
}

func (s *InMemoryStore) ListEnabledGroups() ([]models.GroupConfig, error) {
	all, err := s.ListGroupConfigs()
	if err != nil {
		return nil, err
	}
	enabled := make([]models.GroupConfig, 0, len(all))
	for _, cfg := range all {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	return enabled, nil
}

func (s *InMemoryStore) DeleteGroupConfig(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	return nil
}

func (s *InMemoryStore) SaveMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return nil
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) MessagesSince(groupID string, since time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, msg := range s.messages {
		if msg.GroupID == groupID && !msg.Timestamp.Before(since) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) MessagesBefore(cutoff time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, msg := range s.messages {
		if msg.Timestamp.Before(cutoff) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) MarkProcessed(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			msg.Processed = true
			s.messages[id] = msg
		}
	}
	return nil
}

func (s *InMemoryStore) PruneMessagesBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, msg := range s.messages {
		if msg.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) SaveSummary(summary models.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.ID] = summary
	return nil
}

func (s *InMemoryStore) MarkSummarySent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[id]
	if !ok {
		return nil
	}
	summary.Sent = true
	summary.SentAt = &at
	s.summaries[id] = summary
	return nil
}

func (s *InMemoryStore) LatestSummary(groupID string) (*models.Summary, error) {
	summaries, err := s.ListSummaries(groupID, 1)
	if err != nil || len(summaries) == 0 {
		return nil, err
	}
	return &summaries[0], nil
}

func (s *InMemoryStore) ListSummaries(groupID string, limit int) ([]models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Summary
	for _, summary := range s.summaries {
		if summary.GroupID == groupID {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) SaveStatus(status models.GatewayStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
	return nil
}

func (s *InMemoryStore) LatestStatus() (*models.GatewayStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return nil, nil
	}
	st := *s.status
	return &st, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
