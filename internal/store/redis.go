// Package store provides storage backends for wadigest.
//
// This file implements the Redis-backed store. Messages and summaries are
// JSON blobs indexed by sorted sets scored on their timestamps, so range
// queries match the SQL backends at millisecond precision.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wadigest/wadigest/internal/models"
)

// Redis key layout.
const (
	redisKeyGroups       = "wadigest:groups"
	redisKeyMessage      = "wadigest:message:"
	redisKeyMessageIndex = "wadigest:msgidx:"
	redisKeyMessageSets  = "wadigest:msggroups"
	redisKeySummary      = "wadigest:summary:"
	redisKeySummaryIndex = "wadigest:sumidx:"
	redisKeyStatus       = "wadigest:status"
)

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at the DSN (redis:// URL form).
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("RedisStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	opt, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		slog.Error("Failed to parse Redis DSN", "error", err)
		return nil, fmt.Errorf("failed to parse redis DSN: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Debug("RedisStore opened", "addr", opt.Addr)
	return &RedisStore{client: client}, nil
}

// tsScore maps a timestamp onto a sorted-set score. Milliseconds keep the
// value integral, which float64 scores represent exactly.
func tsScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) UpsertGroupConfig(cfg models.GroupConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode group config %s: %w", cfg.GroupID, err)
	}
	if err := s.client.HSet(context.Background(), redisKeyGroups, cfg.GroupID, raw).Err(); err != nil {
		slog.Error("RedisStore UpsertGroupConfig failed", "error", err, "groupID", cfg.GroupID)
		return fmt.Errorf("failed to upsert group config %s: %w", cfg.GroupID, err)
	}
	return nil
}

func (s *RedisStore) GetGroupConfig(groupID string) (*models.GroupConfig, error) {
	raw, err := s.client.HGet(context.Background(), redisKeyGroups, groupID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetGroupConfig failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to get group config %s: %w", groupID, err)
	}
	var cfg models.GroupConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode group config %s: %w", groupID, err)
	}
	return &cfg, nil
}

func (s *RedisStore) ListGroupConfigs() ([]models.GroupConfig, error) {
	entries, err := s.client.HGetAll(context.Background(), redisKeyGroups).Result()
	if err != nil {
		slog.Error("RedisStore ListGroupConfigs failed", "error", err)
		return nil, fmt.Errorf("failed to list group configs: %w", err)
	}
	configs := make([]models.GroupConfig, 0, len(entries))
	for groupID, raw := range entries {
		var cfg models.GroupConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode group config %s: %w", groupID, err)
		}
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].GroupID < configs[j].GroupID })
	return configs, nil
}

func (s *RedisStore) ListEnabledGroups() ([]models.GroupConfig, error) {
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

func (s *RedisStore) DeleteGroupConfig(groupID string) error {
	if err := s.client.HDel(context.Background(), redisKeyGroups, groupID).Err(); err != nil {
		slog.Error("RedisStore DeleteGroupConfig failed", "error", err, "groupID", groupID)
		return fmt.Errorf("failed to delete group config %s: %w", groupID, err)
	}
	return nil
}

func (s *RedisStore) SaveMessage(msg models.Message) error {
	ctx := context.Background()
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	created, err := s.client.SetNX(ctx, redisKeyMessage+msg.ID, raw, 0).Result()
	if err != nil {
		slog.Error("RedisStore SaveMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if !created {
		return nil
	}

	if err := s.client.ZAdd(ctx, redisKeyMessageIndex+msg.GroupID, redis.Z{
		Score:  tsScore(msg.Timestamp),
		Member: msg.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index message %s: %w", msg.ID, err)
	}
	if err := s.client.SAdd(ctx, redisKeyMessageSets, msg.GroupID).Err(); err != nil {
		return fmt.Errorf("failed to register message group %s: %w", msg.GroupID, err)
	}
	return nil
}

func (s *RedisStore) fetchMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, redisKeyMessage+id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) MessagesSince(groupID string, since time.Time) ([]models.Message, error) {
	ctx := context.Background()
	ids, err := s.client.ZRangeByScore(ctx, redisKeyMessageIndex+groupID, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		slog.Error("RedisStore MessagesSince failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return s.fetchMessages(ctx, ids)
}

func (s *RedisStore) MessagesBefore(cutoff time.Time) ([]models.Message, error) {
	ctx := context.Background()
	groups, err := s.client.SMembers(ctx, redisKeyMessageSets).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list message groups: %w", err)
	}

	var all []models.Message
	for _, groupID := range groups {
		ids, err := s.client.ZRangeByScore(ctx, redisKeyMessageIndex+groupID, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query messages for %s: %w", groupID, err)
		}
		msgs, err := s.fetchMessages(ctx, ids)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}

func (s *RedisStore) MarkProcessed(ids []string) error {
	ctx := context.Background()
	for _, id := range ids {
		raw, err := s.client.Get(ctx, redisKeyMessage+id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to get message %s: %w", id, err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		msg.Processed = true
		updated, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", id, err)
		}
		if err := s.client.Set(ctx, redisKeyMessage+id, updated, 0).Err(); err != nil {
			return fmt.Errorf("failed to update message %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) PruneMessagesBefore(cutoff time.Time) (int, error) {
	ctx := context.Background()
	groups, err := s.client.SMembers(ctx, redisKeyMessageSets).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list message groups: %w", err)
	}

	removed := 0
	max := fmt.Sprintf("(%d", cutoff.UnixMilli())
	for _, groupID := range groups {
		index := redisKeyMessageIndex + groupID
		ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to query messages for %s: %w", groupID, err)
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			keys[i] = redisKeyMessage + id
			members[i] = id
		}
		deleted, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete messages for %s: %w", groupID, err)
		}
		if err := s.client.ZRem(ctx, index, members...).Err(); err != nil {
			return removed, fmt.Errorf("failed to unindex messages for %s: %w", groupID, err)
		}
		removed += int(deleted)
	}
	slog.Debug("RedisStore PruneMessagesBefore succeeded", "removed", removed)
	return removed, nil
}

func (s *RedisStore) SaveSummary(summary models.Summary) error {
	ctx := context.Background()
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary %s: %w", summary.ID, err)
	}
	if err := s.client.Set(ctx, redisKeySummary+summary.ID, raw, 0).Err(); err != nil {
		slog.Error("RedisStore SaveSummary failed", "error", err, "id", summary.ID)
		return fmt.Errorf("failed to insert summary %s: %w", summary.ID, err)
	}
	if err := s.client.ZAdd(ctx, redisKeySummaryIndex+summary.GroupID, redis.Z{
		Score:  tsScore(summary.CreatedAt),
		Member: summary.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index summary %s: %w", summary.ID, err)
	}
	return nil
}

func (s *RedisStore) MarkSummarySent(id string, at time.Time) error {
	ctx := context.Background()
	raw, err := s.client.Get(ctx, redisKeySummary+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get summary %s: %w", id, err)
	}
	var summary models.Summary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return fmt.Errorf("failed to decode summary %s: %w", id, err)
	}
	summary.Sent = true
	sentAt := at.UTC()
	summary.SentAt = &sentAt
	updated, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary %s: %w", id, err)
	}
	if err := s.client.Set(ctx, redisKeySummary+id, updated, 0).Err(); err != nil {
		return fmt.Errorf("failed to update summary %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ListSummaries(groupID string, limit int) ([]models.Summary, error) {
	ctx := context.Background()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, redisKeySummaryIndex+groupID, 0, stop).Result()
	if err != nil {
		slog.Error("RedisStore ListSummaries failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}

	summaries := make([]models.Summary, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, redisKeySummary+id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get summary %s: %w", id, err)
		}
		var summary models.Summary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary %s: %w", id, err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *RedisStore) LatestSummary(groupID string) (*models.Summary, error) {
	summaries, err := s.ListSummaries(groupID, 1)
	if err != nil || len(summaries) == 0 {
		return nil, err
	}
	return &summaries[0], nil
}

func (s *RedisStore) SaveStatus(status models.GatewayStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode gateway status: %w", err)
	}
	if err := s.client.Set(context.Background(), redisKeyStatus, raw, 0).Err(); err != nil {
		slog.Error("RedisStore SaveStatus failed", "error", err)
		return fmt.Errorf("failed to save gateway status: %w", err)
	}
	return nil
}

func (s *RedisStore) LatestStatus() (*models.GatewayStatus, error) {
	raw, err := s.client.Get(context.Background(), redisKeyStatus).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore LatestStatus failed", "error", err)
		return nil, fmt.Errorf("failed to get gateway status: %w", err)
	}
	var status models.GatewayStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("failed to decode gateway status: %w", err)
	}
	return &status, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis connection")
	return s.client.Close()
}
