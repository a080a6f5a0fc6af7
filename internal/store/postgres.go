// Package store provides storage backends for wadigest.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/wadigest/wadigest/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL at the DSN and applies
// migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("PostgresStore opened")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UpsertGroupConfig(cfg models.GroupConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO group_configs
		(group_id, name, target_id, cadence_kind, cadence_at, cadence_weekday, cadence_expr, cadence_location, enabled, test_mode, min_messages, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (group_id) DO UPDATE SET
			name = EXCLUDED.name,
			target_id = EXCLUDED.target_id,
			cadence_kind = EXCLUDED.cadence_kind,
			cadence_at = EXCLUDED.cadence_at,
			cadence_weekday = EXCLUDED.cadence_weekday,
			cadence_expr = EXCLUDED.cadence_expr,
			cadence_location = EXCLUDED.cadence_location,
			enabled = EXCLUDED.enabled,
			test_mode = EXCLUDED.test_mode,
			min_messages = EXCLUDED.min_messages,
			updated_at = EXCLUDED.updated_at`,
		cfg.GroupID, cfg.Name, cfg.TargetID, string(cfg.Cadence.Kind), cfg.Cadence.At,
		int(cfg.Cadence.Weekday), cfg.Cadence.Expr, cfg.Cadence.Location,
		cfg.Enabled, cfg.TestMode, cfg.MinMessages, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore UpsertGroupConfig failed", "error", err, "groupID", cfg.GroupID)
		return fmt.Errorf("failed to upsert group config %s: %w", cfg.GroupID, err)
	}
	return nil
}

func (s *PostgresStore) GetGroupConfig(groupID string) (*models.GroupConfig, error) {
	row := s.db.QueryRow(`SELECT `+groupConfigColumns+` FROM group_configs WHERE group_id = $1`, groupID)
	cfg, err := scanGroupConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetGroupConfig failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to get group config %s: %w", groupID, err)
	}
	return &cfg, nil
}

func (s *PostgresStore) listGroupConfigs(where string) ([]models.GroupConfig, error) {
	rows, err := s.db.Query(`SELECT ` + groupConfigColumns + ` FROM group_configs ` + where + ` ORDER BY group_id`)
	if err != nil {
		slog.Error("PostgresStore group config query failed", "error", err)
		return nil, fmt.Errorf("failed to query group configs: %w", err)
	}
	defer rows.Close()

	var configs []models.GroupConfig
	for rows.Next() {
		cfg, err := scanGroupConfig(rows)
		if err != nil {
			slog.Error("PostgresStore group config scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan group config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group config rows: %w", err)
	}
	return configs, nil
}

func (s *PostgresStore) ListGroupConfigs() ([]models.GroupConfig, error) {
	return s.listGroupConfigs("")
}

func (s *PostgresStore) ListEnabledGroups() ([]models.GroupConfig, error) {
	return s.listGroupConfigs("WHERE enabled = TRUE")
}

func (s *PostgresStore) DeleteGroupConfig(groupID string) error {
	_, err := s.db.Exec(`DELETE FROM group_configs WHERE group_id = $1`, groupID)
	if err != nil {
		slog.Error("PostgresStore DeleteGroupConfig failed", "error", err, "groupID", groupID)
		return fmt.Errorf("failed to delete group config %s: %w", groupID, err)
	}
	return nil
}

func (s *PostgresStore) SaveMessage(msg models.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, group_id, sender, sender_name, body, timestamp, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.GroupID, msg.Sender, msg.SenderName, msg.Body, msg.Timestamp.UTC(), msg.Processed)
	if err != nil {
		slog.Error("PostgresStore SaveMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PostgresStore) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore message query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.Sender, &msg.SenderName, &msg.Body, &msg.Timestamp, &msg.Processed); err != nil {
			slog.Error("PostgresStore message scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) MessagesSince(groupID string, since time.Time) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE group_id = $1 AND timestamp >= $2 ORDER BY timestamp`,
		groupID, since.UTC())
}

func (s *PostgresStore) MessagesBefore(cutoff time.Time) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE timestamp < $1 ORDER BY timestamp`,
		cutoff.UTC())
}

func (s *PostgresStore) MarkProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(`UPDATE messages SET processed = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		slog.Error("PostgresStore MarkProcessed failed", "error", err, "count", len(ids))
		return fmt.Errorf("failed to mark messages processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneMessagesBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		slog.Error("PostgresStore PruneMessagesBefore failed", "error", err)
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) SaveSummary(summary models.Summary) error {
	var sentAt any
	if summary.SentAt != nil {
		sentAt = summary.SentAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO summaries (id, group_id, body, message_count, window_start, window_end, sent, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			body = EXCLUDED.body,
			message_count = EXCLUDED.message_count,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			sent = EXCLUDED.sent,
			sent_at = EXCLUDED.sent_at`,
		summary.ID, summary.GroupID, summary.Body, summary.MessageCount,
		summary.WindowStart.UTC(), summary.WindowEnd.UTC(), summary.Sent, sentAt, summary.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore SaveSummary failed", "error", err, "id", summary.ID)
		return fmt.Errorf("failed to insert summary %s: %w", summary.ID, err)
	}
	return nil
}

func (s *PostgresStore) MarkSummarySent(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE summaries SET sent = TRUE, sent_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		slog.Error("PostgresStore MarkSummarySent failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark summary %s sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListSummaries(groupID string, limit int) ([]models.Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE group_id = $1 ORDER BY created_at DESC`
	args := []any{groupID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListSummaries query failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.Summary
	for rows.Next() {
		var summary models.Summary
		var sentAt sql.NullTime
		if err := rows.Scan(&summary.ID, &summary.GroupID, &summary.Body, &summary.MessageCount,
			&summary.WindowStart, &summary.WindowEnd, &summary.Sent, &sentAt, &summary.CreatedAt); err != nil {
			slog.Error("PostgresStore ListSummaries scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time.UTC()
			summary.SentAt = &t
		}
		summary.WindowStart = summary.WindowStart.UTC()
		summary.WindowEnd = summary.WindowEnd.UTC()
		summary.CreatedAt = summary.CreatedAt.UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}
	return summaries, nil
}

func (s *PostgresStore) LatestSummary(groupID string) (*models.Summary, error) {
	summaries, err := s.ListSummaries(groupID, 1)
	if err != nil || len(summaries) == 0 {
		return nil, err
	}
	return &summaries[0], nil
}

func (s *PostgresStore) SaveStatus(status models.GatewayStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO gateway_status (id, state, checked_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, checked_at = EXCLUDED.checked_at`,
		string(status.State), status.CheckedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore SaveStatus failed", "error", err)
		return fmt.Errorf("failed to save gateway status: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestStatus() (*models.GatewayStatus, error) {
	row := s.db.QueryRow(`SELECT state, checked_at FROM gateway_status WHERE id = 1`)
	var status models.GatewayStatus
	var state string
	err := row.Scan(&state, &status.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LatestStatus failed", "error", err)
		return nil, fmt.Errorf("failed to get gateway status: %w", err)
	}
	status.State = models.InstanceState(state)
	status.CheckedAt = status.CheckedAt.UTC()
	return &status, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
