// Package store provides storage backends for wadigest.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wadigest/wadigest/internal/models"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at the DSN
// path and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("SQLiteStore opened", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertGroupConfig(cfg models.GroupConfig) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO group_configs
		(group_id, name, target_id, cadence_kind, cadence_at, cadence_weekday, cadence_expr, cadence_location, enabled, test_mode, min_messages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.GroupID, cfg.Name, cfg.TargetID, string(cfg.Cadence.Kind), cfg.Cadence.At,
		int(cfg.Cadence.Weekday), cfg.Cadence.Expr, cfg.Cadence.Location,
		cfg.Enabled, cfg.TestMode, cfg.MinMessages, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore UpsertGroupConfig failed", "error", err, "groupID", cfg.GroupID)
		return fmt.Errorf("failed to upsert group config %s: %w", cfg.GroupID, err)
	}
	slog.Debug("SQLiteStore UpsertGroupConfig succeeded", "groupID", cfg.GroupID)
	return nil
}

const groupConfigColumns = `group_id, name, target_id, cadence_kind, cadence_at, cadence_weekday, cadence_expr, cadence_location, enabled, test_mode, min_messages`

func scanGroupConfig(scanner interface {
	Scan(dest ...any) error
}) (models.GroupConfig, error) {
	var cfg models.GroupConfig
	var kind string
	var weekday int
	err := scanner.Scan(&cfg.GroupID, &cfg.Name, &cfg.TargetID, &kind, &cfg.Cadence.At,
		&weekday, &cfg.Cadence.Expr, &cfg.Cadence.Location,
		&cfg.Enabled, &cfg.TestMode, &cfg.MinMessages)
	if err != nil {
		return cfg, err
	}
	cfg.Cadence.Kind = models.CadenceKind(kind)
	cfg.Cadence.Weekday = time.Weekday(weekday)
	return cfg, nil
}

func (s *SQLiteStore) GetGroupConfig(groupID string) (*models.GroupConfig, error) {
	row := s.db.QueryRow(`SELECT `+groupConfigColumns+` FROM group_configs WHERE group_id = ?`, groupID)
	cfg, err := scanGroupConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetGroupConfig failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to get group config %s: %w", groupID, err)
	}
	return &cfg, nil
}

func (s *SQLiteStore) listGroupConfigs(where string, args ...any) ([]models.GroupConfig, error) {
	rows, err := s.db.Query(`SELECT `+groupConfigColumns+` FROM group_configs `+where+` ORDER BY group_id`, args...)
	if err != nil {
		slog.Error("SQLiteStore group config query failed", "error", err)
		return nil, fmt.Errorf("failed to query group configs: %w", err)
	}
	defer rows.Close()

	var configs []models.GroupConfig
	for rows.Next() {
		cfg, err := scanGroupConfig(rows)
		if err != nil {
			slog.Error("SQLiteStore group config scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan group config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group config rows: %w", err)
	}
	return configs, nil
}

func (s *SQLiteStore) ListGroupConfigs() ([]models.GroupConfig, error) {
	return s.listGroupConfigs("")
}

func (s *SQLiteStore) ListEnabledGroups() ([]models.GroupConfig, error) {
	return s.listGroupConfigs("WHERE enabled = 1")
}

func (s *SQLiteStore) DeleteGroupConfig(groupID string) error {
	_, err := s.db.Exec(`DELETE FROM group_configs WHERE group_id = ?`, groupID)
	if err != nil {
		slog.Error("SQLiteStore DeleteGroupConfig failed", "error", err, "groupID", groupID)
		return fmt.Errorf("failed to delete group config %s: %w", groupID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(msg models.Message) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, group_id, sender, sender_name, body, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.GroupID, msg.Sender, msg.SenderName, msg.Body, msg.Timestamp.UTC(), msg.Processed)
	if err != nil {
		slog.Error("SQLiteStore SaveMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

const messageColumns = `id, group_id, sender, sender_name, body, timestamp, processed`

func (s *SQLiteStore) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore message query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.GroupID, &msg.Sender, &msg.SenderName, &msg.Body, &msg.Timestamp, &msg.Processed); err != nil {
			slog.Error("SQLiteStore message scan failed", "error", err)
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

func (s *SQLiteStore) MessagesSince(groupID string, since time.Time) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE group_id = ? AND timestamp >= ? ORDER BY timestamp`,
		groupID, since.UTC())
}

func (s *SQLiteStore) MessagesBefore(cutoff time.Time) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE timestamp < ? ORDER BY timestamp`,
		cutoff.UTC())
}

func (s *SQLiteStore) MarkProcessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET processed = 1 WHERE id = ?`, id); err != nil {
			tx.Rollback()
			slog.Error("SQLiteStore MarkProcessed failed", "error", err, "id", id)
			return fmt.Errorf("failed to mark message %s processed: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PruneMessagesBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		slog.Error("SQLiteStore PruneMessagesBefore failed", "error", err)
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore PruneMessagesBefore succeeded", "removed", affected)
	return int(affected), nil
}

func (s *SQLiteStore) SaveSummary(summary models.Summary) error {
	var sentAt any
	if summary.SentAt != nil {
		sentAt = summary.SentAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO summaries (id, group_id, body, message_count, window_start, window_end, sent, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.GroupID, summary.Body, summary.MessageCount,
		summary.WindowStart.UTC(), summary.WindowEnd.UTC(), summary.Sent, sentAt, summary.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveSummary failed", "error", err, "id", summary.ID)
		return fmt.Errorf("failed to insert summary %s: %w", summary.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkSummarySent(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE summaries SET sent = 1, sent_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		slog.Error("SQLiteStore MarkSummarySent failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark summary %s sent: %w", id, err)
	}
	return nil
}

const summaryColumns = `id, group_id, body, message_count, window_start, window_end, sent, sent_at, created_at`

func (s *SQLiteStore) ListSummaries(groupID string, limit int) ([]models.Summary, error) {
	query := `SELECT ` + summaryColumns + ` FROM summaries WHERE group_id = ? ORDER BY created_at DESC`
	args := []any{groupID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListSummaries query failed", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.Summary
	for rows.Next() {
		var summary models.Summary
		var sentAt sql.NullTime
		if err := rows.Scan(&summary.ID, &summary.GroupID, &summary.Body, &summary.MessageCount,
			&summary.WindowStart, &summary.WindowEnd, &summary.Sent, &sentAt, &summary.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListSummaries scan failed", "error", err)
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

func (s *SQLiteStore) LatestSummary(groupID string) (*models.Summary, error) {
	summaries, err := s.ListSummaries(groupID, 1)
	if err != nil || len(summaries) == 0 {
		return nil, err
	}
	return &summaries[0], nil
}

func (s *SQLiteStore) SaveStatus(status models.GatewayStatus) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO gateway_status (id, state, checked_at) VALUES (1, ?, ?)`,
		string(status.State), status.CheckedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveStatus failed", "error", err)
		return fmt.Errorf("failed to save gateway status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestStatus() (*models.GatewayStatus, error) {
	row := s.db.QueryRow(`SELECT state, checked_at FROM gateway_status WHERE id = 1`)
	var status models.GatewayStatus
	var state string
	err := row.Scan(&state, &status.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LatestStatus failed", "error", err)
		return nil, fmt.Errorf("failed to get gateway status: %w", err)
	}
	status.State = models.InstanceState(state)
	status.CheckedAt = status.CheckedAt.UTC()
	return &status, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
