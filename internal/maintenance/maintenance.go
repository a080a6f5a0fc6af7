// Package maintenance prunes aged messages on a schedule, optionally
// archiving each pruned batch before deletion.
package maintenance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/robfig/cron/v3"

	"github.com/wadigest/wadigest/internal/models"
)

// Defaults applied by NewRetention when no option overrides them.
const (
	// DefaultRetention is how long messages are kept before pruning.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultSchedule runs the prune nightly, off the delivery hours.
	DefaultSchedule = "30 3 * * *"
)

// archiveTimeLayout names archive files by their run instant.
const archiveTimeLayout = "20060102T150405Z"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Storage is the slice of the store the retention service uses.
type Storage interface {
	MessagesBefore(cutoff time.Time) ([]models.Message, error)
	PruneMessagesBefore(cutoff time.Time) (int, error)
}

// Opts holds configuration for Retention.
type Opts struct {
	Retention  time.Duration
	Schedule   string
	ArchiveDir string
}

// Option modifies retention configuration.
type Option func(*Opts)

// WithRetention overrides how long messages are kept.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) { o.Retention = d }
}

// WithSchedule overrides the cron expression the prune runs on.
func WithSchedule(expr string) Option {
	return func(o *Opts) { o.Schedule = expr }
}

// WithArchiveDir enables archiving pruned batches into dir. Empty disables
// archiving and pruned messages are simply deleted.
func WithArchiveDir(dir string) Option {
	return func(o *Opts) { o.ArchiveDir = dir }
}

// Retention deletes messages older than the retention window. When an
// archive directory is configured, each run writes the doomed batch to a
// zstd-compressed JSONL file first and refuses to prune if that fails.
type Retention struct {
	store Storage
	opts  Opts
	cron  *cron.Cron

	now func() time.Time
}

// NewRetention creates a retention service over store.
func NewRetention(store Storage, options ...Option) (*Retention, error) {
	if store == nil {
		return nil, fmt.Errorf("retention requires a store")
	}

	opts := Opts{
		Retention: DefaultRetention,
		Schedule:  DefaultSchedule,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("retention window must be positive, got %v", opts.Retention)
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.Schedule, err)
	}

	return &Retention{
		store: store,
		opts:  opts,
		now:   time.Now,
	}, nil
}

// Start schedules the prune job. Calling Start more than once has no effect.
func (r *Retention) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(r.opts.Schedule, func() {
		if _, err := r.RunOnce(); err != nil {
			slog.Error("Retention scheduled run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention job: %w", err)
	}
	c.Start()
	r.cron = c
	slog.Info("Retention started", "schedule", r.opts.Schedule, "window", r.opts.Retention, "archive_dir", r.opts.ArchiveDir)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
	slog.Info("Retention stopped")
}

// RunOnce prunes everything older than the retention window and reports how
// many messages were deleted.
func (r *Retention) RunOnce() (int, error) {
	cutoff := r.now().Add(-r.opts.Retention)

	doomed, err := r.store.MessagesBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if len(doomed) == 0 {
		slog.Debug("Retention nothing to prune", "cutoff", cutoff)
		return 0, nil
	}

	if r.opts.ArchiveDir != "" {
		path, err := r.archive(doomed)
		if err != nil {
			// Keep the messages. Pruning without the archive would lose them.
			return 0, fmt.Errorf("archive before prune: %w", err)
		}
		slog.Info("Retention archived batch", "path", path, "messages", len(doomed))
	}

	pruned, err := r.store.PruneMessagesBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	slog.Info("Retention pruned messages", "cutoff", cutoff, "pruned", pruned)
	return pruned, nil
}

// archive writes the batch as one zstd-compressed JSONL file and returns its
// path.
func (r *Retention) archive(msgs []models.Message) (string, error) {
	if err := os.MkdirAll(r.opts.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	name := fmt.Sprintf("messages-%s.jsonl.zst", r.now().UTC().Format(archiveTimeLayout))
	path := filepath.Join(r.opts.ArchiveDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("create zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			zw.Close()
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return path, nil
}
