package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wadigest/wadigest/internal/models"
)

// DefaultDebounce is the settle time after a filesystem event before the
// groups file is reloaded, so a reload never reads a half-written file.
const DefaultDebounce = 250 * time.Millisecond

// GroupsWatcher reloads the groups file when it changes on disk and hands
// the parsed configs to the apply callback. Reloads are debounced and
// skipped when the content hash is unchanged. A file that fails to parse
// is rejected with a warning; the previously applied configs stay in
// effect.
//
// The watcher does not perform an initial load. Callers load the file once
// themselves before Start and use the watcher for changes only.
type GroupsWatcher struct {
	path     string
	apply    func([]models.GroupConfig)
	debounce time.Duration

	mu      sync.Mutex
	lastSum [sha256.Size]byte
	started bool
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewGroupsWatcher creates a watcher for the groups file at path. The
// apply callback runs on the watcher goroutine and must not block.
func NewGroupsWatcher(path string, apply func([]models.GroupConfig)) (*GroupsWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("groups watcher requires a file path")
	}
	if apply == nil {
		return nil, fmt.Errorf("groups watcher requires an apply callback")
	}
	return &GroupsWatcher{
		path:     path,
		apply:    apply,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the groups file directory. Watching the directory
// rather than the file keeps the watch alive across the rename-and-replace
// saves editors and atomic writers perform. Start is a no-op when the
// watcher is already running or stopped.
func (w *GroupsWatcher) Start() error {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create groups watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	// Prime the hash with the current content so the version the caller
	// already loaded does not trigger a redundant apply.
	if data, err := os.ReadFile(w.path); err == nil {
		w.mu.Lock()
		w.lastSum = sha256.Sum256(data)
		w.mu.Unlock()
	}

	w.wg.Add(1)
	go w.loop(fsw)
	slog.Info("GroupsWatcher started", "path", w.path)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *GroupsWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	slog.Info("GroupsWatcher stopped", "path", w.path)
}

func (w *GroupsWatcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	base := filepath.Base(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				slog.Error("GroupsWatcher event stream closed", "path", w.path)
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			slog.Debug("GroupsWatcher change detected", "path", w.path, "op", ev.Op.String())
			pending = time.After(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				slog.Error("GroupsWatcher error stream closed", "path", w.path)
				return
			}
			slog.Warn("GroupsWatcher watch error", "path", w.path, "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *GroupsWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("GroupsWatcher cannot read groups file", "path", w.path, "error", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := sum == w.lastSum
	w.mu.Unlock()
	if unchanged {
		slog.Debug("GroupsWatcher content unchanged, skipping reload", "path", w.path)
		return
	}

	configs, err := ParseGroupsFile(data)
	if err != nil {
		// The hash is left alone so a revert to the last good content
		// is recognized as unchanged.
		slog.Warn("GroupsWatcher rejecting groups file", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()

	slog.Info("GroupsWatcher applying reloaded groups", "path", w.path, "groups", len(configs))
	w.apply(configs)
}
