// Package scheduler drives scheduled digest delivery for wadigest.
//
// Each enrolled group carries one task that moves between idle, running and
// retrying states. A single polling loop evaluates every task on a fixed
// interval; due tasks fire concurrently, and all resulting sends funnel
// through the gateway client's internal queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wadigest/wadigest/internal/greenapi"
	"github.com/wadigest/wadigest/internal/models"
)

// Defaults applied by NewDeliveryScheduler when no option overrides them.
const (
	// DefaultPollInterval is how often enrolled tasks are evaluated.
	DefaultPollInterval = time.Minute
	// DefaultLookback bounds the message window when a group has no prior digest.
	DefaultLookback = 24 * time.Hour
	// DefaultMaxConcurrent caps how many due tasks deliver at the same time.
	DefaultMaxConcurrent = 4
	// DefaultDeliveryTimeout bounds one delivery attempt end to end,
	// including queue wait and gateway-side retries.
	DefaultDeliveryTimeout = 2 * time.Minute
)

var (
	// ErrNotEnrolled is returned when a group has no scheduled task.
	ErrNotEnrolled = errors.New("group is not enrolled")
	// ErrDeliveryInFlight is returned when a manual run hits a task that is
	// already delivering.
	ErrDeliveryInFlight = errors.New("delivery already in flight")
)

// Gateway is the slice of the gateway client the scheduler delivers through.
type Gateway interface {
	SendGroupSummary(ctx context.Context, groupID, text string) error
}

// Producer turns a window of stored messages into digest text.
type Producer interface {
	ProduceSummary(ctx context.Context, group models.GroupConfig, messages []models.Message) (string, error)
}

// Storage is the slice of the store the scheduler reads messages from and
// records digests through.
type Storage interface {
	ListEnabledGroups() ([]models.GroupConfig, error)
	MessagesSince(groupID string, since time.Time) ([]models.Message, error)
	MarkProcessed(ids []string) error
	SaveSummary(summary models.Summary) error
	MarkSummarySent(id string, at time.Time) error
	LatestSummary(groupID string) (*models.Summary, error)
}

// Opts holds configuration for DeliveryScheduler.
type Opts struct {
	PollInterval    time.Duration
	Backoff         greenapi.BackoffPolicy
	Lookback        time.Duration
	MaxConcurrent   int
	DeliveryTimeout time.Duration
}

// Option modifies scheduler configuration.
type Option func(*Opts)

// WithPollInterval overrides how often tasks are evaluated.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithBackoff overrides the retry policy applied to failed deliveries.
func WithBackoff(policy greenapi.BackoffPolicy) Option {
	return func(o *Opts) { o.Backoff = policy }
}

// WithLookback overrides the message window used when a group has no prior
// digest.
func WithLookback(d time.Duration) Option {
	return func(o *Opts) { o.Lookback = d }
}

// WithMaxConcurrent overrides the delivery parallelism cap.
func WithMaxConcurrent(n int) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// WithDeliveryTimeout overrides the per-delivery deadline.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DeliveryTimeout = d }
}

// task is the scheduler-owned state for one enrolled group. Tasks are only
// ever mutated under the scheduler mutex.
type task struct {
	cfg        models.GroupConfig
	state      models.TaskState
	nextRun    time.Time
	retryCount int
	lastError  string
	gen        uint64
}

func (t *task) status(groupID string) models.TaskStatus {
	return models.TaskStatus{
		GroupID:    groupID,
		State:      t.state,
		NextRun:    t.nextRun,
		RetryCount: t.retryCount,
		LastError:  t.lastError,
	}
}

// dueTask is the snapshot handed to a firing goroutine. The generation lets
// a settling delivery detect that its task was unenrolled or replaced while
// the delivery was in flight.
type dueTask struct {
	groupID  string
	gen      uint64
	cfg      models.GroupConfig
	retrying bool
}

// DeliveryScheduler owns one scheduled task per enrolled group.
type DeliveryScheduler struct {
	gateway  Gateway
	producer Producer
	store    Storage
	opts     Opts

	mu     sync.Mutex
	tasks  map[string]*task
	genSeq uint64

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool

	now func() time.Time
}

// NewDeliveryScheduler creates a scheduler delivering through gateway with
// digest text from producer and message state in store.
func NewDeliveryScheduler(gateway Gateway, producer Producer, store Storage, options ...Option) (*DeliveryScheduler, error) {
	if gateway == nil {
		return nil, fmt.Errorf("delivery scheduler requires a gateway")
	}
	if producer == nil {
		return nil, fmt.Errorf("delivery scheduler requires a producer")
	}
	if store == nil {
		return nil, fmt.Errorf("delivery scheduler requires a store")
	}

	opts := Opts{
		PollInterval:    DefaultPollInterval,
		Backoff:         greenapi.NewBackoffPolicy(),
		Lookback:        DefaultLookback,
		MaxConcurrent:   DefaultMaxConcurrent,
		DeliveryTimeout: DefaultDeliveryTimeout,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", opts.PollInterval)
	}
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("delivery concurrency must be positive, got %d", opts.MaxConcurrent)
	}

	return &DeliveryScheduler{
		gateway:  gateway,
		producer: producer,
		store:    store,
		opts:     opts,
		tasks:    make(map[string]*task),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start launches the polling loop. Calling Start more than once has no effect.
func (s *DeliveryScheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	slog.Info("Delivery scheduler started", "poll_interval", s.opts.PollInterval)
}

// Stop halts the polling loop and waits for in-flight deliveries to settle.
func (s *DeliveryScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	slog.Info("Delivery scheduler stopped")
}

// Enroll registers a group for scheduled delivery, or adopts a changed
// config for an already enrolled group. Re-enrolling with an unchanged
// config leaves the task, including any retry state, untouched.
func (s *DeliveryScheduler) Enroll(cfg models.GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("enroll %s: %w", cfg.GroupID, err)
	}
	next, err := NextRegularRun(cfg.Cadence, s.now())
	if err != nil {
		return fmt.Errorf("enroll %s: %w", cfg.GroupID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[cfg.GroupID]; ok {
		if existing.cfg == cfg {
			return nil
		}
		if existing.state == models.TaskRunning {
			// The in-flight delivery keeps its snapshot; the new config takes
			// effect when the delivery settles and the next slot is computed.
			existing.cfg = cfg
			slog.Info("DeliveryScheduler adopted config for running task", "group", cfg.GroupID)
			return nil
		}
	}

	s.genSeq++
	s.tasks[cfg.GroupID] = &task{
		cfg:     cfg,
		state:   models.TaskIdle,
		nextRun: next,
		gen:     s.genSeq,
	}
	slog.Info("DeliveryScheduler enrolled group", "group", cfg.GroupID, "next_run", next)
	return nil
}

// Unenroll removes a group's task immediately. An in-flight delivery for the
// group is not aborted; its result is discarded when it settles. Unenrolling
// an unknown group is a no-op.
func (s *DeliveryScheduler) Unenroll(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[groupID]; !ok {
		slog.Debug("DeliveryScheduler unenroll: group not found", "group", groupID)
		return nil
	}
	delete(s.tasks, groupID)
	slog.Info("DeliveryScheduler unenrolled group", "group", groupID)
	return nil
}

// TaskStatus returns the current state of a group's scheduled task.
func (s *DeliveryScheduler) TaskStatus(groupID string) (models.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[groupID]
	if !ok {
		return models.TaskStatus{}, fmt.Errorf("task status %s: %w", groupID, ErrNotEnrolled)
	}
	return t.status(groupID), nil
}

// ListTasks returns a snapshot of every enrolled task, ordered by group id.
func (s *DeliveryScheduler) ListTasks() []models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TaskStatus, 0, len(s.tasks))
	for id, t := range s.tasks {
		out = append(out, t.status(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// SyncGroups reconciles enrollment against the enabled groups in the store:
// enabled groups are enrolled, groups no longer enabled are unenrolled.
func (s *DeliveryScheduler) SyncGroups() error {
	groups, err := s.store.ListEnabledGroups()
	if err != nil {
		return fmt.Errorf("sync groups: %w", err)
	}

	want := make(map[string]bool, len(groups))
	for _, cfg := range groups {
		want[cfg.GroupID] = true
		if err := s.Enroll(cfg); err != nil {
			slog.Error("DeliveryScheduler enroll failed during sync", "group", cfg.GroupID, "error", err)
		}
	}
	for _, st := range s.ListTasks() {
		if !want[st.GroupID] {
			_ = s.Unenroll(st.GroupID)
		}
	}
	slog.Debug("DeliveryScheduler synced groups", "enrolled", len(want))
	return nil
}

// RunNow fires a group's delivery immediately, bypassing its cadence. The
// regular slot computation on completion is unchanged.
func (s *DeliveryScheduler) RunNow(groupID string) error {
	s.mu.Lock()
	t, ok := s.tasks[groupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("run now %s: %w", groupID, ErrNotEnrolled)
	}
	if t.state == models.TaskRunning {
		s.mu.Unlock()
		return fmt.Errorf("run now %s: %w", groupID, ErrDeliveryInFlight)
	}
	d := dueTask{groupID: groupID, gen: t.gen, cfg: t.cfg, retrying: t.state == models.TaskRetrying}
	t.state = models.TaskRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(d)
	}()
	return nil
}

// Preview produces digest text for a group's current message window without
// saving or delivering anything. Returns the text and the window size.
func (s *DeliveryScheduler) Preview(ctx context.Context, groupID string) (string, int, error) {
	s.mu.Lock()
	t, ok := s.tasks[groupID]
	if !ok {
		s.mu.Unlock()
		return "", 0, fmt.Errorf("preview %s: %w", groupID, ErrNotEnrolled)
	}
	cfg := t.cfg
	s.mu.Unlock()

	_, messages, err := s.window(cfg)
	if err != nil {
		return "", 0, err
	}
	if len(messages) == 0 {
		return "", 0, nil
	}
	text, err := s.producer.ProduceSummary(ctx, cfg, messages)
	if err != nil {
		return "", len(messages), fmt.Errorf("preview %s: %w", groupID, err)
	}
	return text, len(messages), nil
}

// loop runs the polling ticker until Stop.
func (s *DeliveryScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// evaluate fires every due task. A task is due when now has reached its
// next-run time and no delivery for it is in flight. Due tasks deliver
// concurrently up to the configured cap; evaluate returns once the whole
// batch has settled.
func (s *DeliveryScheduler) evaluate() {
	now := s.now()

	s.mu.Lock()
	var due []dueTask
	for id, t := range s.tasks {
		if t.state == models.TaskRunning || now.Before(t.nextRun) {
			continue
		}
		due = append(due, dueTask{groupID: id, gen: t.gen, cfg: t.cfg, retrying: t.state == models.TaskRetrying})
		t.state = models.TaskRunning
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].groupID < due[j].groupID })
	slog.Debug("DeliveryScheduler evaluation pass", "due", len(due))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxConcurrent)
	for _, d := range due {
		d := d
		g.Go(func() error {
			s.fire(d)
			return nil
		})
	}
	_ = g.Wait()
}

// fire runs one delivery and applies the resulting state transition.
func (s *DeliveryScheduler) fire(d dueTask) {
	slog.Info("DeliveryScheduler task firing", "group", d.groupID, "retrying", d.retrying)
	s.settle(d, s.deliver(d.cfg, d.retrying))
}

// settle moves a task out of the running state based on the delivery result.
// Success and abandoned retries park the task at the next regular slot;
// retryable failures park it at now plus the backoff delay.
func (s *DeliveryScheduler) settle(d dueTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[d.groupID]
	if !ok || t.gen != d.gen {
		slog.Debug("DeliveryScheduler discarding result for removed task", "group", d.groupID)
		return
	}

	now := s.now()
	if err == nil {
		t.state = models.TaskIdle
		t.retryCount = 0
		t.lastError = ""
		t.nextRun = s.nextSlot(t.cfg, now)
		slog.Info("DeliveryScheduler delivery settled", "group", d.groupID, "next_run", t.nextRun)
		return
	}

	t.lastError = err.Error()
	delay, policyErr := s.opts.Backoff.NextDelay(t.retryCount, models.ClassOf(err))
	if policyErr != nil {
		// Retries exhausted, or the failure class is not retryable. Fall back
		// to the next regular slot with the retry budget reset.
		t.state = models.TaskIdle
		t.retryCount = 0
		t.nextRun = s.nextSlot(t.cfg, now)
		slog.Error("DeliveryScheduler delivery abandoned until next slot",
			"group", d.groupID, "error", err, "reason", policyErr, "next_run", t.nextRun)
		return
	}
	t.state = models.TaskRetrying
	t.retryCount++
	t.nextRun = now.Add(delay)
	slog.Warn("DeliveryScheduler delivery failed, retry scheduled",
		"group", d.groupID, "error", err, "retry_count", t.retryCount, "next_run", t.nextRun)
}

// nextSlot computes the next regular slot, parking the task one poll interval
// out when the cadence cannot be evaluated. Enrollment validates cadences, so
// the fallback only covers state corrupted after the fact.
func (s *DeliveryScheduler) nextSlot(cfg models.GroupConfig, from time.Time) time.Time {
	next, err := NextRegularRun(cfg.Cadence, from)
	if err != nil {
		slog.Error("DeliveryScheduler cadence evaluation failed", "group", cfg.GroupID, "error", err)
		return from.Add(s.opts.PollInterval)
	}
	return next
}

// window returns the message window a digest for cfg would cover right now:
// everything since the prior digest's window end, bounded by the lookback.
func (s *DeliveryScheduler) window(cfg models.GroupConfig) (time.Time, []models.Message, error) {
	start := s.now().Add(-s.opts.Lookback)
	prior, err := s.store.LatestSummary(cfg.GroupID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("load prior digest for %s: %w", cfg.GroupID, err)
	}
	if prior != nil && prior.WindowEnd.After(start) {
		start = prior.WindowEnd
	}
	messages, err := s.store.MessagesSince(cfg.GroupID, start)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("load messages for %s: %w", cfg.GroupID, err)
	}
	return start, messages, nil
}

// deliver runs one delivery attempt end to end: collect the window, produce
// the digest, persist it, send it, then mark the window processed. A retrying
// attempt that finds an undelivered digest from the failed run resends it
// instead of producing a second digest for the same window.
func (s *DeliveryScheduler) deliver(cfg models.GroupConfig, retrying bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeliveryTimeout)
	defer cancel()

	// Test-mode digests are never sent, so an unsent prior digest is the
	// normal case there, not a failed delivery to pick back up.
	if retrying && !cfg.TestMode {
		prior, err := s.store.LatestSummary(cfg.GroupID)
		if err != nil {
			return fmt.Errorf("load prior digest for %s: %w", cfg.GroupID, err)
		}
		if prior != nil && !prior.Sent {
			slog.Info("DeliveryScheduler resending undelivered digest", "group", cfg.GroupID, "digest", prior.ID)
			return s.send(ctx, cfg, prior)
		}
	}

	windowStart, messages, err := s.window(cfg)
	if err != nil {
		return err
	}
	threshold := cfg.MinMessages
	if threshold <= 0 {
		threshold = models.DefaultMinMessages
	}
	if len(messages) < threshold {
		slog.Info("DeliveryScheduler skipping digest, below message threshold",
			"group", cfg.GroupID, "messages", len(messages), "threshold", threshold)
		return nil
	}

	text, err := s.producer.ProduceSummary(ctx, cfg, messages)
	if err != nil {
		return fmt.Errorf("produce digest for %s: %w", cfg.GroupID, err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("produce digest for %s: empty digest text", cfg.GroupID)
	}

	now := s.now()
	summary := models.Summary{
		ID:           uuid.New().String(),
		GroupID:      cfg.GroupID,
		Body:         text,
		MessageCount: len(messages),
		WindowStart:  windowStart,
		WindowEnd:    now,
		CreatedAt:    now,
	}
	if err := s.store.SaveSummary(summary); err != nil {
		return fmt.Errorf("save digest for %s: %w", cfg.GroupID, err)
	}
	if err := s.send(ctx, cfg, &summary); err != nil {
		return err
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if err := s.store.MarkProcessed(ids); err != nil {
		slog.Warn("DeliveryScheduler mark processed failed", "group", cfg.GroupID, "error", err)
	}
	return nil
}

// send delivers a digest body to the group's delivery target and records the
// delivery. Test-mode groups record the digest without sending, so a new
// schedule can be rehearsed against real traffic.
func (s *DeliveryScheduler) send(ctx context.Context, cfg models.GroupConfig, summary *models.Summary) error {
	if cfg.TestMode {
		slog.Info("DeliveryScheduler test mode, digest recorded but not sent",
			"group", cfg.GroupID, "digest", summary.ID, "messages", summary.MessageCount)
		return nil
	}

	target := cfg.DeliveryTarget()
	if err := s.gateway.SendGroupSummary(ctx, target, summary.Body); err != nil {
		return err
	}
	if err := s.store.MarkSummarySent(summary.ID, s.now()); err != nil {
		slog.Warn("DeliveryScheduler mark digest sent failed", "group", cfg.GroupID, "digest", summary.ID, "error", err)
	}
	slog.Info("DeliveryScheduler digest delivered",
		"group", cfg.GroupID, "digest", summary.ID, "target", target, "messages", summary.MessageCount)
	return nil
}
