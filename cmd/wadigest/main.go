// Command wadigest runs the WhatsApp group digest service: it drains the
// Green API notification feed into the store, produces digests on each
// group's cadence, and serves the admin HTTP API.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/wadigest/wadigest/internal/alerts"
	"github.com/wadigest/wadigest/internal/api"
	"github.com/wadigest/wadigest/internal/config"
	"github.com/wadigest/wadigest/internal/greenapi"
	"github.com/wadigest/wadigest/internal/ingest"
	"github.com/wadigest/wadigest/internal/lockfile"
	"github.com/wadigest/wadigest/internal/maintenance"
	"github.com/wadigest/wadigest/internal/models"
	"github.com/wadigest/wadigest/internal/scheduler"
	"github.com/wadigest/wadigest/internal/store"
	"github.com/wadigest/wadigest/internal/summarize"
)

const (
	// DefaultDBFileName is the SQLite database created in the state
	// directory when no store DSN is configured.
	DefaultDBFileName = "wadigest.db"

	// authorizePollInterval paces the QR polling loop.
	authorizePollInterval = 5 * time.Second

	// shutdownTimeout bounds the graceful drain of the admin API.
	shutdownTimeout = 15 * time.Second
)

// appFlags holds the flags that are modes rather than setting overrides.
type appFlags struct {
	authorize bool
	qrOutput  string
}

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wadigest:", err)
		os.Exit(1)
	}

	flags := parseFlags(settings)
	initializeLogger(settings)

	if err := settings.Validate(); err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	defaultStoreDSN(settings)

	if flags.authorize {
		os.Exit(runAuthorize(settings, flags))
	}
	os.Exit(run(settings))
}

// parseFlags registers overrides on top of the environment settings and
// parses the command line. Flag values write straight into the settings,
// so validation afterwards sees the final configuration.
func parseFlags(s *config.Settings) *appFlags {
	f := &appFlags{}

	flag.StringVar(&s.InstanceID, "instance-id", s.InstanceID, "Green API instance ID (overrides $GREENAPI_INSTANCE_ID)")
	flag.StringVar(&s.APIToken, "api-token", s.APIToken, "Green API token (overrides $GREENAPI_API_TOKEN)")
	flag.StringVar(&s.StateDir, "state-dir", s.StateDir, "state directory for the lock file and SQLite data (overrides $STATE_DIR)")
	flag.StringVar(&s.StoreDSN, "db-dsn", s.StoreDSN, "store DSN: postgres://, redis://, a SQLite path, or \"memory\" (overrides $STORE_DSN)")
	flag.StringVar(&s.ListenAddr, "api-addr", s.ListenAddr, "admin API listen address (overrides $LISTEN_ADDR)")
	flag.StringVar(&s.GroupsFile, "groups-file", s.GroupsFile, "YAML groups file to load and watch (overrides $GROUPS_FILE)")
	flag.StringVar(&s.OpenAIAPIKey, "openai-api-key", s.OpenAIAPIKey, "OpenAI API key for digest production (overrides $OPENAI_API_KEY)")
	flag.StringVar(&s.LogLevel, "log-level", s.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	flag.StringVar(&s.LogFormat, "log-format", s.LogFormat, "log format: text or json (overrides $LOG_FORMAT)")
	flag.BoolVar(&f.authorize, "authorize", false, "render the pairing QR code until the instance is authorized, then exit")
	flag.StringVar(&f.qrOutput, "qr-output", "", "write the pairing QR payload to this file instead of the terminal")

	flag.Parse()
	return f
}

// defaultStoreDSN points an unset DSN at SQLite under the state directory.
// The literal "memory" keeps an ephemeral run reachable.
func defaultStoreDSN(s *config.Settings) {
	if s.StoreDSN != "" {
		return
	}
	s.StoreDSN = filepath.Join(s.StateDir, DefaultDBFileName)
	slog.Debug("No store DSN provided, defaulting to SQLite", "path", s.StoreDSN)
}

// initializeLogger installs the process-wide slog handler.
func initializeLogger(s *config.Settings) {
	var level slog.Level
	switch s.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if s.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// run wires the service together and blocks until SIGINT or SIGTERM.
// Components stop in reverse construction order through the defers.
func run(s *config.Settings) int {
	lock, err := lockfile.AcquireLock(s.StateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		return 1
	}
	defer lock.Release()

	st, err := store.NewStore(store.WithDSN(s.StoreDSN))
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	gateway, err := greenapi.NewClient(s.InstanceID, s.APIToken,
		greenapi.WithBaseURL(s.BaseURL),
		greenapi.WithMinInterval(s.SendDelay),
	)
	if err != nil {
		slog.Error("Failed to build gateway client", "error", err)
		return 1
	}
	gateway.Start()
	defer gateway.Stop()

	producer := buildProducer(s)

	sched, err := scheduler.NewDeliveryScheduler(gateway, producer, st,
		scheduler.WithPollInterval(s.PollInterval),
		scheduler.WithLookback(s.Lookback),
		scheduler.WithMaxConcurrent(s.MaxConcurrent),
	)
	if err != nil {
		slog.Error("Failed to build scheduler", "error", err)
		return 1
	}

	// The groups file seeds the store before the first enrollment sync,
	// so declared groups and API-created ones start from the same place.
	if s.GroupsFile != "" {
		if err := syncGroupsFile(st, s.GroupsFile); err != nil {
			slog.Error("Failed to load groups file", "path", s.GroupsFile, "error", err)
			return 1
		}
	}
	if err := sched.SyncGroups(); err != nil {
		slog.Error("Failed to sync schedules", "error", err)
		return 1
	}
	sched.Start()
	defer sched.Stop()

	monitor := alerts.NewMonitor(buildAlerter(s))
	worker, err := ingest.NewWorker(gateway, st, ingest.WithStateObserver(monitor))
	if err != nil {
		slog.Error("Failed to build ingest worker", "error", err)
		return 1
	}
	worker.Start()
	defer worker.Stop()

	retention, err := maintenance.NewRetention(st,
		maintenance.WithRetention(s.RetentionWindow),
		maintenance.WithSchedule(s.RetentionSchedule),
		maintenance.WithArchiveDir(s.ArchiveDir),
	)
	if err != nil {
		slog.Error("Failed to build retention service", "error", err)
		return 1
	}
	if err := retention.Start(); err != nil {
		slog.Error("Failed to start retention service", "error", err)
		return 1
	}
	defer retention.Stop()

	if s.GroupsFile != "" {
		watcher, err := config.NewGroupsWatcher(s.GroupsFile, func(configs []models.GroupConfig) {
			applyGroups(st, sched, configs)
		})
		if err != nil {
			slog.Error("Failed to build groups watcher", "error", err)
			return 1
		}
		if err := watcher.Start(); err != nil {
			slog.Error("Failed to start groups watcher", "error", err)
			return 1
		}
		defer watcher.Stop()
	}

	srv, err := api.NewServer(gateway, sched, st,
		api.WithAddr(s.ListenAddr),
		api.WithAdminToken(s.AdminToken),
	)
	if err != nil {
		slog.Error("Failed to build admin API", "error", err)
		return 1
	}
	if err := srv.Start(); err != nil {
		slog.Error("Failed to start admin API", "error", err)
		return 1
	}

	slog.Info("wadigest running",
		"api_addr", srv.Addr(),
		"store", store.DetectDSNType(s.StoreDSN),
		"groups_file", s.GroupsFile,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	slog.Info("Shutting down", "signal", received.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Admin API shutdown failed", "error", err)
	}
	return 0
}

// buildProducer selects the digest producer: OpenAI when a key is
// configured, the extractive fallback otherwise.
func buildProducer(s *config.Settings) scheduler.Producer {
	if s.OpenAIAPIKey == "" {
		slog.Info("No OpenAI API key configured, using extractive digests")
		return summarize.NewFallbackProducer()
	}

	opts := []summarize.Option{
		summarize.WithAPIKey(s.OpenAIAPIKey),
		summarize.WithModel(s.OpenAIModel),
		summarize.WithMaxTokens(s.OpenAIMaxTokens),
	}
	if s.OpenAIBaseURL != "" {
		opts = append(opts, summarize.WithBaseURL(s.OpenAIBaseURL))
	}
	if s.SummaryPrompt != "" {
		opts = append(opts, summarize.WithPrompt(s.SummaryPrompt))
	}

	producer, err := summarize.NewOpenAIProducer(opts...)
	if err != nil {
		slog.Warn("OpenAI producer unavailable, falling back to extractive digests", "error", err)
		return summarize.NewFallbackProducer()
	}
	return producer
}

// buildAlerter selects the operator alert channel: Twilio SMS when fully
// configured, the log otherwise.
func buildAlerter(s *config.Settings) alerts.Alerter {
	if !s.SMSAlertsConfigured() {
		slog.Debug("Twilio alerting not configured, operator alerts go to the log")
		return alerts.NewLogAlerter()
	}

	alerter, err := alerts.NewTwilioAlerter(
		alerts.WithAccountSID(s.TwilioAccountSID),
		alerts.WithAuthToken(s.TwilioAuthToken),
		alerts.WithFrom(s.TwilioFromNumber),
		alerts.WithTo(s.TwilioAlertTo),
	)
	if err != nil {
		slog.Warn("Twilio alerter unavailable, operator alerts go to the log", "error", err)
		return alerts.NewLogAlerter()
	}
	return alerter
}

// syncGroupsFile loads the groups file into the store.
func syncGroupsFile(st store.Store, path string) error {
	configs, err := config.LoadGroupsFile(path)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := st.UpsertGroupConfig(cfg); err != nil {
			return fmt.Errorf("store group %s: %w", cfg.GroupID, err)
		}
	}
	slog.Info("Groups file loaded", "path", path, "groups", len(configs))
	return nil
}

// applyGroups is the watcher callback: it upserts the declared configs and
// re-syncs scheduler enrollment. Groups missing from the file are left in
// the store; declaring enabled: false is the way to stop one from the file.
func applyGroups(st store.Store, sched *scheduler.DeliveryScheduler, configs []models.GroupConfig) {
	for _, cfg := range configs {
		if err := st.UpsertGroupConfig(cfg); err != nil {
			slog.Error("Failed to store group config", "group", cfg.GroupID, "error", err)
		}
	}
	if err := sched.SyncGroups(); err != nil {
		slog.Error("Failed to sync schedules after reload", "error", err)
	}
}

// runAuthorize polls for the pairing QR code and renders it until the
// instance reports authorized.
func runAuthorize(s *config.Settings, f *appFlags) int {
	gateway, err := greenapi.NewClient(s.InstanceID, s.APIToken,
		greenapi.WithBaseURL(s.BaseURL),
		greenapi.WithMinInterval(s.SendDelay),
		// Pairing needs a fresh state on every poll, not the cached one.
		greenapi.WithStateTTL(time.Second),
	)
	if err != nil {
		slog.Error("Failed to build gateway client", "error", err)
		return 1
	}
	gateway.Start()
	defer gateway.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Waiting for the instance to be linked. Scan the code with WhatsApp on your phone.")

	var lastQR string
	for {
		status, err := gateway.GetInstanceState(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return 1
			}
			slog.Warn("Instance state check failed", "error", err)
		case status.State.Authorized():
			fmt.Println("Instance authorized.")
			return 0
		case status.State == models.InstanceBlocked:
			slog.Error("Instance is blocked, pairing is not possible")
			return 1
		}

		payload, err := gateway.GetQRCode(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return 1
			}
			slog.Warn("QR code fetch failed", "error", err)
		case payload != lastQR:
			lastQR = payload
			renderQR(payload, f.qrOutput)
		}

		select {
		case <-ctx.Done():
			return 1
		case <-time.After(authorizePollInterval):
		}
	}
}

// renderQR decodes the base64 pairing payload and draws it to the terminal,
// or writes it to the configured file.
func renderQR(payload, qrOutput string) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Warn("QR payload is not valid base64, using it as is", "error", err)
		decoded = []byte(payload)
	}

	if qrOutput != "" {
		if err := os.WriteFile(qrOutput, decoded, 0o600); err != nil {
			slog.Error("Failed to write QR output file", "path", qrOutput, "error", err)
			return
		}
		slog.Info("QR payload written", "path", qrOutput)
		return
	}
	qrterminal.GenerateHalfBlock(string(decoded), qrterminal.L, os.Stdout)
}
