// Package api provides HTTP handlers and the admin API server for wadigest.
//
// It exposes REST endpoints for schedule management, manual sends, digest
// previews, and health, backed by the gateway client, the delivery
// scheduler, and the store.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wadigest/wadigest/internal/models"
)

const (
	// DefaultListenAddr is the address the server binds when none is given.
	DefaultListenAddr = ":8080"
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight
	// requests.
	DefaultShutdownTimeout = 10 * time.Second
)

// Gateway is the slice of the gateway client the API serves from.
type Gateway interface {
	ListGroups(ctx context.Context) ([]models.GroupInfo, error)
	SendMessage(ctx context.Context, identifier, text string) (string, error)
	QueueDepth() int
	BreakerState() string
}

// Scheduler is the slice of the delivery scheduler the API drives.
type Scheduler interface {
	Enroll(cfg models.GroupConfig) error
	Unenroll(groupID string) error
	TaskStatus(groupID string) (models.TaskStatus, error)
	RunNow(groupID string) error
	Preview(ctx context.Context, groupID string) (string, int, error)
}

// Storage is the slice of the store the API reads and writes.
type Storage interface {
	UpsertGroupConfig(cfg models.GroupConfig) error
	ListGroupConfigs() ([]models.GroupConfig, error)
	DeleteGroupConfig(groupID string) error
	LatestSummary(groupID string) (*models.Summary, error)
	LatestStatus() (*models.GatewayStatus, error)
}

// Opts holds server configuration.
type Opts struct {
	Addr            string
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Option modifies server configuration.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken enables bearer token authentication on every endpoint
// except /health. An empty token leaves the API open.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithShutdownTimeout overrides how long Stop waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server is the admin HTTP API.
type Server struct {
	gateway   Gateway
	scheduler Scheduler
	store     Storage
	opts      Opts

	httpSrv *http.Server

	mu      sync.Mutex
	ln      net.Listener
	started bool
	stopped bool
}

// NewServer builds the admin API server. The server does not listen until
// Start is called.
func NewServer(gateway Gateway, scheduler Scheduler, store Storage, options ...Option) (*Server, error) {
	if gateway == nil {
		return nil, fmt.Errorf("api: gateway is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("api: scheduler is required")
	}
	if store == nil {
		return nil, fmt.Errorf("api: store is required")
	}

	opts := Opts{
		Addr:            DefaultListenAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range options {
		opt(&opts)
	}

	s := &Server{
		gateway:   gateway,
		scheduler: scheduler,
		store:     store,
		opts:      opts,
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the configured router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// routes mounts every endpoint. /health stays outside the auth group so
// load balancers can probe without credentials.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		if s.opts.AdminToken != "" {
			r.Use(bearerAuth(s.opts.AdminToken))
		}
		r.Get("/groups", s.groupsHandler)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedulesHandler)
			r.Post("/", s.createScheduleHandler)
			r.Delete("/{groupID}", s.deleteScheduleHandler)
			r.Get("/{groupID}/status", s.scheduleStatusHandler)
		})

		r.Post("/send", s.sendHandler)

		r.Route("/digests", func(r chi.Router) {
			r.Post("/preview", s.previewDigestHandler)
			r.Post("/run", s.runDigestHandler)
			r.Get("/latest", s.latestDigestHandler)
		})
	})

	return r
}

// Start binds the listen address and begins serving. Bind failures are
// returned synchronously; serve errors after that are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("api: listen on %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.started = true
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	slog.Info("Admin API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or the configured address before
// Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	slog.Info("Admin API stopped")
	return nil
}

// bearerAuth rejects requests whose Authorization header does not carry the
// expected bearer token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("Server.bearerAuth: rejected request", "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
