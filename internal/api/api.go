// Package api provides the HTTP admin surface for ChatPipe.
//
// It exposes endpoints for injecting inbound messages, managing chatbot
// settings, flows, and keyword rules, inspecting sessions, and triggering
// a session sweep. Configuration writes are validated here so routing
// never has to cope with a malformed configuration.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/router"
	"github.com/BTreeMap/ChatPipe/internal/scheduler"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds how long Stop waits for in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
	// Sweeper, when set, backs the POST /sweep endpoint.
	Sweeper *scheduler.Sweeper
}

// Option configures API server options.
type Option func(*Opts)

// WithAddr sets the listen address for the API server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSweeper attaches a session sweeper so it can be invoked on demand.
func WithSweeper(sw *scheduler.Sweeper) Option {
	return func(o *Opts) {
		o.Sweeper = sw
	}
}

// Server hosts the ChatPipe admin API.
type Server struct {
	store      store.Store
	processor  *router.Processor
	msgService messaging.Service
	sweeper    *scheduler.Sweeper
	addr       string
	httpServer *http.Server
}

// NewServer creates an API server wired to the given store, router, and
// messaging service.
func NewServer(st store.Store, processor *router.Processor, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("Server.NewServer: configured", "addr", cfg.Addr, "has_sweeper", cfg.Sweeper != nil)
	return &Server{
		store:      st,
		processor:  processor,
		msgService: msgService,
		sweeper:    cfg.Sweeper,
		addr:       cfg.Addr,
	}
}

// Handler returns the HTTP handler with all routes registered. It is
// exposed separately from Run so tests can exercise the mux directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/settings", s.settingsHandler)
	mux.HandleFunc("/flows", s.flowsHandler)
	mux.HandleFunc("/keywords", s.keywordsHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	mux.HandleFunc("/sweep", s.sweepHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	slog.Info("Server.Run: ChatPipe API listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Stop: shutting down API server")
	return s.httpServer.Shutdown(shutdownCtx)
}
