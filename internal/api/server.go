// Package api is the admin HTTP surface: health, pipeline statistics,
// dead-letter review and replay, and a live event stream. It listens on its
// own address, separate from the webhook endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/payhook/internal/auth"
	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/queue"
)

// QueueStats reports queue occupancy.
type QueueStats interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// DedupStats reports dedup records by status.
type DedupStats interface {
	Counts(ctx context.Context) (map[dedup.Status]int64, error)
}

// DeadLetterStore is the read side of the dead-letter sink.
type DeadLetterStore interface {
	List(ctx context.Context, opts deadletter.ListOptions) ([]deadletter.Entry, error)
	Count(ctx context.Context) (int64, error)
}

// Replayer re-submits a dead letter.
type Replayer interface {
	Replay(ctx context.Context, id string) (string, error)
}

// EventSource feeds the SSE stream and records admin actions.
type EventSource interface {
	events.Publisher
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
	Counts() map[string]int64
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Deps are the pipeline components the API reads from.
type Deps struct {
	Queue       QueueStats
	Dedup       DedupStats
	DeadLetters DeadLetterStore
	Replayer    Replayer
	Events      EventSource
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	keepAlive time.Duration
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.WithComponent("api")
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
		keepAlive: 15 * time.Second,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatsRead)).Get("/stats", s.handleStats)
		r.With(s.requireScopes(auth.ScopeDeadLettersRead)).Get("/deadletters", s.handleListDeadLetters)
		r.With(s.requireScopes(auth.ScopeDeadLettersRW)).Post("/deadletters/{id}/replay", s.handleReplay)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
