package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/order"
	"github.com/mattjoyce/payhook/internal/payment"
)

// releaseTimeout bounds cleanup that must run after the request deadline.
const releaseTimeout = 2 * time.Second

// Server is the webhook ingestion HTTP server.
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]EndpointConfig
}

// New creates an ingestion server. A nil logger selects the component logger.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.Deadline <= 0 {
		config.Deadline = DefaultDeadline
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = log.WithComponent("ingest")
	}

	endpoints := make(map[string]EndpointConfig, len(config.Endpoints))
	for _, ep := range config.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = config.MaxBodySize
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the ingestion HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.Deadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("ingest server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Deadline)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingest server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("ingest server error: %w", err)
	}
}

// Handler returns the router serving every configured provider path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path, ep := range s.endpoints {
		r.Post(path, s.handleWebhook(ep))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusNotFound, Response{Error: "endpoint not found"})
	})

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(ep EndpointConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
		if err != nil {
			s.respondJSON(w, http.StatusBadRequest, Response{Error: "failed to read request body"})
			return
		}
		if int64(len(body)) > ep.MaxBodySize {
			s.reject(ep.Provider, "payload too large", nil)
			s.respondJSON(w, http.StatusRequestEntityTooLarge, Response{Error: "payload too large"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.config.Deadline)
		defer cancel()

		code, resp := s.ingest(ctx, ep.Provider, body, r.Header)
		s.respondJSON(w, code, resp)
	}
}

// ingest runs verify, normalize, dedup and enqueue for one delivery.
func (s *Server) ingest(ctx context.Context, provider payment.Provider, body []byte, headers http.Header) (int, Response) {
	if err := s.deps.Verifier.Verify(ctx, provider, body, headers); err != nil {
		if payment.IsTransient(err) || ctx.Err() != nil {
			s.logger.Warn("webhook verification unavailable", "provider", provider, "error", err)
			return unavailable()
		}
		s.reject(provider, "signature verification failed", err)
		return http.StatusBadRequest, Response{Error: "invalid webhook"}
	}

	ev, err := s.deps.Normalizer.Normalize(provider, body)
	if err != nil {
		s.reject(provider, "webhook payload rejected", err)
		return http.StatusBadRequest, Response{Error: "invalid webhook"}
	}
	logger := log.WithEvent(ev)
	key := ev.Key()

	begin, err := s.deps.Dedup.Begin(ctx, key, ev.RawPayloadDigest)
	if err != nil {
		logger.Error("dedup begin failed", "error", err)
		return unavailable()
	}
	switch begin.Decision {
	case dedup.DecisionDuplicate, dedup.DecisionInFlight:
		logger.Info("duplicate webhook", "decision", begin.Decision, "status", begin.Record.Status)
		s.publish(events.TypeWebhookDuplicate, ev, map[string]any{"decision": begin.Decision})
		return http.StatusOK, Response{Status: string(begin.Decision), EventID: ev.ID}
	}

	if ev.Kind == payment.KindUnhandled {
		if err := s.deps.Dedup.Finalize(ctx, key, dedup.StatusSkipped, order.ReasonUnhandled); err != nil {
			logger.Error("failed to finalize unhandled event", "error", err)
			s.release(ctx, key, begin.Record.Version)
			return unavailable()
		}
		logger.Info("unhandled event type ignored", "native_type", ev.NativeType)
		s.publish(events.TypeWebhookIgnored, ev, map[string]any{"native_type": ev.NativeType})
		return http.StatusOK, Response{Status: StatusIgnored, EventID: ev.ID}
	}

	if ev.OrderReference == "" {
		if err := s.deadLetter(ctx, ev); err != nil {
			logger.Error("failed to dead-letter event without order reference", "error", err)
			s.release(ctx, key, begin.Record.Version)
			return unavailable()
		}
		logger.Warn("event has no order reference, dead-lettered")
		s.publish(events.TypeWebhookDeadLettered, ev, map[string]any{"reason": ReasonMissingOrderReference})
		return http.StatusOK, Response{Status: StatusDeadLettered, EventID: ev.ID}
	}

	queueID, err := s.deps.Queue.Enqueue(ctx, ev)
	if err != nil {
		logger.Error("failed to enqueue webhook event", "error", err)
		s.release(ctx, key, begin.Record.Version)
		return unavailable()
	}

	logger.Info("webhook event accepted", "queue_id", queueID, "native_type", ev.NativeType)
	s.publish(events.TypeWebhookAccepted, ev, map[string]any{"queue_id": queueID})
	return http.StatusOK, Response{Status: StatusAccepted, EventID: ev.ID, QueueID: queueID}
}

// deadLetter parks ev and finalizes its dedup record. The entry id is
// derived from the dedup key so a retried delivery appends nothing new.
func (s *Server) deadLetter(ctx context.Context, ev payment.Event) error {
	if s.deps.DeadLetters == nil {
		return errors.New("dead-letter sink not configured")
	}
	dedupeKey := ev.Key().String()
	err := s.deps.DeadLetters.Append(ctx, deadletter.Entry{
		ID:        "ingest:" + dedupeKey,
		DedupeKey: dedupeKey,
		Event:     ev,
		Reason:    ReasonMissingOrderReference,
		DeadAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.deps.Dedup.Finalize(ctx, ev.Key(), dedup.StatusFailedTerminal, ReasonMissingOrderReference)
}

// release drops our pending claim so the provider's retry is not reported
// as in flight. It runs even if the request deadline has passed.
func (s *Server) release(ctx context.Context, key payment.Key, version int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.deps.Dedup.Release(rctx, key, version); err != nil {
		s.logger.Error("failed to release dedup claim", "key", key.String(), "error", err)
	}
}

func (s *Server) reject(provider payment.Provider, msg string, err error) {
	s.logger.Warn(msg, "provider", provider, "error", err)
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.TypeWebhookRejected, map[string]any{
			"provider": provider,
			"reason":   msg,
		})
	}
}

func (s *Server) publish(eventType string, ev payment.Event, extra map[string]any) {
	if s.deps.Events == nil {
		return
	}
	data := map[string]any{
		"provider":        ev.Provider,
		"event_id":        ev.ID,
		"kind":            ev.Kind,
		"order_reference": ev.OrderReference,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.deps.Events.Publish(eventType, data)
}

func unavailable() (int, Response) {
	return http.StatusServiceUnavailable, Response{Error: "temporarily unavailable"}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
