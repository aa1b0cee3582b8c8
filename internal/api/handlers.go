package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/payhook/internal/auth"
	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth.Total(),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	counts, err := s.deps.Dedup.Counts(ctx)
	if err != nil {
		s.logger.Error("failed to count dedup records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count dedup records")
		return
	}
	dead, err := s.deps.DeadLetters.Count(ctx)
	if err != nil {
		s.logger.Error("failed to count dead letters", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count dead letters")
		return
	}

	resp := StatsResponse{
		Dedup:       make(map[string]int64, len(counts)),
		Queue:       depth,
		DeadLetters: dead,
	}
	for status, n := range counts {
		resp.Dedup[string(status)] = n
	}
	if s.deps.Events != nil {
		resp.Events = s.deps.Events.Counts()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListDeadLetters handles GET /deadletters?limit=&all=.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	opts := deadletter.ListOptions{
		IncludeReplayed: r.URL.Query().Get("all") == "true",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, maxListLimit)
	}

	entries, err := s.deps.DeadLetters.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	respondJSON(w, http.StatusOK, DeadLetterListResponse{Entries: entries, Count: len(entries)})
}

// handleReplay handles POST /deadletters/{id}/replay.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	queueID, err := s.deps.Replayer.Replay(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, deadletter.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "dead letter not found")
		return
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		s.writeError(w, http.StatusConflict, "dead letter already replayed")
		return
	case errors.Is(err, dedup.ErrPending):
		s.writeError(w, http.StatusConflict, "event is already being processed")
		return
	default:
		s.logger.Error("replay failed", "dead_letter_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	s.logger.Info("dead letter replayed via API", "dead_letter_id", id, "queue_id", queueID, "principal", principal.Name)
	if s.deps.Events != nil {
		s.deps.Events.Publish(events.TypeDeadLetterReplayed, map[string]any{
			"dead_letter_id": id,
			"queue_id":       queueID,
		})
	}
	respondJSON(w, http.StatusOK, ReplayResponse{ID: id, QueueID: queueID, Status: "queued"})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
