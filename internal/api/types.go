package api

import (
	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/queue"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int64  `json:"queue_depth"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Dedup       map[string]int64 `json:"dedup"`
	Queue       queue.Depth      `json:"queue"`
	DeadLetters int64            `json:"dead_letters"`
	// Events counts pipeline events published since start, by type.
	Events map[string]int64 `json:"events,omitempty"`
}

// DeadLetterListResponse is returned by GET /deadletters.
type DeadLetterListResponse struct {
	Entries []deadletter.Entry `json:"entries"`
	Count   int                `json:"count"`
}

// ReplayResponse is returned by POST /deadletters/{id}/replay.
type ReplayResponse struct {
	ID      string `json:"id"`
	QueueID string `json:"queue_id"`
	Status  string `json:"status"`
}
