package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
	"github.com/mattjoyce/payhook/internal/payment"
)

// Verifier authenticates a raw webhook for a provider.
type Verifier interface {
	Verify(ctx context.Context, provider payment.Provider, body []byte, headers http.Header) error
}

// Normalizer turns a verified body into a payment event.
type Normalizer interface {
	Normalize(provider payment.Provider, body []byte) (payment.Event, error)
}

// DedupStore is the ingestion side of the dedup store.
type DedupStore interface {
	Begin(ctx context.Context, key payment.Key, digest string) (dedup.BeginResult, error)
	Release(ctx context.Context, key payment.Key, version int64) error
	Finalize(ctx context.Context, key payment.Key, status dedup.Status, reason string) error
}

// Enqueuer puts accepted events on the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev payment.Event) (string, error)
}

// Deps are the collaborators of the ingestion server. Events may be nil.
type Deps struct {
	Verifier    Verifier
	Normalizer  Normalizer
	Dedup       DedupStore
	Queue       Enqueuer
	DeadLetters deadletter.Sink
	Events      events.Publisher
}

// Config holds ingestion server configuration.
type Config struct {
	Listen      string
	Deadline    time.Duration
	MaxBodySize int64
	Endpoints   []EndpointConfig
}

// EndpointConfig binds a URL path to a provider.
type EndpointConfig struct {
	// Path is the URL path for this provider (e.g., "/webhooks/stripe")
	Path     string
	Provider payment.Provider

	// MaxBodySize overrides Config.MaxBodySize when set
	MaxBodySize int64
}

// Response is the JSON body of every answer to a provider.
type Response struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	QueueID string `json:"queue_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response statuses.
const (
	StatusAccepted     = "accepted"
	StatusDuplicate    = "duplicate"
	StatusInFlight     = "in_flight"
	StatusIgnored      = "ignored"
	StatusDeadLettered = "dead_lettered"
)

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultDeadline    = 10 * time.Second
)

// ReasonMissingOrderReference is the dead-letter reason for events that
// cannot be matched to an order.
const ReasonMissingOrderReference = "missing order reference"
