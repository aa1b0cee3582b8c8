// Package deadletter holds events that exhausted their retries or can never
// be reconciled, for operator review and replay.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

// Entry is one dead-lettered event.
type Entry struct {
	// ID is the queue item id, or a generated id for events rejected before enqueue.
	ID         string        `json:"id"`
	DedupeKey  string        `json:"dedupe_key"`
	Event      payment.Event `json:"event"`
	Reason     string        `json:"reason"`
	Attempts   int           `json:"attempts"`
	DeadAt     time.Time     `json:"dead_at"`
	ReplayedAt time.Time     `json:"replayed_at,omitempty"`
}

// Replayed reports whether the entry has already been replayed.
func (e Entry) Replayed() bool {
	return !e.ReplayedAt.IsZero()
}

// Sink is an append-only destination for dead letters.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

var (
	ErrNotFound        = errors.New("dead letter not found")
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
)
