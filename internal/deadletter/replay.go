package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/payment"
)

// Store is the read side of the dead-letter sink needed for replay.
type Store interface {
	Get(ctx context.Context, id string) (Entry, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// DedupStore reopens finalized records, and undoes the reopen when the
// replay cannot be enqueued.
type DedupStore interface {
	Reopen(ctx context.Context, key payment.Key) (dedup.Record, error)
	Begin(ctx context.Context, key payment.Key, digest string) (dedup.BeginResult, error)
	Finalize(ctx context.Context, key payment.Key, status dedup.Status, reason string) error
	Release(ctx context.Context, key payment.Key, version int64) error
}

// Enqueuer puts events back on the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev payment.Event) (string, error)
}

// Replayer re-submits dead letters after an operator has fixed the cause.
type Replayer struct {
	store Store
	dedup DedupStore
	queue Enqueuer
	now   func() time.Time
}

// NewReplayer returns a Replayer.
func NewReplayer(store Store, dedupStore DedupStore, queue Enqueuer) *Replayer {
	return &Replayer{store: store, dedup: dedupStore, queue: queue, now: time.Now}
}

// Replay reopens the entry's dedup record and enqueues its event with a
// fresh attempt count. It returns the new queue item id.
func (r *Replayer) Replay(ctx context.Context, id string) (string, error) {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Replayed() {
		return "", fmt.Errorf("%w: %s", ErrAlreadyReplayed, id)
	}

	key := e.Event.Key()
	// undo puts the dedup record back where it was if the enqueue fails.
	undo := func(ctx context.Context) error {
		return r.dedup.Finalize(ctx, key, dedup.StatusFailedTerminal, e.Reason)
	}
	if _, err := r.dedup.Reopen(ctx, key); err != nil {
		if !errors.Is(err, dedup.ErrNotFound) {
			return "", fmt.Errorf("reopen dedup record: %w", err)
		}
		// Pruned by retention; claim it afresh.
		res, err := r.dedup.Begin(ctx, key, e.Event.RawPayloadDigest)
		if err != nil {
			return "", fmt.Errorf("begin dedup record: %w", err)
		}
		if res.Decision != dedup.DecisionProceed {
			return "", fmt.Errorf("replay %s: dedup record is %s", id, res.Decision)
		}
		version := res.Record.Version
		undo = func(ctx context.Context) error {
			return r.dedup.Release(ctx, key, version)
		}
	}

	queueID, err := r.queue.Enqueue(ctx, e.Event)
	if err != nil {
		// The caller's context may be the reason the enqueue failed.
		if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
			log.WithEvent(e.Event).Error("restore dedup record after failed replay",
				"dead_letter_id", id, "error", uerr)
		}
		return "", fmt.Errorf("enqueue replay: %w", err)
	}
	if err := r.store.MarkReplayed(ctx, id, r.now()); err != nil {
		return "", err
	}

	log.WithEvent(e.Event).Info("dead letter replayed", "dead_letter_id", id, "queue_id", queueID)
	return queueID, nil
}
