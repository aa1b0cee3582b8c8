package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/order"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/queue"
)

// Queue is the consumer side of the durable queue.
type Queue interface {
	Claim(ctx context.Context, lease time.Duration) (*queue.Item, error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string, opts queue.NackOptions) (queue.NackResult, error)
}

// DedupStore is what workers need from the dedup store outside a commit.
type DedupStore interface {
	Get(ctx context.Context, key payment.Key) (dedup.Record, error)
	Begin(ctx context.Context, key payment.Key, digest string) (dedup.BeginResult, error)
	Finalize(ctx context.Context, key payment.Key, status dedup.Status, reason string) error
}

// OrderReader loads orders.
type OrderReader interface {
	GetOrder(ctx context.Context, reference string) (order.Order, error)
}

// Result is the outcome of processing one item.
type Result string

const (
	ResultApplied          Result = "applied"
	ResultSkipped          Result = "skipped"
	ResultRetry            Result = "retry"
	ResultDeadLettered     Result = "dead_lettered"
	ResultAlreadyFinalized Result = "already_finalized"
)

// Defaults.
const (
	DefaultWorkers      = 4
	DefaultLease        = 2 * time.Minute
	DefaultPollInterval = time.Second
)

// Config configures a Pool.
type Config struct {
	Workers      int
	Lease        time.Duration
	PollInterval time.Duration
}

// Pool runs reconciliation workers.
type Pool struct {
	cfg       Config
	queue     Queue
	dedup     DedupStore
	orders    OrderReader
	committer *Committer
	events    events.Publisher
	logger    *slog.Logger
}

// NewPool returns a Pool. pub may be nil.
func NewPool(cfg Config, q Queue, dedupStore DedupStore, orders OrderReader, committer *Committer, pub events.Publisher) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		dedup:     dedupStore,
		orders:    orders,
		committer: committer,
		events:    pub,
		logger:    log.WithComponent("reconcile"),
	}
}

// Start runs the workers until ctx is cancelled. Items already claimed are
// finished before Start returns. This is a blocking call.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
	defer p.logger.Info("worker pool stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, p.logger.With("worker", id))
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, logger *slog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.processNext(ctx)
		if err != nil {
			logger.Error("failed to process queue item", "error", err)
		}
		if processed && err == nil {
			// Drain the queue without waiting while there is work.
			timer.Reset(0)
			continue
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// processNext claims and processes one item. It reports whether an item was claimed.
func (p *Pool) processNext(ctx context.Context) (bool, error) {
	item, err := p.queue.Claim(ctx, p.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if item == nil {
		return false, nil
	}

	// Finish the item even if shutdown starts, but never past its lease.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Lease)
	defer cancel()

	_, err = p.Process(ictx, item)
	return true, err
}

// Process applies one claimed item and settles it with Ack or Nack.
func (p *Pool) Process(ctx context.Context, item *queue.Item) (Result, error) {
	ev := item.Event
	key := ev.Key()
	logger := log.WithEvent(ev).With("queue_id", item.ID, "attempt", item.Attempt)

	rec, err := p.dedup.Get(ctx, key)
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		// The ingest path released its claim after an enqueue it thought had failed.
		res, berr := p.dedup.Begin(ctx, key, ev.RawPayloadDigest)
		if berr != nil {
			return p.retry(ctx, item, logger, fmt.Errorf("begin dedup record: %w", berr))
		}
		if res.Decision == dedup.DecisionDuplicate {
			return p.ack(ctx, item, logger, ResultAlreadyFinalized, "")
		}
	case err != nil:
		return p.retry(ctx, item, logger, fmt.Errorf("load dedup record: %w", err))
	case rec.Status.Terminal():
		return p.ack(ctx, item, logger, ResultAlreadyFinalized, "")
	}

	if ev.Kind == payment.KindUnhandled {
		return p.skipUnapplied(ctx, item, logger, order.ReasonUnhandled)
	}

	current, err := p.orders.GetOrder(ctx, ev.OrderReference)
	if errors.Is(err, order.ErrNotFound) {
		return p.skipUnapplied(ctx, item, logger, "unknown order")
	}
	if err != nil {
		return p.retry(ctx, item, logger, fmt.Errorf("load order: %w", err))
	}

	decision := order.Apply(current, ev)
	if err := p.committer.Commit(ctx, key, current, decision); err != nil {
		if errors.Is(err, dedup.ErrNotPending) {
			logger.Info("event finalized by another delivery")
			return p.ack(ctx, item, logger, ResultAlreadyFinalized, "")
		}
		return p.retry(ctx, item, logger, fmt.Errorf("commit: %w", err))
	}

	if decision.Applied() {
		logger.Info("event applied",
			"action", decision.Action,
			"from", current.PaymentStatus,
			"to", decision.Next.PaymentStatus)
		return p.ack(ctx, item, logger, ResultApplied, "")
	}
	logger.Warn("event skipped", "reason", decision.Reason, "status", current.PaymentStatus)
	return p.ack(ctx, item, logger, ResultSkipped, decision.Reason)
}

// skipUnapplied finalizes an event that never reached the state machine.
func (p *Pool) skipUnapplied(ctx context.Context, item *queue.Item, logger *slog.Logger, reason string) (Result, error) {
	err := p.dedup.Finalize(ctx, item.Event.Key(), dedup.StatusSkipped, reason)
	if errors.Is(err, dedup.ErrNotPending) {
		return p.ack(ctx, item, logger, ResultAlreadyFinalized, "")
	}
	if err != nil {
		return p.retry(ctx, item, logger, fmt.Errorf("finalize skipped: %w", err))
	}
	logger.Warn("event skipped", "reason", reason)
	return p.ack(ctx, item, logger, ResultSkipped, reason)
}

func (p *Pool) ack(ctx context.Context, item *queue.Item, logger *slog.Logger, result Result, reason string) (Result, error) {
	if err := p.queue.Ack(ctx, item.LeaseToken); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// Whoever holds the item now will find the record finalized.
			logger.Warn("lease lost before ack")
		} else {
			return result, fmt.Errorf("ack: %w", err)
		}
	}
	switch result {
	case ResultApplied:
		p.publish(events.TypeEventApplied, item, reason)
	case ResultSkipped:
		p.publish(events.TypeEventSkipped, item, reason)
	}
	return result, nil
}

func (p *Pool) retry(ctx context.Context, item *queue.Item, logger *slog.Logger, cause error) (Result, error) {
	res, err := p.queue.Nack(ctx, item.LeaseToken, queue.NackOptions{Reason: cause.Error()})
	if err != nil {
		return ResultRetry, fmt.Errorf("nack after %v: %w", cause, err)
	}
	if res.DeadLettered {
		logger.Error("event dead-lettered", "error", cause, "attempts", res.Attempt)
		p.publish(events.TypeEventDeadLettered, item, cause.Error())
		return ResultDeadLettered, nil
	}
	logger.Warn("event will be retried", "error", cause, "next_attempt_at", res.AvailableAt)
	p.publish(events.TypeEventRetry, item, cause.Error())
	return ResultRetry, nil
}

func (p *Pool) publish(eventType string, item *queue.Item, reason string) {
	if p.events == nil {
		return
	}
	p.events.Publish(eventType, map[string]any{
		"queue_id":        item.ID,
		"provider":        item.Event.Provider,
		"event_id":        item.Event.ID,
		"kind":            item.Event.Kind,
		"order_reference": item.Event.OrderReference,
		"attempt":         item.Attempt,
		"reason":          reason,
	})
}
