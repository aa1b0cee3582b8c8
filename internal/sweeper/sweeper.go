// Package sweeper keeps the dedup store bounded and surfaces stuck claims.
//
// Terminal dedup records older than the retention window are pruned; a
// provider redelivering after that window would be processed again, so the
// window must exceed every provider's retry horizon. Pending records with no
// live queue item are reported as orphans: an ingest request died between
// claiming the event and enqueueing it. They become reclaimable on their own
// once the pending timeout passes; the sweeper only makes them visible.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/events"
)

// Defaults.
const (
	DefaultInterval    = 10 * time.Minute
	DefaultRetention   = 30 * 24 * time.Hour
	DefaultOrphanAge   = dedup.DefaultPendingTimeout
	DefaultOrphanLimit = 100
)

// Config configures a Sweeper.
type Config struct {
	Interval    time.Duration
	Retention   time.Duration
	OrphanAge   time.Duration
	OrphanLimit int
}

// Report summarizes one sweep.
type Report struct {
	Pruned  int64
	Orphans []dedup.Record
}

// Sweeper periodically prunes and inspects the dedup store.
type Sweeper struct {
	cfg    Config
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sweeper. pub may be nil.
func New(cfg Config, store Store, pub events.Publisher, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = DefaultOrphanAge
	}
	if cfg.OrphanLimit <= 0 {
		cfg.OrphanLimit = DefaultOrphanLimit
	}
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		events: pub,
		logger: logger.With("component", "sweeper"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting sweeper", "interval", s.cfg.Interval, "retention", s.cfg.Retention)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one prune and orphan pass. Both run even if one fails.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	var (
		report Report
		errs   []error
	)

	pruned, err := s.store.Prune(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("prune dedup records: %w", err))
	} else {
		report.Pruned = pruned
		if pruned > 0 {
			s.logger.Info("Pruned dedup records", "count", pruned, "retention", s.cfg.Retention)
		}
	}

	orphans, err := s.store.Orphans(ctx, now.Add(-s.cfg.OrphanAge), s.cfg.OrphanLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("find orphaned dedup records: %w", err))
	} else {
		report.Orphans = orphans
		for _, rec := range orphans {
			s.logger.Warn("Orphaned pending dedup record",
				"provider", rec.Provider,
				"event_id", rec.EventID,
				"claimed_at", rec.ClaimedAt,
			)
		}
	}

	if s.events != nil {
		s.events.Publish(events.TypeSweepCompleted, map[string]any{
			"pruned":  report.Pruned,
			"orphans": len(report.Orphans),
			"failed":  len(errs) > 0,
		})
	}
	return report, errors.Join(errs...)
}
