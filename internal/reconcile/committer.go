package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/order"
	"github.com/mattjoyce/payhook/internal/payment"
)

// OrderWriter persists an order decision inside a transaction.
type OrderWriter interface {
	UpdateOrderTx(ctx context.Context, tx *sql.Tx, reference string, next order.Order, expectedVersion int64) error
}

// DedupFinalizer finalizes dedup records inside a transaction.
type DedupFinalizer interface {
	FinalizeTx(ctx context.Context, tx *sql.Tx, key payment.Key, status dedup.Status, reason string) error
	Remember(ctx context.Context, key payment.Key, status dedup.Status)
}

// Committer makes an order transition and its dedup outcome one atomic unit.
type Committer struct {
	db     *sql.DB
	orders OrderWriter
	dedup  DedupFinalizer
}

// NewCommitter returns a Committer. orders and dedup must live in db.
func NewCommitter(db *sql.DB, orders OrderWriter, dedupStore DedupFinalizer) *Committer {
	return &Committer{db: db, orders: orders, dedup: dedupStore}
}

// Commit writes d (when applied) against current.Version and finalizes key
// as applied or skipped. Either both writes land or neither does.
func (c *Committer) Commit(ctx context.Context, key payment.Key, current order.Order, d order.Decision) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := dedup.StatusSkipped
	if d.Applied() {
		if err := c.orders.UpdateOrderTx(ctx, tx, current.Reference, d.Next, current.Version); err != nil {
			return err
		}
		status = dedup.StatusApplied
	}
	if err := c.dedup.FinalizeTx(ctx, tx, key, status, d.Reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	c.dedup.Remember(ctx, key, status)
	return nil
}
