package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/payhook/internal/storage"
)

// Repository is the SQLite order store. Writes are compare-and-swap on Version.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository returns a Repository over db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// CreateOrder inserts a new order at version 1.
func (r *Repository) CreateOrder(ctx context.Context, reference string, status Status) (Order, error) {
	if reference == "" {
		return Order{}, fmt.Errorf("order reference is empty")
	}
	if !status.Valid() {
		return Order{}, fmt.Errorf("invalid order status %q", status)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO orders(reference, payment_status, paid_amount, version, updated_at)
VALUES(?, ?, 0, 1, ?);
`, reference, string(status), storage.FormatTime(r.now()))
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return Order{Reference: reference, PaymentStatus: status, Version: 1}, nil
}

// GetOrder returns the order and its current version.
func (r *Repository) GetOrder(ctx context.Context, reference string) (Order, error) {
	var (
		o           Order
		status      string
		lastEventAt sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
SELECT reference, payment_status, paid_amount, last_payment_event_at, version
FROM orders
WHERE reference = ?;
`, reference).Scan(&o.Reference, &status, &o.PaidAmount, &lastEventAt, &o.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %q", ErrNotFound, reference)
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	o.PaymentStatus = Status(status)
	o.LastPaymentEventAt = storage.ParseNullTime(lastEventAt)
	return o, nil
}

// UpdateOrder writes next if the stored version still equals expectedVersion.
func (r *Repository) UpdateOrder(ctx context.Context, reference string, next Order, expectedVersion int64) error {
	return r.update(ctx, r.db, reference, next, expectedVersion)
}

// UpdateOrderTx is UpdateOrder inside a caller-owned transaction.
func (r *Repository) UpdateOrderTx(ctx context.Context, tx *sql.Tx, reference string, next Order, expectedVersion int64) error {
	return r.update(ctx, tx, reference, next, expectedVersion)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) update(ctx context.Context, db execer, reference string, next Order, expectedVersion int64) error {
	if !next.PaymentStatus.Valid() {
		return fmt.Errorf("invalid order status %q", next.PaymentStatus)
	}
	res, err := db.ExecContext(ctx, `
UPDATE orders
SET payment_status = ?, paid_amount = ?, last_payment_event_at = ?, version = version + 1, updated_at = ?
WHERE reference = ? AND version = ?;
`, string(next.PaymentStatus), next.PaidAmount, storage.NullTime(next.LastPaymentEventAt),
		storage.FormatTime(r.now()), reference, expectedVersion)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q at version %d", ErrVersionConflict, reference, expectedVersion)
	}
	return nil
}
