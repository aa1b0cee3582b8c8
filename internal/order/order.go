// Package order owns the payment lifecycle of an order.
//
// Apply is a pure function from (order, event) to a Decision. Persistence is
// optimistic: UpdateOrder only succeeds against the version that was read,
// so two workers racing on one order cannot silently overwrite each other.
package order

import (
	"errors"
	"time"
)

// Status is an order's payment status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusRefunded   Status = "refunded"
	StatusDisputed   Status = "disputed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusRefunded, StatusDisputed, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Order is the slice of an order this service reads and writes.
type Order struct {
	Reference          string    `json:"reference"`
	PaymentStatus      Status    `json:"payment_status"`
	PaidAmount         int64     `json:"paid_amount"`
	LastPaymentEventAt time.Time `json:"last_payment_event_at,omitempty"`
	Version            int64     `json:"version"`
}

var (
	ErrNotFound        = errors.New("order not found")
	ErrVersionConflict = errors.New("order version conflict")
)
