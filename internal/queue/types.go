package queue

import (
	"errors"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

// Item is a queued payment event and its delivery bookkeeping.
type Item struct {
	ID        string
	DedupeKey string
	Event     payment.Event
	// Attempt counts failed deliveries so far.
	Attempt        int
	AvailableAt    time.Time
	LeaseToken     string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	LastError      string
}

// NackOptions describes a failed delivery.
type NackOptions struct {
	// RetryAfter overrides the computed backoff when positive.
	RetryAfter time.Duration
	Reason     string
}

// NackResult reports what Nack did with the item.
type NackResult struct {
	DeadLettered bool
	Attempt      int
	AvailableAt  time.Time
}

// Depth is a snapshot of queue occupancy.
type Depth struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Leased  int64 `json:"leased"`
}

// Total returns the number of live items.
func (d Depth) Total() int64 {
	return d.Ready + d.Delayed + d.Leased
}

// ErrLeaseLost means the token no longer owns an item: it was acked,
// nacked, or reclaimed by another worker after the lease expired.
var ErrLeaseLost = errors.New("queue lease lost")
