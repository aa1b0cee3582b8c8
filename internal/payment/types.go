package payment

import (
	"fmt"
	"time"
)

// Provider identifies the payment gateway that delivered a webhook.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderOther  Provider = "other"
)

// ParseProvider maps a configured provider name onto the closed provider set.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderStripe, ProviderPayPal, ProviderOther:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// Kind is the semantic type of a normalized payment event.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_succeeded"
	KindPaymentFailed    Kind = "payment_failed"
	KindPaymentCanceled  Kind = "payment_canceled"
	KindRefunded         Kind = "refunded"
	KindDisputeOpened    Kind = "dispute_opened"
	KindDisputeResolved  Kind = "dispute_resolved"
	KindUnhandled        Kind = "unhandled"
)

// DisputeOutcome is set on dispute_resolved events.
type DisputeOutcome string

const (
	DisputeWon  DisputeOutcome = "won"
	DisputeLost DisputeOutcome = "lost"
)

// Event is the provider-independent representation of a webhook notification.
type Event struct {
	ID               string         `json:"id" validate:"required,max=255"`
	Provider         Provider       `json:"provider" validate:"required,oneof=stripe paypal other"`
	Kind             Kind           `json:"kind" validate:"required"`
	NativeType       string         `json:"native_type"`
	OrderReference   string         `json:"order_reference"`
	AmountMinorUnits int64          `json:"amount_minor_units" validate:"gte=0"`
	Currency         string         `json:"currency,omitempty" validate:"omitempty,iso4217"`
	DisputeOutcome   DisputeOutcome `json:"dispute_outcome,omitempty" validate:"omitempty,oneof=won lost"`
	OccurredAt       time.Time      `json:"occurred_at"`
	ReceivedAt       time.Time      `json:"received_at"`
	RawPayloadDigest string         `json:"raw_payload_digest"`
}

// Key is the globally unique dedup key for an event.
type Key struct {
	Provider Provider
	EventID  string
}

func (k Key) String() string {
	return string(k.Provider) + ":" + k.EventID
}

// Key returns the dedup key of the event.
func (e Event) Key() Key {
	return Key{Provider: e.Provider, EventID: e.ID}
}
