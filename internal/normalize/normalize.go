// Package normalize maps provider-native webhook payloads onto payment.Event.
//
// Native event types are resolved through explicit lookup tables. Unknown
// types become payment.KindUnhandled so new provider events never break
// ingestion. Amounts are always integer minor units.
package normalize

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/payhook/internal/payment"
)

// DefaultOrderReferenceField is the Stripe metadata key holding the order reference.
const DefaultOrderReferenceField = "order_reference"

// Stripe dispute reference fallbacks. Disputes do not inherit metadata from
// their charge, so without a fallback they usually lack an order reference.
const (
	DisputeReferenceMetadata      = ""
	DisputeReferencePaymentIntent = "payment_intent"
	DisputeReferenceCharge        = "charge"
)

// ValidDisputeReference reports whether v is a supported dispute fallback.
func ValidDisputeReference(v string) bool {
	switch v {
	case DisputeReferenceMetadata, DisputeReferencePaymentIntent, DisputeReferenceCharge:
		return true
	}
	return false
}

// Options configures a Normalizer.
type Options struct {
	// StripeOrderReferenceField names the metadata key read from Stripe objects.
	StripeOrderReferenceField string
	// StripeDisputeReference picks the dispute field used as the order
	// reference when the dispute's metadata has none.
	StripeDisputeReference string
}

// Normalizer converts raw, already-verified bodies into payment events.
type Normalizer struct {
	stripeRefField   string
	stripeDisputeRef string
	validate         *validator.Validate
	now              func() time.Time
}

// New returns a Normalizer.
func New(opts Options) *Normalizer {
	field := opts.StripeOrderReferenceField
	if field == "" {
		field = DefaultOrderReferenceField
	}
	return &Normalizer{
		stripeRefField:   field,
		stripeDisputeRef: opts.StripeDisputeReference,
		validate:         validator.New(),
		now:              time.Now,
	}
}

// Normalize parses body according to provider.
func (n *Normalizer) Normalize(provider payment.Provider, body []byte) (payment.Event, error) {
	var (
		ev  payment.Event
		err error
	)
	switch provider {
	case payment.ProviderStripe:
		ev, err = n.stripe(body)
	case payment.ProviderPayPal:
		ev, err = n.paypal(body)
	case payment.ProviderOther:
		ev, err = n.other(body)
	default:
		return payment.Event{}, fmt.Errorf("%w: %q", payment.ErrUnknownProvider, provider)
	}
	if err != nil {
		return payment.Event{}, fmt.Errorf("normalize %s: %w", provider, err)
	}

	ev.Provider = provider
	ev.ReceivedAt = n.now().UTC()
	ev.RawPayloadDigest = payment.Digest(body)

	if err := n.validate.Struct(ev); err != nil {
		return payment.Event{}, fmt.Errorf("normalize %s: %w: %v", provider, payment.ErrPayloadMalformed, err)
	}
	return ev, nil
}

// applies reports whether kind carries amount and reference data worth extracting.
func applies(kind payment.Kind) bool {
	return kind != payment.KindUnhandled
}
