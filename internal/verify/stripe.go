package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/mattjoyce/payhook/internal/payment"
)

// StripeSignatureHeader carries "t=<unix>,v1=<hex>[,v1=...]".
const StripeSignatureHeader = "Stripe-Signature"

// DefaultTolerance is the replay window applied to signed timestamps.
const DefaultTolerance = 5 * time.Minute

// Stripe verifies Stripe-Signature headers using the endpoint signing secret.
type Stripe struct {
	secret    string
	tolerance time.Duration
}

// NewStripe returns a Stripe verifier. A zero tolerance selects DefaultTolerance.
func NewStripe(secret string, tolerance time.Duration) *Stripe {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Stripe{secret: secret, tolerance: tolerance}
}

func (s *Stripe) Verify(_ context.Context, body []byte, headers http.Header) error {
	header := headers.Get(StripeSignatureHeader)
	if header == "" {
		return fmt.Errorf("stripe: %w", payment.ErrMissingHeaders)
	}
	if s.secret == "" {
		return fmt.Errorf("stripe: %w", payment.ErrSignatureInvalid)
	}

	err := webhook.ValidatePayloadWithTolerance(body, header, s.secret, s.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrNotSigned):
		return fmt.Errorf("stripe: %w", payment.ErrMissingHeaders)
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("stripe: %w", payment.ErrTimestampOutOfTolerance)
	default:
		return fmt.Errorf("stripe: %w", payment.ErrSignatureInvalid)
	}
}
