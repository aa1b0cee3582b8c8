package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

var stripeKinds = map[string]payment.Kind{
	"payment_intent.succeeded":      payment.KindPaymentSucceeded,
	"payment_intent.payment_failed": payment.KindPaymentFailed,
	"payment_intent.canceled":       payment.KindPaymentCanceled,
	"charge.refunded":               payment.KindRefunded,
	"charge.dispute.created":        payment.KindDisputeOpened,
	"charge.dispute.closed":         payment.KindDisputeResolved,
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	Amount         json.RawMessage   `json:"amount"`
	AmountReceived json.RawMessage   `json:"amount_received"`
	AmountRefunded json.RawMessage   `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata"`
	PaymentIntent  string            `json:"payment_intent"`
	Charge         string            `json:"charge"`
	Refunds        *struct {
		Data []struct {
			Amount json.RawMessage `json:"amount"`
		} `json:"data"`
	} `json:"refunds"`
}

func (n *Normalizer) stripe(body []byte) (payment.Event, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", payment.ErrPayloadMalformed, err)
	}

	kind, ok := stripeKinds[env.Type]
	if !ok {
		kind = payment.KindUnhandled
	}
	ev := payment.Event{
		ID:         env.ID,
		Kind:       kind,
		NativeType: env.Type,
	}
	if env.Created > 0 {
		ev.OccurredAt = time.Unix(env.Created, 0).UTC()
	}
	if !applies(kind) {
		return ev, nil
	}

	obj := env.Data.Object
	ev.OrderReference = strings.TrimSpace(obj.Metadata[n.stripeRefField])
	if ev.OrderReference == "" && isDispute(kind) {
		ev.OrderReference = n.disputeReference(obj)
	}
	ev.Currency = strings.ToUpper(obj.Currency)

	amount, err := integerAmount(stripeAmountField(kind, obj))
	if err != nil {
		return payment.Event{}, err
	}
	ev.AmountMinorUnits = amount

	if kind == payment.KindDisputeResolved {
		switch obj.Status {
		case "won", "warning_closed":
			ev.DisputeOutcome = payment.DisputeWon
		case "lost":
			ev.DisputeOutcome = payment.DisputeLost
		default:
			// Closed without a final outcome; nothing to reconcile.
			ev.Kind = payment.KindUnhandled
		}
	}
	return ev, nil
}

func isDispute(kind payment.Kind) bool {
	return kind == payment.KindDisputeOpened || kind == payment.KindDisputeResolved
}

func (n *Normalizer) disputeReference(obj stripeObject) string {
	switch n.stripeDisputeRef {
	case DisputeReferencePaymentIntent:
		return strings.TrimSpace(obj.PaymentIntent)
	case DisputeReferenceCharge:
		return strings.TrimSpace(obj.Charge)
	}
	return ""
}

// stripeAmountField picks the amount that matters for kind. Refunds use the
// newest refund when the list is expanded, since amount_refunded is cumulative.
func stripeAmountField(kind payment.Kind, obj stripeObject) json.RawMessage {
	switch kind {
	case payment.KindPaymentSucceeded:
		if len(obj.AmountReceived) > 0 {
			return obj.AmountReceived
		}
	case payment.KindRefunded:
		if obj.Refunds != nil && len(obj.Refunds.Data) > 0 {
			return obj.Refunds.Data[0].Amount
		}
		return obj.AmountRefunded
	}
	return obj.Amount
}
