package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

var otherKinds = map[string]payment.Kind{
	string(payment.KindPaymentSucceeded): payment.KindPaymentSucceeded,
	string(payment.KindPaymentFailed):    payment.KindPaymentFailed,
	string(payment.KindPaymentCanceled):  payment.KindPaymentCanceled,
	string(payment.KindRefunded):         payment.KindRefunded,
	string(payment.KindDisputeOpened):    payment.KindDisputeOpened,
	string(payment.KindDisputeResolved):  payment.KindDisputeResolved,
}

// otherEnvelope is the documented schema for gateways without a dedicated adapter:
//
//	{"id":"...","type":"payment_succeeded","occurred_at":"2026-01-02T15:04:05Z",
//	 "order_reference":"ord_1","amount_minor_units":5000,"currency":"USD",
//	 "dispute_outcome":"won"}
type otherEnvelope struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OccurredAt     string          `json:"occurred_at"`
	OrderReference string          `json:"order_reference"`
	Amount         json.RawMessage `json:"amount_minor_units"`
	Currency       string          `json:"currency"`
	DisputeOutcome string          `json:"dispute_outcome"`
}

func (n *Normalizer) other(body []byte) (payment.Event, error) {
	var env otherEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", payment.ErrPayloadMalformed, err)
	}

	kind, ok := otherKinds[env.Type]
	if !ok {
		kind = payment.KindUnhandled
	}
	ev := payment.Event{
		ID:         env.ID,
		Kind:       kind,
		NativeType: env.Type,
	}
	if env.OccurredAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.OccurredAt)
		if err != nil {
			return payment.Event{}, fmt.Errorf("%w: occurred_at: %v", payment.ErrPayloadMalformed, err)
		}
		ev.OccurredAt = ts.UTC()
	}
	if !applies(kind) {
		return ev, nil
	}

	ev.OrderReference = strings.TrimSpace(env.OrderReference)
	ev.Currency = strings.ToUpper(env.Currency)
	amount, err := integerAmount(env.Amount)
	if err != nil {
		return payment.Event{}, err
	}
	ev.AmountMinorUnits = amount
	ev.DisputeOutcome = payment.DisputeOutcome(strings.ToLower(env.DisputeOutcome))
	if kind == payment.KindDisputeResolved && ev.DisputeOutcome == "" {
		return payment.Event{}, fmt.Errorf("%w: dispute_outcome required", payment.ErrPayloadMalformed)
	}
	return ev, nil
}
