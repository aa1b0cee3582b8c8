package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/payhook/internal/payment"
)

var paypalKinds = map[string]payment.Kind{
	"PAYMENT.CAPTURE.COMPLETED":    payment.KindPaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":       payment.KindPaymentFailed,
	"PAYMENT.CAPTURE.DECLINED":     payment.KindPaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":     payment.KindRefunded,
	"PAYMENT.CAPTURE.REVERSED":     payment.KindRefunded,
	"PAYMENT.AUTHORIZATION.VOIDED": payment.KindPaymentCanceled,
	"CHECKOUT.ORDER.VOIDED":        payment.KindPaymentCanceled,
	"CUSTOMER.DISPUTE.CREATED":     payment.KindDisputeOpened,
	"CUSTOMER.DISPUTE.RESOLVED":    payment.KindDisputeResolved,
}

// PayPal dispute outcome codes that leave the funds with the merchant.
var paypalSellerWins = map[string]struct{}{
	"RESOLVED_SELLER_FAVOUR": {},
	"CANCELED_BY_BUYER":      {},
	"DENIED":                 {},
}

type paypalEnvelope struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	CreateTime string         `json:"create_time"`
	Resource   paypalResource `json:"resource"`
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalResource struct {
	Amount        *paypalMoney `json:"amount"`
	DisputeAmount *paypalMoney `json:"dispute_amount"`
	CustomID      string       `json:"custom_id"`
	InvoiceID     string       `json:"invoice_id"`
	PurchaseUnits []struct {
		CustomID  string       `json:"custom_id"`
		InvoiceID string       `json:"invoice_id"`
		Amount    *paypalMoney `json:"amount"`
	} `json:"purchase_units"`
	DisputedTransactions []struct {
		Custom    string `json:"custom"`
		InvoiceID string `json:"invoice_number"`
	} `json:"disputed_transactions"`
	DisputeOutcome *struct {
		OutcomeCode string `json:"outcome_code"`
	} `json:"dispute_outcome"`
}

func (n *Normalizer) paypal(body []byte) (payment.Event, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", payment.ErrPayloadMalformed, err)
	}

	kind, ok := paypalKinds[env.EventType]
	if !ok {
		kind = payment.KindUnhandled
	}
	ev := payment.Event{
		ID:         env.ID,
		Kind:       kind,
		NativeType: env.EventType,
	}
	if env.CreateTime != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.CreateTime)
		if err != nil {
			return payment.Event{}, fmt.Errorf("%w: create_time: %v", payment.ErrPayloadMalformed, err)
		}
		ev.OccurredAt = ts.UTC()
	}
	if !applies(kind) {
		return ev, nil
	}

	res := env.Resource
	ev.OrderReference = paypalOrderReference(res)

	if money := paypalAmount(res); money != nil {
		ev.Currency = strings.ToUpper(money.CurrencyCode)
		amount, err := decimalAmount(money.Value, ev.Currency)
		if err != nil {
			return payment.Event{}, err
		}
		ev.AmountMinorUnits = amount
	}

	if kind == payment.KindDisputeResolved {
		ev.DisputeOutcome = payment.DisputeLost
		if res.DisputeOutcome != nil {
			if _, won := paypalSellerWins[res.DisputeOutcome.OutcomeCode]; won {
				ev.DisputeOutcome = payment.DisputeWon
			}
		}
	}
	return ev, nil
}

// paypalOrderReference prefers custom_id, then invoice_id, then the
// disputed transaction's custom field.
func paypalOrderReference(res paypalResource) string {
	candidates := []string{res.CustomID, res.InvoiceID}
	for _, pu := range res.PurchaseUnits {
		candidates = append(candidates, pu.CustomID, pu.InvoiceID)
	}
	for _, dt := range res.DisputedTransactions {
		candidates = append(candidates, dt.Custom, dt.InvoiceID)
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func paypalAmount(res paypalResource) *paypalMoney {
	switch {
	case res.Amount != nil:
		return res.Amount
	case res.DisputeAmount != nil:
		return res.DisputeAmount
	}
	for _, pu := range res.PurchaseUnits {
		if pu.Amount != nil {
			return pu.Amount
		}
	}
	return nil
}
