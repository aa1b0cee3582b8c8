package order

import (
	"fmt"

	"github.com/mattjoyce/payhook/internal/payment"
)

// Outcome is the result of applying an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
)

// Action names the effect of an applied event.
type Action string

const (
	ActionNone          Action = ""
	ActionMarkPaid      Action = "mark_paid"
	ActionMarkFailed    Action = "mark_failed"
	ActionMarkCanceled  Action = "mark_canceled"
	ActionRefund        Action = "refund"
	ActionPartialRefund Action = "partial_refund"
	ActionOpenDispute   Action = "open_dispute"
	ActionReinstate     Action = "reinstate"
	ActionChargeback    Action = "chargeback"
)

// Skip reasons.
const (
	ReasonStale     = "stale"
	ReasonDuplicate = "duplicate"
	ReasonIllegal   = "illegal transition"
	ReasonTerminal  = "order is terminal"
	ReasonUnhandled = "unhandled event kind"
	ReasonNoOutcome = "dispute outcome missing"
)

// Decision is what Apply concluded.
type Decision struct {
	Outcome Outcome
	// Next is the order to persist when Outcome is applied, and the
	// unchanged input otherwise.
	Next   Order
	Action Action
	Reason string
}

// Applied reports whether the decision mutates the order.
func (d Decision) Applied() bool {
	return d.Outcome == OutcomeApplied
}

func skip(o Order, reason string) Decision {
	return Decision{Outcome: OutcomeSkipped, Next: o, Reason: reason}
}

// Apply computes the effect of ev on o. It never errors: inputs that cannot
// be applied are skipped with a reason for manual review.
func Apply(o Order, ev payment.Event) Decision {
	if ev.Kind == payment.KindUnhandled {
		return skip(o, ReasonUnhandled)
	}
	if !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(o.LastPaymentEventAt) {
		return skip(o, ReasonStale)
	}

	next, action, reason := transition(o, ev)
	if action == ActionNone {
		return skip(o, reason)
	}

	// Without ordering information a repeat of the current state is indistinguishable from a redelivery.
	if ev.OccurredAt.IsZero() && next.PaymentStatus == o.PaymentStatus && action != ActionPartialRefund {
		return skip(o, ReasonDuplicate)
	}

	if ev.OccurredAt.After(next.LastPaymentEventAt) {
		next.LastPaymentEventAt = ev.OccurredAt
	}
	return Decision{Outcome: OutcomeApplied, Next: next, Action: action}
}

func transition(o Order, ev payment.Event) (Order, Action, string) {
	next := o
	switch o.PaymentStatus {
	case StatusPending, StatusProcessing:
		switch ev.Kind {
		case payment.KindPaymentSucceeded:
			next.PaymentStatus = StatusPaid
			next.PaidAmount = ev.AmountMinorUnits
			return next, ActionMarkPaid, ""
		case payment.KindPaymentFailed:
			next.PaymentStatus = StatusFailed
			return next, ActionMarkFailed, ""
		case payment.KindPaymentCanceled:
			next.PaymentStatus = StatusCanceled
			return next, ActionMarkCanceled, ""
		}
		return o, ActionNone, illegal(o, ev)

	case StatusPaid:
		switch ev.Kind {
		case payment.KindPaymentSucceeded:
			return o, ActionNone, ReasonDuplicate
		case payment.KindRefunded:
			if ev.AmountMinorUnits > 0 && ev.AmountMinorUnits < o.PaidAmount {
				next.PaidAmount = o.PaidAmount - ev.AmountMinorUnits
				return next, ActionPartialRefund, ""
			}
			next.PaymentStatus = StatusRefunded
			next.PaidAmount = 0
			return next, ActionRefund, ""
		case payment.KindDisputeOpened:
			next.PaymentStatus = StatusDisputed
			return next, ActionOpenDispute, ""
		}
		return o, ActionNone, illegal(o, ev)

	case StatusDisputed:
		switch ev.Kind {
		case payment.KindDisputeOpened:
			return o, ActionNone, ReasonDuplicate
		case payment.KindRefunded:
			next.PaymentStatus = StatusRefunded
			next.PaidAmount = 0
			return next, ActionRefund, ""
		case payment.KindDisputeResolved:
			switch ev.DisputeOutcome {
			case payment.DisputeWon:
				next.PaymentStatus = StatusPaid
				return next, ActionReinstate, ""
			case payment.DisputeLost:
				next.PaymentStatus = StatusRefunded
				next.PaidAmount = 0
				return next, ActionChargeback, ""
			}
			return o, ActionNone, ReasonNoOutcome
		}
		return o, ActionNone, illegal(o, ev)

	case StatusRefunded, StatusFailed, StatusCanceled:
		return o, ActionNone, ReasonTerminal
	}
	return o, ActionNone, fmt.Sprintf("unknown order status %q", o.PaymentStatus)
}

func illegal(o Order, ev payment.Event) string {
	return fmt.Sprintf("%s: %s on %s order", ReasonIllegal, ev.Kind, o.PaymentStatus)
}
