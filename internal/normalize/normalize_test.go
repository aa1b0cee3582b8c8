package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/payhook/internal/payment"
)

func newTestNormalizer() *Normalizer {
	n := New(Options{})
	n.now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return n
}

func TestStripeNormalize(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name    string
		body    string
		want    payment.Event
		wantErr error
	}{
		{
			name: "payment succeeded",
			body: `{"id":"evt_1","type":"payment_intent.succeeded","created":1767225600,
				"data":{"object":{"amount":5000,"amount_received":5000,"currency":"usd","metadata":{"order_reference":"ord_1"}}}}`,
			want: payment.Event{
				ID: "evt_1", Kind: payment.KindPaymentSucceeded, NativeType: "payment_intent.succeeded",
				OrderReference: "ord_1", AmountMinorUnits: 5000, Currency: "USD",
				OccurredAt: time.Unix(1767225600, 0).UTC(),
			},
		},
		{
			name: "refund uses newest refund amount",
			body: `{"id":"evt_2","type":"charge.refunded","created":1767225700,
				"data":{"object":{"amount":5000,"amount_refunded":3000,"currency":"eur","metadata":{"order_reference":"ord_1"},
				"refunds":{"data":[{"amount":1000},{"amount":2000}]}}}}`,
			want: payment.Event{
				ID: "evt_2", Kind: payment.KindRefunded, NativeType: "charge.refunded",
				OrderReference: "ord_1", AmountMinorUnits: 1000, Currency: "EUR",
				OccurredAt: time.Unix(1767225700, 0).UTC(),
			},
		},
		{
			name: "dispute lost",
			body: `{"id":"evt_3","type":"charge.dispute.closed","created":1767225800,
				"data":{"object":{"amount":5000,"currency":"usd","status":"lost","metadata":{"order_reference":"ord_1"}}}}`,
			want: payment.Event{
				ID: "evt_3", Kind: payment.KindDisputeResolved, NativeType: "charge.dispute.closed",
				OrderReference: "ord_1", AmountMinorUnits: 5000, Currency: "USD",
				DisputeOutcome: payment.DisputeLost, OccurredAt: time.Unix(1767225800, 0).UTC(),
			},
		},
		{
			name: "unknown type is unhandled",
			body: `{"id":"evt_4","type":"customer.created","created":1767225900,"data":{"object":{"amount":"weird"}}}`,
			want: payment.Event{
				ID: "evt_4", Kind: payment.KindUnhandled, NativeType: "customer.created",
				OccurredAt: time.Unix(1767225900, 0).UTC(),
			},
		},
		{
			name: "missing order reference still normalizes",
			body: `{"id":"evt_5","type":"payment_intent.payment_failed","created":1767226000,
				"data":{"object":{"amount":700,"currency":"usd"}}}`,
			want: payment.Event{
				ID: "evt_5", Kind: payment.KindPaymentFailed, NativeType: "payment_intent.payment_failed",
				AmountMinorUnits: 700, Currency: "USD", OccurredAt: time.Unix(1767226000, 0).UTC(),
			},
		},
		{
			name:    "fractional amount",
			body:    `{"id":"evt_6","type":"payment_intent.succeeded","data":{"object":{"amount_received":50.5,"currency":"usd"}}}`,
			wantErr: payment.ErrAmountUnparseable,
		},
		{
			name:    "string amount",
			body:    `{"id":"evt_7","type":"payment_intent.succeeded","data":{"object":{"amount_received":"5000","currency":"usd"}}}`,
			wantErr: payment.ErrAmountUnparseable,
		},
		{
			name:    "negative amount",
			body:    `{"id":"evt_8","type":"payment_intent.succeeded","data":{"object":{"amount_received":-1,"currency":"usd"}}}`,
			wantErr: payment.ErrAmountUnparseable,
		},
		{
			name:    "malformed json",
			body:    `{"id":`,
			wantErr: payment.ErrPayloadMalformed,
		},
		{
			name:    "missing id",
			body:    `{"type":"payment_intent.succeeded","data":{"object":{"amount":1,"currency":"usd"}}}`,
			wantErr: payment.ErrPayloadMalformed,
		},
		{
			name:    "invalid currency",
			body:    `{"id":"evt_9","type":"payment_intent.succeeded","data":{"object":{"amount":1,"currency":"zzz"}}}`,
			wantErr: payment.ErrPayloadMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(payment.ProviderStripe, []byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assertEvent(t, tt.want, got, payment.ProviderStripe, tt.body)
		})
	}
}

func TestStripeCustomOrderReferenceField(t *testing.T) {
	n := New(Options{StripeOrderReferenceField: "order_id"})
	body := `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"amount_received":10,"currency":"usd","metadata":{"order_id":"A-1","order_reference":"B-2"}}}}`

	got, err := n.Normalize(payment.ProviderStripe, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.OrderReference)
}

func TestStripeDisputeReferenceFallback(t *testing.T) {
	body := `{"id":"evt_d1","type":"charge.dispute.created","created":1767225800,
		"data":{"object":{"amount":5000,"currency":"usd","status":"needs_response","metadata":{},
		"charge":"ch_123","payment_intent":"pi_123"}}}`

	tests := []struct {
		name     string
		fallback string
		want     string
	}{
		{name: "metadata only", fallback: DisputeReferenceMetadata, want: ""},
		{name: "payment intent", fallback: DisputeReferencePaymentIntent, want: "pi_123"},
		{name: "charge", fallback: DisputeReferenceCharge, want: "ch_123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(Options{StripeDisputeReference: tt.fallback})
			got, err := n.Normalize(payment.ProviderStripe, []byte(body))
			require.NoError(t, err)
			assert.Equal(t, payment.KindDisputeOpened, got.Kind)
			assert.Equal(t, tt.want, got.OrderReference)
		})
	}
}

func TestStripeDisputeMetadataWinsOverFallback(t *testing.T) {
	n := New(Options{StripeDisputeReference: DisputeReferencePaymentIntent})
	body := `{"id":"evt_d2","type":"charge.dispute.created","data":{"object":{"amount":5000,"currency":"usd",
		"metadata":{"order_reference":"ord_1"},"payment_intent":"pi_123"}}}`

	got, err := n.Normalize(payment.ProviderStripe, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "ord_1", got.OrderReference)
}

func TestStripeFallbackIgnoredOutsideDisputes(t *testing.T) {
	n := New(Options{StripeDisputeReference: DisputeReferencePaymentIntent})
	body := `{"id":"evt_p1","type":"charge.refunded","data":{"object":{"amount":5000,"amount_refunded":5000,
		"currency":"usd","payment_intent":"pi_123"}}}`

	got, err := n.Normalize(payment.ProviderStripe, []byte(body))
	require.NoError(t, err)
	assert.Empty(t, got.OrderReference)
}

func TestValidDisputeReference(t *testing.T) {
	for _, v := range []string{"", "payment_intent", "charge"} {
		assert.True(t, ValidDisputeReference(v), v)
	}
	assert.False(t, ValidDisputeReference("customer"))
}

func TestPayPalNormalize(t *testing.T) {
	n := newTestNormalizer()
	occurred := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		body    string
		want    payment.Event
		wantErr error
	}{
		{
			name: "capture completed",
			body: `{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","create_time":"2026-01-01T12:00:00Z",
				"resource":{"amount":{"currency_code":"USD","value":"50.00"},"custom_id":"ord_1","invoice_id":"inv_9"}}`,
			want: payment.Event{
				ID: "WH-1", Kind: payment.KindPaymentSucceeded, NativeType: "PAYMENT.CAPTURE.COMPLETED",
				OrderReference: "ord_1", AmountMinorUnits: 5000, Currency: "USD", OccurredAt: occurred,
			},
		},
		{
			name: "refund falls back to invoice id",
			body: `{"id":"WH-2","event_type":"PAYMENT.CAPTURE.REFUNDED","create_time":"2026-01-01T12:00:00Z",
				"resource":{"amount":{"currency_code":"JPY","value":"1200"},"invoice_id":"ord_2"}}`,
			want: payment.Event{
				ID: "WH-2", Kind: payment.KindRefunded, NativeType: "PAYMENT.CAPTURE.REFUNDED",
				OrderReference: "ord_2", AmountMinorUnits: 1200, Currency: "JPY", OccurredAt: occurred,
			},
		},
		{
			name: "dispute resolved for seller",
			body: `{"id":"WH-3","event_type":"CUSTOMER.DISPUTE.RESOLVED","create_time":"2026-01-01T12:00:00Z",
				"resource":{"dispute_amount":{"currency_code":"KWD","value":"1.5"},
				"disputed_transactions":[{"custom":"ord_3"}],"dispute_outcome":{"outcome_code":"RESOLVED_SELLER_FAVOUR"}}}`,
			want: payment.Event{
				ID: "WH-3", Kind: payment.KindDisputeResolved, NativeType: "CUSTOMER.DISPUTE.RESOLVED",
				OrderReference: "ord_3", AmountMinorUnits: 1500, Currency: "KWD",
				DisputeOutcome: payment.DisputeWon, OccurredAt: occurred,
			},
		},
		{
			name: "dispute resolved for buyer",
			body: `{"id":"WH-4","event_type":"CUSTOMER.DISPUTE.RESOLVED","create_time":"2026-01-01T12:00:00Z",
				"resource":{"dispute_amount":{"currency_code":"USD","value":"5"},
				"disputed_transactions":[{"custom":"ord_3"}],"dispute_outcome":{"outcome_code":"RESOLVED_BUYER_FAVOUR"}}}`,
			want: payment.Event{
				ID: "WH-4", Kind: payment.KindDisputeResolved, NativeType: "CUSTOMER.DISPUTE.RESOLVED",
				OrderReference: "ord_3", AmountMinorUnits: 500, Currency: "USD",
				DisputeOutcome: payment.DisputeLost, OccurredAt: occurred,
			},
		},
		{
			name: "order voided reads purchase units",
			body: `{"id":"WH-5","event_type":"CHECKOUT.ORDER.VOIDED","create_time":"2026-01-01T12:00:00Z",
				"resource":{"purchase_units":[{"custom_id":"ord_5","amount":{"currency_code":"EUR","value":"9.99"}}]}}`,
			want: payment.Event{
				ID: "WH-5", Kind: payment.KindPaymentCanceled, NativeType: "CHECKOUT.ORDER.VOIDED",
				OrderReference: "ord_5", AmountMinorUnits: 999, Currency: "EUR", OccurredAt: occurred,
			},
		},
		{
			name: "unknown type",
			body: `{"id":"WH-6","event_type":"BILLING.PLAN.CREATED","create_time":"2026-01-01T12:00:00Z","resource":{}}`,
			want: payment.Event{
				ID: "WH-6", Kind: payment.KindUnhandled, NativeType: "BILLING.PLAN.CREATED", OccurredAt: occurred,
			},
		},
		{
			name:    "too many decimals",
			body:    `{"id":"WH-7","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"amount":{"currency_code":"USD","value":"10.001"}}}`,
			wantErr: payment.ErrAmountUnparseable,
		},
		{
			name:    "decimals on zero-exponent currency",
			body:    `{"id":"WH-8","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"amount":{"currency_code":"JPY","value":"100.5"}}}`,
			wantErr: payment.ErrAmountUnparseable,
		},
		{
			name:    "bad create time",
			body:    `{"id":"WH-9","event_type":"PAYMENT.CAPTURE.COMPLETED","create_time":"yesterday","resource":{}}`,
			wantErr: payment.ErrPayloadMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(payment.ProviderPayPal, []byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assertEvent(t, tt.want, got, payment.ProviderPayPal, tt.body)
		})
	}
}

func TestOtherNormalize(t *testing.T) {
	n := newTestNormalizer()

	body := `{"id":"o-1","type":"dispute_resolved","occurred_at":"2026-02-03T04:05:06Z","order_reference":"ord_7",
		"amount_minor_units":250,"currency":"gbp","dispute_outcome":"WON"}`
	got, err := n.Normalize(payment.ProviderOther, []byte(body))
	require.NoError(t, err)
	assertEvent(t, payment.Event{
		ID: "o-1", Kind: payment.KindDisputeResolved, NativeType: "dispute_resolved",
		OrderReference: "ord_7", AmountMinorUnits: 250, Currency: "GBP", DisputeOutcome: payment.DisputeWon,
		OccurredAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}, got, payment.ProviderOther, body)

	_, err = n.Normalize(payment.ProviderOther, []byte(`{"id":"o-2","type":"dispute_resolved","currency":"USD"}`))
	assert.ErrorIs(t, err, payment.ErrPayloadMalformed)

	_, err = n.Normalize(payment.ProviderOther, []byte(`{"id":"o-3","type":"refunded","amount_minor_units":1e3}`))
	assert.ErrorIs(t, err, payment.ErrAmountUnparseable)

	got, err = n.Normalize(payment.ProviderOther, []byte(`{"id":"o-4","type":"subscription_paused"}`))
	require.NoError(t, err)
	assert.Equal(t, payment.KindUnhandled, got.Kind)
}

func TestNormalizeUnknownProvider(t *testing.T) {
	_, err := newTestNormalizer().Normalize(payment.Provider("adyen"), []byte(`{}`))
	assert.ErrorIs(t, err, payment.ErrUnknownProvider)
}

func TestDecimalAmount(t *testing.T) {
	tests := []struct {
		value    string
		currency string
		want     int64
		wantErr  bool
	}{
		{value: "10", currency: "USD", want: 1000},
		{value: "10.5", currency: "USD", want: 1050},
		{value: "0.01", currency: "USD", want: 1},
		{value: "1.234", currency: "BHD", want: 1234},
		{value: "500", currency: "JPY", want: 500},
		{value: "1.", currency: "USD", wantErr: true},
		{value: ".5", currency: "USD", wantErr: true},
		{value: "-1.00", currency: "USD", wantErr: true},
		{value: "1e2", currency: "USD", wantErr: true},
		{value: "99999999999999999999", currency: "USD", wantErr: true},
	}
	for _, tt := range tests {
		got, err := decimalAmount(tt.value, tt.currency)
		if tt.wantErr {
			assert.ErrorIs(t, err, payment.ErrAmountUnparseable, tt.value)
			continue
		}
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.want, got, tt.value)
	}
}

func assertEvent(t *testing.T, want, got payment.Event, provider payment.Provider, body string) {
	t.Helper()
	want.Provider = provider
	want.ReceivedAt = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	want.RawPayloadDigest = payment.Digest([]byte(body))
	assert.Equal(t, want, got)
}
