package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/storage"
)

type fixture struct {
	db    *sql.DB
	q     *Queue
	dedup *dedup.Store
	dlq   *deadletter.SQLiteSink
	now   time.Time
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "payhook.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:    db,
		dedup: dedup.NewStore(db, dedup.Options{}),
		dlq:   deadletter.NewSQLiteSink(db),
		now:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.q = New(db, Options{
		MaxAttempts: maxAttempts,
		Backoff:     NewBackoff(30*time.Second, time.Hour),
		DeadLetters: f.dlq,
		Dedup:       f.dedup,
	})
	f.q.now = func() time.Time { return f.now }
	return f
}

func testEvent(id string) payment.Event {
	return payment.Event{
		ID:               id,
		Provider:         payment.ProviderStripe,
		Kind:             payment.KindPaymentSucceeded,
		OrderReference:   "ord_1",
		AmountMinorUnits: 5000,
		Currency:         "USD",
		OccurredAt:       time.Date(2026, 6, 1, 8, 59, 0, 0, time.UTC),
	}
}

func TestQueueEnqueueClaimFIFO(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	id1, err := f.q.Enqueue(ctx, testEvent("evt_1"))
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	f.now = f.now.Add(time.Millisecond)
	id2, err := f.q.Enqueue(ctx, testEvent("evt_2"))
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	it1, err := f.q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim 1: %v", err)
	}
	if it1 == nil || it1.ID != id1 || it1.LeaseToken == "" || it1.Event.ID != "evt_1" {
		t.Fatalf("unexpected item1: %#v", it1)
	}
	if it1.Event.AmountMinorUnits != 5000 || it1.DedupeKey != "stripe:evt_1" {
		t.Fatalf("event not round-tripped: %#v", it1.Event)
	}

	it2, err := f.q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim 2: %v", err)
	}
	if it2 == nil || it2.ID != id2 {
		t.Fatalf("unexpected item2: %#v", it2)
	}

	it3, err := f.q.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim 3: %v", err)
	}
	if it3 != nil {
		t.Fatalf("expected empty queue, got %#v", it3)
	}
}

func TestQueueEnqueueIgnoresLiveDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	id1, err := f.q.Enqueue(ctx, testEvent("evt_1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := f.q.Enqueue(ctx, testEvent("evt_1"))
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate enqueue returned %q, want %q", id2, id1)
	}

	d, err := f.q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if d.Total() != 1 || d.Ready != 1 {
		t.Fatalf("unexpected depth: %+v", d)
	}
}

func TestQueueLeaseExpiryAllowsReclaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	if _, err := f.q.Enqueue(ctx, testEvent("evt_1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := f.q.Claim(ctx, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("Claim: %v %#v", err, first)
	}

	if it, err := f.q.Claim(ctx, time.Minute); err != nil || it != nil {
		t.Fatalf("leased item must not be claimable: %v %#v", err, it)
	}
	d, _ := f.q.Depth(ctx)
	if d.Leased != 1 {
		t.Fatalf("expected 1 leased item, got %+v", d)
	}

	f.now = f.now.Add(2 * time.Minute)
	second, err := f.q.Claim(ctx, time.Minute)
	if err != nil || second == nil {
		t.Fatalf("reclaim after expiry: %v %#v", err, second)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatal("reclaim must issue a fresh lease token")
	}

	if err := f.q.Ack(ctx, first.LeaseToken); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale ack: got %v, want ErrLeaseLost", err)
	}
	if _, err := f.q.Nack(ctx, first.LeaseToken, NackOptions{}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale nack: got %v, want ErrLeaseLost", err)
	}
	if err := f.q.Ack(ctx, second.LeaseToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d, _ := f.q.Depth(ctx); d.Total() != 0 {
		t.Fatalf("expected empty queue after ack, got %+v", d)
	}
}

func TestQueueRepeatedLeaseExpiryDeadLetters(t *testing.T) {
	t.Parallel()
	const maxAttempts = 2
	f := newFixture(t, maxAttempts)
	ctx := context.Background()

	ev := testEvent("evt_1")
	if _, err := f.dedup.Begin(ctx, ev.Key(), ""); err != nil {
		t.Fatalf("dedup Begin: %v", err)
	}
	id, err := f.q.Enqueue(ctx, ev)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Each worker takes the item and dies without Ack or Nack.
	for want := 0; want <= maxAttempts; want++ {
		it, err := f.q.Claim(ctx, time.Minute)
		if err != nil || it == nil {
			t.Fatalf("Claim %d: %v %#v", want, err, it)
		}
		if it.Attempt != want {
			t.Fatalf("Claim %d: attempt = %d", want, it.Attempt)
		}
		if want > 0 && it.LastError != leaseExpiredReason {
			t.Fatalf("Claim %d: last error = %q", want, it.LastError)
		}
		f.now = f.now.Add(2 * time.Minute)
	}

	if it, err := f.q.Claim(ctx, time.Minute); err != nil || it != nil {
		t.Fatalf("exhausted item must not be handed out: %v %#v", err, it)
	}
	if d, _ := f.q.Depth(ctx); d.Total() != 0 {
		t.Fatalf("expected empty queue, got %+v", d)
	}

	entry, err := f.dlq.Get(ctx, id)
	if err != nil {
		t.Fatalf("dead letter Get: %v", err)
	}
	if entry.Reason != leaseExpiredReason || entry.Attempts != maxAttempts+1 {
		t.Fatalf("unexpected dead letter: %+v", entry)
	}
	rec, err := f.dedup.Get(ctx, ev.Key())
	if err != nil {
		t.Fatalf("dedup Get: %v", err)
	}
	if rec.Status != dedup.StatusFailedTerminal {
		t.Fatalf("dedup status = %s, want failed_terminal", rec.Status)
	}
}

func TestQueueNackBackoffIsMonotonic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20)
	ctx := context.Background()

	if _, err := f.q.Enqueue(ctx, testEvent("evt_1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var prev time.Duration
	for i := 1; i <= 12; i++ {
		it, err := f.q.Claim(ctx, time.Minute)
		if err != nil || it == nil {
			t.Fatalf("Claim %d: %v %#v", i, err, it)
		}
		res, err := f.q.Nack(ctx, it.LeaseToken, NackOptions{Reason: "order repository unavailable"})
		if err != nil {
			t.Fatalf("Nack %d: %v", i, err)
		}
		if res.DeadLettered || res.Attempt != i {
			t.Fatalf("Nack %d: unexpected result %+v", i, res)
		}
		delta := res.AvailableAt.Sub(f.now)
		if delta < prev {
			t.Fatalf("attempt %d delay %s shorter than previous %s", i, delta, prev)
		}
		if delta > time.Hour {
			t.Fatalf("attempt %d delay %s exceeds cap", i, delta)
		}
		prev = delta

		if it, _ := f.q.Claim(ctx, time.Minute); it != nil {
			t.Fatalf("item claimable before backoff elapsed")
		}
		f.now = res.AvailableAt
	}
	if prev != time.Hour {
		t.Fatalf("expected delay to reach cap, got %s", prev)
	}
}

func TestQueueNackRetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	if _, err := f.q.Enqueue(ctx, testEvent("evt_1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	it, _ := f.q.Claim(ctx, time.Minute)
	res, err := f.q.Nack(ctx, it.LeaseToken, NackOptions{RetryAfter: 5 * time.Second, Reason: "version conflict"})
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if got := res.AvailableAt.Sub(f.now); got != 5*time.Second {
		t.Fatalf("delay = %s, want 5s", got)
	}

	f.now = res.AvailableAt
	it, _ = f.q.Claim(ctx, time.Minute)
	if it == nil || it.LastError != "version conflict" || it.Attempt != 1 {
		t.Fatalf("unexpected item after retry: %#v", it)
	}
}

func TestQueueDeadLetterBoundary(t *testing.T) {
	t.Parallel()
	const maxAttempts = 3
	f := newFixture(t, maxAttempts)
	ctx := context.Background()

	ev := testEvent("evt_1")
	if _, err := f.dedup.Begin(ctx, ev.Key(), ""); err != nil {
		t.Fatalf("dedup Begin: %v", err)
	}
	id, err := f.q.Enqueue(ctx, ev)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 1; i <= maxAttempts; i++ {
		it, _ := f.q.Claim(ctx, time.Minute)
		if it == nil {
			t.Fatalf("Claim %d: no item", i)
		}
		res, err := f.q.Nack(ctx, it.LeaseToken, NackOptions{Reason: "boom"})
		if err != nil {
			t.Fatalf("Nack %d: %v", i, err)
		}
		if res.DeadLettered {
			t.Fatalf("Nack %d dead-lettered too early", i)
		}
		f.now = res.AvailableAt
	}

	it, _ := f.q.Claim(ctx, time.Minute)
	if it == nil {
		t.Fatal("expected final claim")
	}
	res, err := f.q.Nack(ctx, it.LeaseToken, NackOptions{Reason: "still down"})
	if err != nil {
		t.Fatalf("final Nack: %v", err)
	}
	if !res.DeadLettered || res.Attempt != maxAttempts {
		t.Fatalf("expected dead letter after %d attempts, got %+v", maxAttempts, res)
	}

	f.now = f.now.Add(24 * time.Hour)
	if it, _ := f.q.Claim(ctx, time.Minute); it != nil {
		t.Fatalf("dead-lettered item reclaimed: %#v", it)
	}

	entry, err := f.dlq.Get(ctx, id)
	if err != nil {
		t.Fatalf("dead letter Get: %v", err)
	}
	if entry.Reason != "still down" || entry.Attempts != maxAttempts || entry.Event.ID != "evt_1" {
		t.Fatalf("unexpected dead letter: %+v", entry)
	}

	rec, err := f.dedup.Get(ctx, ev.Key())
	if err != nil {
		t.Fatalf("dedup Get: %v", err)
	}
	if rec.Status != dedup.StatusFailedTerminal {
		t.Fatalf("dedup status = %s, want failed_terminal", rec.Status)
	}
}

func TestQueueClaimRejectsNonPositiveLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	if _, err := f.q.Claim(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero lease")
	}
}
