package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/storage"
)

// DefaultMaxAttempts is the number of failed deliveries tolerated before an
// item is dead-lettered.
const DefaultMaxAttempts = 10

// DedupFinalizer marks dedup records terminal inside a queue transaction.
type DedupFinalizer interface {
	FinalizeTx(ctx context.Context, tx *sql.Tx, key payment.Key, status dedup.Status, reason string) error
	Remember(ctx context.Context, key payment.Key, status dedup.Status)
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	Backoff     *Backoff
	DeadLetters deadletter.Sink
	Dedup       DedupFinalizer
}

// Queue is a SQLite-backed at-least-once queue with visibility leases.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	backoff     *Backoff
	deadLetters deadletter.Sink
	dedup       DedupFinalizer
	now         func() time.Time
}

// New returns a Queue. DeadLetters and Dedup are required for Nack to be
// able to retire exhausted items.
func New(db *sql.DB, opts Options) *Queue {
	q := &Queue{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		deadLetters: opts.DeadLetters,
		dedup:       opts.Dedup,
		now:         time.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.backoff == nil {
		q.backoff = NewBackoff(0, 0)
	}
	return q
}

// Enqueue adds ev, immediately available. If a live item already carries
// the event's dedupe key, its id is returned and nothing is inserted.
func (q *Queue) Enqueue(ctx context.Context, ev payment.Event) (string, error) {
	if ev.ID == "" {
		return "", fmt.Errorf("event id is empty")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id := uuid.NewString()
	dedupeKey := ev.Key().String()
	now := storage.FormatTime(q.now())

	res, err := q.db.ExecContext(ctx, `
INSERT INTO queue_items(id, dedupe_key, provider, event_id, payload, attempt, available_at, created_at)
VALUES(?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(dedupe_key) DO NOTHING;
`, id, dedupeKey, string(ev.Provider), ev.ID, string(payload), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("enqueue item rows affected: %w", err)
	}
	if n == 1 {
		return id, nil
	}

	var existing string
	if err := q.db.QueryRowContext(ctx, `SELECT id FROM queue_items WHERE dedupe_key = ?;`, dedupeKey).Scan(&existing); err != nil {
		return "", fmt.Errorf("load existing queue item: %w", err)
	}
	return existing, nil
}

// leaseExpiredReason is recorded when an item is reclaimed from a worker
// that never settled it.
const leaseExpiredReason = "lease expired before ack"

// Claim leases the oldest available item for lease. Returns (nil, nil) if
// nothing is available.
//
// Reclaiming an item whose lease expired counts as a failed delivery. Once
// that pushes an item past MaxAttempts it is dead-lettered here, since the
// worker that keeps losing it never reaches Nack.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*Item, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive")
	}
	for {
		item, err := q.claimOne(ctx, lease)
		if err != nil || item == nil {
			return item, err
		}
		if item.Attempt <= q.maxAttempts {
			return item, nil
		}
		log.WithEvent(item.Event).Warn("dead-lettering item whose lease kept expiring",
			"queue_id", item.ID, "attempts", item.Attempt)
		if _, err := q.deadLetter(ctx, item, item.LastError); err != nil {
			return nil, fmt.Errorf("dead-letter expired item %s: %w", item.ID, err)
		}
	}
}

func (q *Queue) claimOne(ctx context.Context, lease time.Duration) (*Item, error) {
	now := q.now()
	nowS := storage.FormatTime(now)
	token := uuid.NewString()
	expires := now.Add(lease)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM queue_items
  WHERE available_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
  ORDER BY available_at ASC, rowid ASC
  LIMIT 1
)
UPDATE queue_items
SET lease_token = ?, lease_expires_at = ?,
    attempt = attempt + CASE WHEN lease_expires_at IS NULL THEN 0 ELSE 1 END,
    last_error = CASE WHEN lease_expires_at IS NULL THEN last_error ELSE ? END
WHERE id IN (SELECT id FROM next)
RETURNING id, dedupe_key, payload, attempt, available_at, lease_token, lease_expires_at, created_at, last_error;
`, nowS, nowS, token, storage.FormatTime(expires), leaseExpiredReason)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		it           Item
		payload      string
		availableAtS string
		leaseToken   sql.NullString
		leaseExpS    sql.NullString
		createdAtS   string
		lastError    sql.NullString
	)
	if err := row.Scan(&it.ID, &it.DedupeKey, &payload, &it.Attempt, &availableAtS, &leaseToken, &leaseExpS, &createdAtS, &lastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Event); err != nil {
		return nil, fmt.Errorf("decode queued event: %w", err)
	}
	if t, err := storage.ParseTime(availableAtS); err == nil {
		it.AvailableAt = t
	}
	if t, err := storage.ParseTime(createdAtS); err == nil {
		it.CreatedAt = t
	}
	it.LeaseToken = leaseToken.String
	it.LeaseExpiresAt = storage.ParseNullTime(leaseExpS)
	it.LastError = lastError.String
	return &it, nil
}

// Ack removes the item owned by token.
func (q *Queue) Ack(ctx context.Context, token string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE lease_token = ?;`, token)
	if err != nil {
		return fmt.Errorf("ack queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack queue item rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack records a failed delivery. The item is rescheduled with backoff, or
// dead-lettered once it has already failed MaxAttempts times.
func (q *Queue) Nack(ctx context.Context, token string, opts NackOptions) (NackResult, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, dedupe_key, payload, attempt, available_at, lease_token, lease_expires_at, created_at, last_error
FROM queue_items
WHERE lease_token = ?;
`, token)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NackResult{}, ErrLeaseLost
	}
	if err != nil {
		return NackResult{}, fmt.Errorf("load queue item for nack: %w", err)
	}

	if item.Attempt >= q.maxAttempts {
		return q.deadLetter(ctx, item, opts.Reason)
	}

	attempt := item.Attempt + 1
	delay := opts.RetryAfter
	if delay <= 0 {
		delay = q.backoff.Delay(attempt)
	}
	availableAt := q.now().Add(delay)

	res, err := q.db.ExecContext(ctx, `
UPDATE queue_items
SET attempt = ?, available_at = ?, lease_token = NULL, lease_expires_at = NULL, last_error = ?
WHERE id = ? AND lease_token = ?;
`, attempt, storage.FormatTime(availableAt), nullString(opts.Reason), item.ID, token)
	if err != nil {
		return NackResult{}, fmt.Errorf("reschedule queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NackResult{}, fmt.Errorf("reschedule queue item rows affected: %w", err)
	}
	if n == 0 {
		return NackResult{}, ErrLeaseLost
	}
	return NackResult{Attempt: attempt, AvailableAt: availableAt}, nil
}

func (q *Queue) deadLetter(ctx context.Context, item *Item, reason string) (NackResult, error) {
	if q.deadLetters == nil || q.dedup == nil {
		return NackResult{}, fmt.Errorf("dead-letter routing not configured")
	}
	if reason == "" {
		reason = "retries exhausted"
	}

	// Append first: the sink ignores a repeated id, so a crash before the
	// delete below only leads to a second, harmless append.
	if err := q.deadLetters.Append(ctx, deadletter.Entry{
		ID:        item.ID,
		DedupeKey: item.DedupeKey,
		Event:     item.Event,
		Reason:    reason,
		Attempts:  item.Attempt,
		DeadAt:    q.now(),
	}); err != nil {
		return NackResult{}, fmt.Errorf("append dead letter: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return NackResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ? AND lease_token = ?;`, item.ID, item.LeaseToken)
	if err != nil {
		return NackResult{}, fmt.Errorf("delete dead-lettered item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return NackResult{}, fmt.Errorf("delete dead-lettered item rows affected: %w", err)
	} else if n == 0 {
		return NackResult{}, ErrLeaseLost
	}

	key := item.Event.Key()
	ferr := q.dedup.FinalizeTx(ctx, tx, key, dedup.StatusFailedTerminal, reason)
	if ferr != nil && !errors.Is(ferr, dedup.ErrNotPending) {
		return NackResult{}, ferr
	}
	if err := tx.Commit(); err != nil {
		return NackResult{}, fmt.Errorf("commit tx: %w", err)
	}
	if ferr == nil {
		q.dedup.Remember(ctx, key, dedup.StatusFailedTerminal)
	} else {
		log.WithEvent(item.Event).Warn("dead-lettered item had no pending dedup record", "queue_id", item.ID)
	}

	return NackResult{DeadLettered: true, Attempt: item.Attempt}, nil
}

// Depth reports how many items are ready, delayed, and leased.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	nowS := storage.FormatTime(q.now())
	var d Depth
	err := q.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?) AND available_at <= ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN (lease_expires_at IS NULL OR lease_expires_at <= ?) AND available_at > ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN lease_expires_at > ? THEN 1 ELSE 0 END), 0)
FROM queue_items;
`, nowS, nowS, nowS, nowS, nowS).Scan(&d.Ready, &d.Delayed, &d.Leased)
	if err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
