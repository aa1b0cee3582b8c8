// Package dedup is the durable record of which provider events have been
// processed. It is the single source of truth for at-most-once application.
//
// A record is created pending by ingestion with an atomic insert-if-absent and
// finalized by exactly one conditional update once the event reaches a
// terminal outcome. Pending records older than the pending timeout are
// treated as abandoned and may be reclaimed by a later delivery.
package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/payhook/internal/log"
	"github.com/mattjoyce/payhook/internal/payment"
	"github.com/mattjoyce/payhook/internal/storage"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusApplied        Status = "applied"
	StatusSkipped        Status = "skipped"
	StatusFailedTerminal Status = "failed_terminal"
)

// Terminal reports whether s is a final outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusSkipped, StatusFailedTerminal:
		return true
	default:
		return false
	}
}

// Decision is the answer to "should this delivery be processed?".
type Decision string

const (
	DecisionProceed   Decision = "proceed"
	DecisionDuplicate Decision = "duplicate"
	DecisionInFlight  Decision = "in_flight"
)

var (
	ErrNotFound   = errors.New("dedup record not found")
	ErrNotPending = errors.New("dedup record not pending")
	ErrPending    = errors.New("dedup record already pending")
)

// Record is the persisted marker for one (provider, event id) pair.
type Record struct {
	Provider      payment.Provider `json:"provider"`
	EventID       string           `json:"event_id"`
	Status        Status           `json:"status"`
	Version       int64            `json:"version"`
	PayloadDigest string           `json:"payload_digest,omitempty"`
	ClaimedAt     time.Time        `json:"claimed_at"`
	ProcessedAt   time.Time        `json:"processed_at,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// Key returns the record's dedup key.
func (r Record) Key() payment.Key {
	return payment.Key{Provider: r.Provider, EventID: r.EventID}
}

// BeginResult is returned by Begin.
type BeginResult struct {
	Decision Decision
	Record   Record
}

// Cache is an optional read-through cache of terminal outcomes.
type Cache interface {
	Lookup(ctx context.Context, key payment.Key) (Status, bool, error)
	Remember(ctx context.Context, key payment.Key, status Status) error
	Forget(ctx context.Context, key payment.Key) error
}

// DefaultPendingTimeout bounds how long a pending record blocks redelivery.
const DefaultPendingTimeout = 15 * time.Minute

// Options configures a Store.
type Options struct {
	PendingTimeout time.Duration
	Cache          Cache
}

// Store is the SQLite-backed dedup store.
type Store struct {
	db             *sql.DB
	pendingTimeout time.Duration
	cache          Cache
	now            func() time.Time
}

// NewStore returns a Store over db, which must have been opened with storage.OpenSQLite.
func NewStore(db *sql.DB, opts Options) *Store {
	timeout := opts.PendingTimeout
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &Store{
		db:             db,
		pendingTimeout: timeout,
		cache:          opts.Cache,
		now:            time.Now,
	}
}

// Begin atomically claims key for processing.
func (s *Store) Begin(ctx context.Context, key payment.Key, digest string) (BeginResult, error) {
	if s.cache != nil {
		status, ok, err := s.cache.Lookup(ctx, key)
		if err != nil {
			log.WithComponent("dedup").Warn("cache lookup failed", "key", key.String(), "error", err)
		} else if ok && status.Terminal() {
			return BeginResult{Decision: DecisionDuplicate, Record: Record{Provider: key.Provider, EventID: key.EventID, Status: status}}, nil
		}
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dedup_records(provider, event_id, status, version, payload_digest, claimed_at)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(provider, event_id) DO NOTHING;
`, string(key.Provider), key.EventID, string(StatusPending), digest, storage.FormatTime(now))
	if err != nil {
		return BeginResult{}, fmt.Errorf("insert dedup record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return BeginResult{}, fmt.Errorf("insert dedup record rows affected: %w", err)
	} else if n == 1 {
		return BeginResult{Decision: DecisionProceed, Record: Record{
			Provider:      key.Provider,
			EventID:       key.EventID,
			Status:        StatusPending,
			Version:       1,
			PayloadDigest: digest,
			ClaimedAt:     now,
		}}, nil
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return BeginResult{}, err
	}
	if rec.Status.Terminal() {
		s.remember(ctx, key, rec.Status)
		return BeginResult{Decision: DecisionDuplicate, Record: rec}, nil
	}
	if now.Sub(rec.ClaimedAt) < s.pendingTimeout {
		return BeginResult{Decision: DecisionInFlight, Record: rec}, nil
	}

	res, err = s.db.ExecContext(ctx, `
UPDATE dedup_records
SET claimed_at = ?, version = version + 1, payload_digest = ?
WHERE provider = ? AND event_id = ? AND status = ? AND version = ?;
`, storage.FormatTime(now), digest, string(key.Provider), key.EventID, string(StatusPending), rec.Version)
	if err != nil {
		return BeginResult{}, fmt.Errorf("reclaim dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return BeginResult{}, fmt.Errorf("reclaim dedup record rows affected: %w", err)
	}
	if n == 0 {
		// Lost the reclaim race; whoever won owns the delivery now.
		rec, err = s.Get(ctx, key)
		if err != nil {
			return BeginResult{}, err
		}
		if rec.Status.Terminal() {
			return BeginResult{Decision: DecisionDuplicate, Record: rec}, nil
		}
		return BeginResult{Decision: DecisionInFlight, Record: rec}, nil
	}

	log.WithComponent("dedup").Warn("reclaimed abandoned pending record",
		"key", key.String(), "claimed_at", storage.FormatTime(rec.ClaimedAt))
	rec.Version++
	rec.ClaimedAt = now
	rec.PayloadDigest = digest
	return BeginResult{Decision: DecisionProceed, Record: rec}, nil
}

// Release deletes a pending record this caller still owns, so that a
// provider retry is not blocked after a failed enqueue.
func (s *Store) Release(ctx context.Context, key payment.Key, version int64) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM dedup_records
WHERE provider = ? AND event_id = ? AND status = ? AND version = ?;
`, string(key.Provider), key.EventID, string(StatusPending), version)
	if err != nil {
		return fmt.Errorf("release dedup record: %w", err)
	}
	return nil
}

// Get returns the record for key.
func (s *Store) Get(ctx context.Context, key payment.Key) (Record, error) {
	return getRecord(ctx, s.db, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, key payment.Key) (Record, error) {
	row := q.QueryRowContext(ctx, `
SELECT provider, event_id, status, version, payload_digest, claimed_at, processed_at, reason
FROM dedup_records
WHERE provider = ? AND event_id = ?;
`, string(key.Provider), key.EventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dedup record: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		provider    string
		status      string
		digest      sql.NullString
		claimedAt   string
		processedAt sql.NullString
		reason      sql.NullString
	)
	if err := row.Scan(&provider, &rec.EventID, &status, &rec.Version, &digest, &claimedAt, &processedAt, &reason); err != nil {
		return Record{}, err
	}
	rec.Provider = payment.Provider(provider)
	rec.Status = Status(status)
	rec.PayloadDigest = digest.String
	rec.Reason = reason.String
	rec.ProcessedAt = storage.ParseNullTime(processedAt)
	t, err := storage.ParseTime(claimedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse claimed_at: %w", err)
	}
	rec.ClaimedAt = t
	return rec, nil
}

// Finalize moves a pending record to a terminal status.
func (s *Store) Finalize(ctx context.Context, key payment.Key, status Status, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.FinalizeTx(ctx, tx, key, status, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.remember(ctx, key, status)
	return nil
}

// FinalizeTx is Finalize inside a caller-owned transaction. Callers should
// call Remember after the transaction commits.
func (s *Store) FinalizeTx(ctx context.Context, tx *sql.Tx, key payment.Key, status Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize dedup record: status %q is not terminal", status)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE dedup_records
SET status = ?, processed_at = ?, reason = ?, version = version + 1
WHERE provider = ? AND event_id = ? AND status = ?;
`, string(status), storage.FormatTime(s.now()), nullString(reason), string(key.Provider), key.EventID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("finalize dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize dedup record rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize %s: %w", key, ErrNotPending)
	}
	return nil
}

// Remember records a committed terminal outcome in the cache, if any.
func (s *Store) Remember(ctx context.Context, key payment.Key, status Status) {
	s.remember(ctx, key, status)
}

func (s *Store) remember(ctx context.Context, key payment.Key, status Status) {
	if s.cache == nil || !status.Terminal() {
		return
	}
	if err := s.cache.Remember(ctx, key, status); err != nil {
		log.WithComponent("dedup").Warn("cache remember failed", "key", key.String(), "error", err)
	}
}

// Reopen returns a terminal record to pending so the event can be replayed.
func (s *Store) Reopen(ctx context.Context, key payment.Key) (Record, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE dedup_records
SET status = ?, claimed_at = ?, processed_at = NULL, reason = NULL, version = version + 1
WHERE provider = ? AND event_id = ? AND status != ?;
`, string(StatusPending), storage.FormatTime(now), string(key.Provider), key.EventID, string(StatusPending))
	if err != nil {
		return Record{}, fmt.Errorf("reopen dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("reopen dedup record rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("reopen %s: %w", key, ErrPending)
	}
	if s.cache != nil {
		if err := s.cache.Forget(ctx, key); err != nil {
			log.WithComponent("dedup").Warn("cache forget failed", "key", key.String(), "error", err)
		}
	}
	return s.Get(ctx, key)
}

// Prune deletes terminal records processed before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM dedup_records
WHERE status != ? AND processed_at IS NOT NULL AND processed_at < ?;
`, string(StatusPending), storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune dedup records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dedup records rows affected: %w", err)
	}
	return n, nil
}

// Orphans lists pending records claimed before cutoff that have no live queue item.
func (s *Store) Orphans(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT d.provider, d.event_id, d.status, d.version, d.payload_digest, d.claimed_at, d.processed_at, d.reason
FROM dedup_records d
LEFT JOIN queue_items q ON q.dedupe_key = d.provider || ':' || d.event_id
WHERE d.status = ? AND d.claimed_at < ? AND q.id IS NULL
ORDER BY d.claimed_at ASC
LIMIT ?;
`, string(StatusPending), storage.FormatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned dedup records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dedup record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedup records: %w", err)
	}
	return out, nil
}

// Counts returns the number of records per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dedup_records GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count dedup records: %w", err)
	}
	defer rows.Close()

	out := map[Status]int64{
		StatusPending:        0,
		StatusApplied:        0,
		StatusSkipped:        0,
		StatusFailedTerminal: 0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan dedup count: %w", err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedup counts: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
