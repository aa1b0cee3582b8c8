package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/payhook/internal/storage"
)

// SQLiteSink is the authoritative dead-letter store.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink returns a sink over db.
func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// Append stores e. Appending the same id twice is a no-op.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("dead letter id is empty")
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	deadAt := e.DeadAt
	if deadAt.IsZero() {
		deadAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letters(id, dedupe_key, provider, event_id, payload, reason, attempts, dead_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, e.ID, e.DedupeKey, string(e.Event.Provider), e.Event.ID, string(payload), e.Reason, e.Attempts, storage.FormatTime(deadAt))
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

// ListOptions filters List.
type ListOptions struct {
	Limit           int
	IncludeReplayed bool
}

// List returns dead letters, newest first.
func (s *SQLiteSink) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, dedupe_key, payload, reason, attempts, dead_at, replayed_at
FROM dead_letters`
	if !opts.IncludeReplayed {
		query += `
WHERE replayed_at IS NULL`
	}
	query += `
ORDER BY dead_at DESC, rowid DESC
LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Get returns the entry with id.
func (s *SQLiteSink) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, dedupe_key, payload, reason, attempts, dead_at, replayed_at
FROM dead_letters
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// MarkReplayed stamps the entry as replayed. It fails with ErrAlreadyReplayed
// if another caller got there first.
func (s *SQLiteSink) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE dead_letters SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL;
`, storage.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dead letter replayed rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyReplayed, id)
	}
	return nil
}

// Count returns the number of entries not yet replayed.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE replayed_at IS NULL;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		payload    string
		deadAt     string
		replayedAt sql.NullString
	)
	if err := row.Scan(&e.ID, &e.DedupeKey, &payload, &e.Reason, &e.Attempts, &deadAt, &replayedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan dead letter: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
		return Entry{}, fmt.Errorf("decode dead letter event: %w", err)
	}
	t, err := storage.ParseTime(deadAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse dead_at: %w", err)
	}
	e.DeadAt = t
	e.ReplayedAt = storage.ParseNullTime(replayedAt)
	return e, nil
}
