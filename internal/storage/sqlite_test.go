package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "payhook.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"dedup_records", "queue_items", "dead_letters", "orders"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "payhook.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	times := []time.Time{
		base.Add(120 * time.Millisecond),
		base.Add(100 * time.Millisecond),
		base,
		base.Add(time.Second),
		base.Add(1 * time.Nanosecond),
	}
	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = FormatTime(ts)
	}
	sort.Strings(formatted)

	var prev time.Time
	for i, s := range formatted {
		parsed, err := ParseTime(s)
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, parsed.After(prev), "%s should sort after %s", s, FormatTime(prev))
		}
		prev = parsed
	}
}

func TestNullTimeRoundTrip(t *testing.T) {
	assert.False(t, NullTime(time.Time{}).Valid)
	assert.True(t, ParseNullTime(sql.NullString{}).IsZero())

	ts := time.Date(2026, 5, 6, 7, 8, 9, 10, time.FixedZone("X", 3600))
	got := ParseNullTime(NullTime(ts))
	assert.True(t, ts.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}
