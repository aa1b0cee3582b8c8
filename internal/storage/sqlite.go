package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just the first.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dedup_records (
  provider       TEXT NOT NULL,
  event_id       TEXT NOT NULL,
  status         TEXT NOT NULL,
  version        INTEGER NOT NULL DEFAULT 1,
  payload_digest TEXT,
  claimed_at     TEXT NOT NULL,
  processed_at   TEXT,
  reason         TEXT,
  PRIMARY KEY (provider, event_id)
);`,
		`CREATE TABLE IF NOT EXISTS queue_items (
  id               TEXT PRIMARY KEY,
  dedupe_key       TEXT NOT NULL UNIQUE,
  provider         TEXT NOT NULL,
  event_id         TEXT NOT NULL,
  payload          JSON NOT NULL,
  attempt          INTEGER NOT NULL DEFAULT 0,
  available_at     TEXT NOT NULL,
  lease_token      TEXT,
  lease_expires_at TEXT,
  created_at       TEXT NOT NULL,
  last_error       TEXT
);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
  id          TEXT PRIMARY KEY,
  dedupe_key  TEXT NOT NULL,
  provider    TEXT NOT NULL,
  event_id    TEXT NOT NULL,
  payload     JSON NOT NULL,
  reason      TEXT NOT NULL,
  attempts    INTEGER NOT NULL,
  dead_at     TEXT NOT NULL,
  replayed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS orders (
  reference             TEXT PRIMARY KEY,
  payment_status        TEXT NOT NULL,
  paid_amount           INTEGER NOT NULL DEFAULT 0,
  last_payment_event_at TEXT,
  version               INTEGER NOT NULL DEFAULT 1,
  updated_at            TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dedup_records_status_processed_at_idx ON dedup_records(status, processed_at);`,
		`CREATE INDEX IF NOT EXISTS queue_items_available_at_idx ON queue_items(available_at);`,
		`CREATE INDEX IF NOT EXISTS dead_letters_dead_at_idx ON dead_letters(dead_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
