package storage

import (
	"database/sql"
	"time"
)

// timeLayout is fixed-width so that lexical comparison in SQL matches
// chronological order. time.RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using the fixed-width storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// NullTime formats t for a nullable column; the zero time maps to NULL.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

// ParseNullTime parses a nullable timestamp column; NULL and garbage map to the zero time.
func ParseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
