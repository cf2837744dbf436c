package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// DateLayout is the text encoding used for every timestamp column. The fixed
// width fraction keeps lexical order equal to chronological order in UTC.
const DateLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes t in UTC using DateLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// NullableTime encodes t, or returns nil for the zero time so the column stores NULL.
func NullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}

// NullableString returns nil for an empty string so the column stores NULL.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ParseTime decodes a timestamp column, accepting the layouts older rows may carry.
func ParseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time: %s", s)
}

// ParseNullTime decodes a nullable timestamp column; NULL and "" become the zero time.
func ParseNullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := ParseTime(s.String)
	return t
}
