package normalize

import (
	"strings"
	"time"
)

// Common date formats found in mapping exports.
var dateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"2006/01/02",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

// ParseDate attempts to parse a date string in multiple common formats.
// Returns nil if the input is empty or unparseable.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, f := range dateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return &t
		}
	}
	return nil
}

// ParseDatePtr is ParseDate for nullable Parquet columns.
func ParseDatePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	return ParseDate(*s)
}

// Timestamp formats t in UTC, ISO-8601 with second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
