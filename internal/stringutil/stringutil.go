package stringutil

import (
	"strings"
	"time"
)

// TimeFormat is the canonical timestamp layout used in exported documents
// and event payloads: ISO 8601 at second precision, always UTC.
const TimeFormat = "2006-01-02T15:04:05"

// FormatTime returns the canonical string form of t, or an empty string
// for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a canonical timestamp. RFC3339 is accepted as a
// fallback so externally produced documents import cleanly.
func ParseTime(val string) (time.Time, error) {
	if val == "" || val == "-" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(TimeFormat, val, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, val)
}

// TruncateMiddle caps val at roughly max bytes by cutting out the middle
// and joining the preserved head and tail halves with a marker line.
func TruncateMiddle(val string, max int, marker string) string {
	if max <= 0 || len(val) <= max {
		return val
	}
	half := max / 2
	return strings.Join([]string{val[:half], marker, val[len(val)-half:]}, "\n")
}

// HeadLines returns the first n lines of s.
func HeadLines(s string, n int) []string {
	if n <= 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return lines
}

// TailLines returns the last n lines of s.
func TailLines(s string, n int) []string {
	if n <= 0 {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
