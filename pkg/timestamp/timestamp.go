// Package timestamp provides Unix-millisecond timestamp helpers.
//
// Feed items and processing marks carry timestamps as int64 milliseconds
// since the Unix epoch (UTC). A value of 0 means "not set".
package timestamp

import (
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time.
// Returns zero time if the timestamp is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format converts Unix milliseconds to an RFC3339 string for display.
// Returns empty string if the timestamp is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// IsZero checks if a timestamp is unset.
func IsZero(ms int64) bool {
	return ms == 0
}

// Since returns the duration since the given timestamp.
// Returns 0 if the timestamp is zero.
func Since(ms int64) time.Duration {
	if ms == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(ms))
}

// Max returns the later of two timestamps.
// Zero values are treated as "earlier than any other time".
func Max(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a > b {
		return a
	}
	return b
}

// ParsePubDate parses the publication date formats that show up in RSS
// feeds: RFC1123 with numeric or named zones, and RFC3339 as a fallback
// for Atom. Returns 0 when the string cannot be parsed.
func ParsePubDate(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		time.RFC822Z,
		time.RFC822,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return ToUnixMs(t)
		}
	}
	return 0
}
