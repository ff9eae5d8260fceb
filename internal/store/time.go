package store

import "time"

// mustParseTime parses an RFC3339Nano timestamp stored by this package.
// Store only ever reads back timestamps it wrote itself, so a parse
// failure indicates on-disk corruption; returning the zero time lets
// callers keep working (e.g. a stale comparison just treats it as very
// old) instead of panicking mid-query.
func mustParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
