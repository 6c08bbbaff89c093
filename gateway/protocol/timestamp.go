package protocol

import (
	"fmt"
	"strings"
	"time"
)

// isoLayout is ISO-8601 with microseconds and a numeric offset, as other commune clients send it.
const isoLayout = "2006-01-02T15:04:05.999999-07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// FormatTimestamp renders t in UTC as ISO-8601 with an explicit +00:00 offset.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// ParseTimestamp accepts ISO-8601 timestamps with or without an offset; naive values are
// read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", raw)
}
