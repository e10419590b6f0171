// Package freshness decides whether a mirrored artifact is current by
// comparing timestamp strings of whatever formats the archive hands out.
package freshness

import (
	"strings"
	"time"
)

// layouts is the ordered parse chain. The first four match the formats the
// archive is known to produce (HTTP dates on Last-Modified, day and ISO
// stamps on export_date); the rest are a lenient tail for anything close.
var layouts = []string{
	time.RFC1123,          // Mon, 02 Jan 2006 15:04:05 MST
	"2006-01-02",          // export_date day stamp
	"2006-01-02T15:04:05", // ISO, no zone
	"2006-01-02T15:04:05Z",
	time.RFC1123Z,
	time.RFC3339,
	time.RFC850,
	time.ANSIC,
}

// ParseInstant converts a timestamp string into a comparable instant. It
// walks the layout chain in order and takes the first match. Anything
// unparseable, including the empty string, becomes the Unix epoch, which
// always compares stale and so forces a fetch. It never fails.
func ParseInstant(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Unix(0, 0).UTC()
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Unix(0, 0).UTC()
}

// IsUpToDate reports whether an artifact whose marker reads marker is
// current against a manifest entry exported at exportDate. The marker must
// be strictly newer; equal instants count as stale. Comparing a stored
// Last-Modified against an export date is inherited behavior and kept
// as-is.
func IsUpToDate(marker, exportDate string) bool {
	return ParseInstant(marker).After(ParseInstant(exportDate))
}
