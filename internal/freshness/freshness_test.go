package freshness

import (
	"testing"
	"time"
)

func TestParseInstantFormats(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"http date", "Wed, 03 Jan 2024 10:30:00 GMT", time.Date(2024, 1, 3, 10, 30, 0, 0, time.UTC)},
		{"day stamp", "2024-01-03", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		{"iso no zone", "2024-01-03T10:30:00", time.Date(2024, 1, 3, 10, 30, 0, 0, time.UTC)},
		{"iso zulu", "2024-01-03T10:30:00Z", time.Date(2024, 1, 3, 10, 30, 0, 0, time.UTC)},
		{"leading space", "  2024-01-03  ", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseInstant(tc.in)
			if !got.Equal(tc.want) {
				t.Errorf("ParseInstant(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseInstantGarbageIsEpoch(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	for _, in := range []string{"", "not a date", "13/45/9999", "soon"} {
		if got := ParseInstant(in); !got.Equal(epoch) {
			t.Errorf("ParseInstant(%q) = %v, want epoch", in, got)
		}
	}
}

func TestIsUpToDate(t *testing.T) {
	cases := []struct {
		name       string
		marker     string
		exportDate string
		want       bool
	}{
		{"marker older", "2023-01-01", "2024-01-01", false},
		{"marker newer", "2024-01-02", "2024-01-01", true},
		{"equal is stale", "2024-01-01", "2024-01-01", false},
		{"http marker newer than export day", "Tue, 02 Jan 2024 00:00:01 GMT", "2024-01-01", true},
		{"http marker same day as export", "Mon, 01 Jan 2024 00:00:00 GMT", "2024-01-01", false},
		{"garbage marker forces fetch", "???", "2024-01-01", false},
		{"empty marker forces fetch", "", "2024-01-01", false},
		{"garbage export date", "2024-01-01", "???", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUpToDate(tc.marker, tc.exportDate); got != tc.want {
				t.Errorf("IsUpToDate(%q, %q) = %v, want %v", tc.marker, tc.exportDate, got, tc.want)
			}
		})
	}
}
