package store

import (
	"strconv"
	"time"
)

// Timestamps are stored as RFC3339Nano text in both backends rather than
// relying on each driver's native time handling, so store code never
// branches on backend to read one back.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// formatPhase renders a phase number as a stable map key (e.g. "1.5"),
// trimming a trailing ".0" so whole-numbered phases read naturally.
func formatPhase(phase float64) string {
	s := strconv.FormatFloat(phase, 'f', -1, 64)
	return s
}
