package utils

import (
	"fmt"
	"time"
)

// DayKey formats t as the calendar-day key (YYYY-MM-DD) used by the daily
// aggregates. Days are bounded in the server timezone.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// StartOfDay returns midnight of t's day in the server timezone.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDay parses a YYYY-MM-DD day key in the server timezone.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q, expected YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

// ParseDateRange resolves optional start/end day strings into day keys.
// An empty start means "all available history", an empty end means today.
func ParseDateRange(startStr, endStr string, now time.Time) (startDay, endDay string, err error) {
	startDay = "1970-01-01"
	if startStr != "" {
		t, err := ParseDay(startStr)
		if err != nil {
			return "", "", err
		}
		startDay = DayKey(t)
	}

	endDay = DayKey(now)
	if endStr != "" {
		t, err := ParseDay(endStr)
		if err != nil {
			return "", "", err
		}
		endDay = DayKey(t)
	}

	if startDay > endDay {
		return "", "", fmt.Errorf("start day %s is after end day %s", startDay, endDay)
	}
	return startDay, endDay, nil
}
