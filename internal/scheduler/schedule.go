package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NextRun computes the next run after base for a schedule expression.
// Supported forms are @hourly, @daily, and @every <duration>, where the
// duration accepts a trailing d for whole days.
func NextRun(expr string, base time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "@hourly":
		return base.Add(time.Hour).Truncate(time.Hour), nil
	case expr == "@daily":
		return time.Date(base.Year(), base.Month(), base.Day()+1, 0, 0, 0, 0, base.Location()), nil
	case strings.HasPrefix(expr, "@every "):
		d, err := parseEvery(strings.TrimPrefix(expr, "@every "))
		if err != nil {
			return time.Time{}, err
		}
		return base.Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported schedule expression: %s", expr)
	}
}

// parseEvery parses durations like "30m", "1h", or "7d". time.ParseDuration
// has no day unit, so a trailing d is expanded first.
func parseEvery(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %s", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}

// ValidateSchedule reports whether an expression is usable.
func ValidateSchedule(expr string) error {
	_, err := NextRun(expr, time.Now())
	return err
}
