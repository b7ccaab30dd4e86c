package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"reportflow/internal/domain"
)

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return domain.Configf("invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// ValidateTimezone validates an IANA timezone name.
func ValidateTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return domain.Configf("invalid timezone %q: %v", tz, err)
	}
	return nil
}

// NextRun is the single authoritative next-run computation, used at
// schedule creation, update, resume, and after every firing. The cron
// expression is evaluated in the schedule's timezone; the result is
// clamped to the validity window and nil once the window is exhausted.
func NextRun(expr, tz string, after time.Time, start, end *time.Time) (*time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, domain.Configf("invalid cron expression %q: %v", expr, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, domain.Configf("invalid timezone %q: %v", tz, err)
		}
	}

	base := after
	if start != nil && base.Before(*start) {
		base = *start
	}
	next := sched.Next(base.In(loc)).UTC()
	if next.IsZero() {
		return nil, nil
	}
	if end != nil && next.After(*end) {
		return nil, nil
	}
	return &next, nil
}
