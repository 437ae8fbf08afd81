package registry

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute through day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron reports whether expr is a well-formed 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}

// ValidateTimezone reports whether tz names a loadable IANA zone.
func ValidateTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return nil
}

// NextRunTime computes the first fire time of expr strictly after the given
// instant, evaluated in the agent's timezone and returned in UTC. DST is
// handled by the zone database: a schedule that names a skipped wall-clock
// hour fires at the next real occurrence.
func NextRunTime(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q has no next run after %s", expr, after)
	}
	return next.UTC(), nil
}
