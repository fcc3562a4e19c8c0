package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// IsDue reports whether the first firing of expr strictly after lastCheck falls
// at or before now. Several firings inside one interval still count once.
// A malformed expression is never due; the parse error is returned for logging.
func IsDue(expr string, lastCheck, now time.Time) (bool, error) {
	next, err := NextRunTime(expr, lastCheck)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// ValidateCronExpression returns the parse error for expr, or nil if it is a
// valid five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime returns the first firing of expr strictly after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	next := cronSchedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next, nil
}
