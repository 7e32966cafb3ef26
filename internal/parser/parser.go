package parser

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Standard five-field cron plus @hourly style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression into a schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return schedule, nil
}

// ValidateCron returns an error when expr cannot be parsed.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextRun returns the first occurrence of expr strictly after from, evaluated
// in loc. A nil loc means UTC.
func NextRun(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q has no future occurrence", expr)
	}
	return next, nil
}

// Cadence estimates the period of expr as the distance between its next two
// occurrences after from.
func Cadence(expr string, from time.Time, loc *time.Location) (time.Duration, error) {
	first, err := NextRun(expr, from, loc)
	if err != nil {
		return 0, err
	}
	second, err := NextRun(expr, first, loc)
	if err != nil {
		return 0, err
	}
	return second.Sub(first), nil
}
