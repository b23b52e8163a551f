package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FallbackDelay is how far out a task is armed when its cron expression cannot be evaluated.
const FallbackDelay = time.Hour

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidCronExpression)
	}
	if strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("%w: only 5-field cron expressions are supported", ErrInvalidCronExpression)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	return schedule, nil
}

// NextRun returns the first activation of expr strictly after the given time.
// The result is evaluated in after's location. Expressions that parse but can
// never fire (e.g. "0 0 30 2 *") are reported as invalid.
func NextRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q has no future activation", ErrInvalidCronExpression, expr)
	}
	return next, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}

// Preview parses expr and returns its next n activations after base.
func Preview(expr string, base time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return NextOccurrences(schedule, base, n), nil
}
