// Package recurrence generates the next task instance when a recurring one
// is completed. Scheduling is anchored to due dates, not completion times:
// completing a daily task three days late still produces an instance due
// one day after the original due date.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRuleNotFound = errors.New("recurrence rule not found")
	ErrInvalidRule  = errors.New("invalid recurrence rule")
)

const (
	PatternDaily   = "daily"
	PatternWeekly  = "weekly"
	PatternMonthly = "monthly"
)

// Interval bounds per pattern.
const (
	maxDailyInterval   = 365
	maxWeeklyInterval  = 52
	maxMonthlyInterval = 12
)

// Rule describes how a task recurs. TaskID is the anchor instance the rule
// was created with; later instances reference the rule, not each other.
type Rule struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	UserID    string     `json:"user_id"`
	Pattern   string     `json:"pattern"`
	Interval  int        `json:"interval"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func ValidateRule(pattern string, interval int) error {
	var max int
	switch pattern {
	case PatternDaily:
		max = maxDailyInterval
	case PatternWeekly:
		max = maxWeeklyInterval
	case PatternMonthly:
		max = maxMonthlyInterval
	default:
		return fmt.Errorf("%w: unknown pattern %q", ErrInvalidRule, pattern)
	}
	if interval < 1 || interval > max {
		return fmt.Errorf("%w: %s interval must be between 1 and %d, got %d", ErrInvalidRule, pattern, max, interval)
	}
	return nil
}

// NextDue computes the due date that follows from. Monthly arithmetic keeps
// the day of month where possible and clamps to the last day otherwise;
// time.AddDate would normalize Jan 31 plus one month into March.
func NextDue(pattern string, interval int, from time.Time) (time.Time, error) {
	if err := ValidateRule(pattern, interval); err != nil {
		return time.Time{}, err
	}
	switch pattern {
	case PatternDaily:
		return from.AddDate(0, 0, interval), nil
	case PatternWeekly:
		return from.AddDate(0, 0, 7*interval), nil
	default:
		return addMonthsClamped(from, interval), nil
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the month; day zero of the following
// month is its last day.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
