// Package schedule decides when campaigns fire. It is pure: no clocks, no
// storage, just instants in and verdicts out, so the polling mechanism can
// be tested separately from the calendar arithmetic.
package schedule

import (
	"fmt"
	"time"
)

// Rule is the closed set of recurrence policies.
type Rule int

const (
	RuleNone Rule = iota
	RuleDaily
	RuleWeekly
	RuleMonthly
)

func (r Rule) String() string {
	switch r {
	case RuleNone:
		return "none"
	case RuleDaily:
		return "daily"
	case RuleWeekly:
		return "weekly"
	case RuleMonthly:
		return "monthly"
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// ParseRule maps a stored rule string onto the closed set. An empty string
// means none; anything else unknown is a configuration error.
func ParseRule(s string) (Rule, error) {
	switch s {
	case "", "none":
		return RuleNone, nil
	case "daily":
		return RuleDaily, nil
	case "weekly":
		return RuleWeekly, nil
	case "monthly":
		return RuleMonthly, nil
	}
	return RuleNone, fmt.Errorf("unknown recurring rule %q", s)
}

// NextDue returns the next firing instant after lastSent. Daily and weekly
// periods are exact durations; monthly is a calendar-month add in loc with
// the day-of-month clamped to the target month's length (Jan 31 plus one
// month is Feb 28, or Feb 29 in a leap year).
func NextDue(lastSent time.Time, rule Rule, loc *time.Location) time.Time {
	switch rule {
	case RuleDaily:
		return lastSent.Add(24 * time.Hour)
	case RuleWeekly:
		return lastSent.Add(7 * 24 * time.Hour)
	case RuleMonthly:
		return addMonthClamped(lastSent.In(loc))
	}
	return lastSent
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	// First of the next month, then clamp the day. time.Date normalizes
	// month 13 to January of the next year.
	if last := daysIn(y, m+1); d > last {
		d = last
	}
	return time.Date(y, m+1, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day zero of the following month is this month's last day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
