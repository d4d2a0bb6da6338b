package schedule

import (
	"fmt"
	"time"

	"github.com/driftmark/mailcast/internal/core"
)

// Due classifies one live campaign against now. Errors mean the campaign is
// misconfigured (bad timezone, unknown rule, missing schedule); the caller
// skips it for this tick and re-evaluates naturally on the next one.
//
// scheduled_at values are normalized to UTC at creation, so instant
// comparisons are zone-consistent; the campaign timezone matters for the
// calendar arithmetic of monthly recurrence.
func Due(c core.Campaign, now time.Time, defaultTZ *time.Location) (bool, error) {
	rule, err := ParseRule(c.RecurringRule)
	if err != nil {
		return false, err
	}

	loc := defaultTZ
	if c.Timezone != "" {
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}

	if rule == RuleNone {
		// Immediate campaigns are dispatched synchronously at creation and
		// never enter the polling path.
		if c.SendType != core.SendScheduled {
			return false, nil
		}
		if c.ScheduledAt == nil {
			return false, fmt.Errorf("scheduled campaign without scheduled_at")
		}
		return !now.Before(*c.ScheduledAt), nil
	}

	// Recurring: the first fire follows the original schedule, every later
	// fire anchors on last_sent plus the rule's period.
	if c.LastSent == nil {
		if c.ScheduledAt == nil {
			return false, fmt.Errorf("recurring campaign without scheduled_at")
		}
		return !now.Before(*c.ScheduledAt), nil
	}
	return !now.Before(NextDue(*c.LastSent, rule, loc)), nil
}

// SelectDue partitions campaigns into the due set, counting (and reporting
// via the callback) the misconfigured ones instead of failing the poll.
func SelectDue(campaigns []core.Campaign, now time.Time, defaultTZ *time.Location, onError func(core.Campaign, error)) []core.Campaign {
	var due []core.Campaign
	for _, c := range campaigns {
		ok, err := Due(c, now, defaultTZ)
		if err != nil {
			if onError != nil {
				onError(c, err)
			}
			continue
		}
		if ok {
			due = append(due, c)
		}
	}
	return due
}
