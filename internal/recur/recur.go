// Package recur computes the next occurrence of a completed recurring
// task ("respawn"), grounded on original_source/src/model/adapter.rs
// Task::respawn() and on the rrule-go usage pattern in
// sonroyaalmerol-ldap-dav/pkg/ical/recurrence.go.
package recur

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"cfait/internal/task"
)

// Respawn returns the next occurrence of t, or nil if t has no RRule or
// the rule produces no further occurrence. The seed date is t.DTStart if
// present, else t.Due. The clone has a fresh UID, cleared Href/ETag,
// NeedsAction status, cleared Dependencies, and DTStart/Due shifted by
// the delta between the seed and the next occurrence (preserving the
// original due-dtstart span).
func Respawn(t *task.Task) (*task.Task, error) {
	if t.RRule == "" {
		return nil, nil
	}

	seed := t.DTStart
	if seed == nil {
		seed = t.Due
	}
	if seed == nil {
		return nil, fmt.Errorf("task %s has no DTStart or Due to seed recurrence from", t.UID)
	}

	rruleStr := "DTSTART:" + seed.UTC().Format("20060102T150405Z") + "\nRRULE:" + t.RRule
	rule, err := rrule.StrToRRule(rruleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE %q: %w", t.RRule, err)
	}

	// Bounded lookup over the 50 years from the seed, inclusive; the seed
	// itself may be returned, so the first occurrence strictly after it
	// is the true next occurrence.
	occurrences := rule.Between(seed.UTC(), seed.UTC().AddDate(50, 0, 0), true)
	var next *time.Time
	for _, occ := range occurrences {
		if occ.After(seed.UTC()) {
			o := occ
			next = &o
			break
		}
	}
	if next == nil {
		return nil, nil
	}

	return cloneRespawned(t, seed.UTC(), *next), nil
}

func cloneRespawned(t *task.Task, seed, next time.Time) *task.Task {
	clone := task.New()
	clone.CalendarHref = t.CalendarHref
	clone.Summary = t.Summary
	clone.Description = t.Description
	clone.Status = task.StatusNeedsAction
	clone.Priority = t.Priority
	clone.EstimatedDurationMinutes = t.EstimatedDurationMinutes
	clone.RRule = t.RRule
	clone.Categories = append([]string(nil), t.Categories...)
	clone.ParentUID = t.ParentUID
	clone.UnmappedProperties = append([]task.Property(nil), t.UnmappedProperties...)
	clone.RawComponents = append([]string(nil), t.RawComponents...)
	// Dependencies are intentionally cleared: a fresh occurrence is not
	// blocked by whatever blocked the completed instance.

	if t.DTStart != nil {
		clone.DTStart = &next
	}
	if t.Due != nil {
		span := t.Due.Sub(seed)
		due := next.Add(span)
		clone.Due = &due
	}
	return clone
}
