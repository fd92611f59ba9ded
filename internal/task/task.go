// Package task defines the central Task entity shared by every other cfait
// package: the smart parser produces it, the iCalendar codec serializes
// it, the journal queues mutations to it, and the resolver orders it.
package task

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the iCalendar VTODO STATUS property.
type Status string

const (
	StatusNeedsAction Status = "NEEDS-ACTION"
	StatusInProcess   Status = "IN-PROCESS"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
)

// IsOpen reports whether a status counts as "not yet resolved" for
// blocked-by purposes.
func (s Status) IsOpen() bool {
	return s != StatusCompleted && s != StatusCancelled
}

// order implements the sibling ordering spec: InProcess < NeedsAction
// < Completed < Cancelled.
func (s Status) order() int {
	switch s {
	case StatusInProcess:
		return 0
	case StatusNeedsAction:
		return 1
	case StatusCompleted:
		return 2
	case StatusCancelled:
		return 3
	default:
		return 4
	}
}

// Property is an iCalendar property this package does not interpret,
// preserved verbatim so round-tripping through the codec never drops
// third-party data.
type Property struct {
	Key    string
	Value  string
	Params []Param
}

// Param is a single iCalendar parameter (e.g. RELTYPE=DEPENDS-ON).
type Param struct {
	Name  string
	Value string
}

// Task is the central entity. See SPEC_FULL.md section 3 for the full set
// of invariants this type must uphold.
type Task struct {
	// Identity
	UID          string `json:"uid"`
	Href         string `json:"href,omitempty"`
	CalendarHref string `json:"calendar_href"`
	ETag         string `json:"etag,omitempty"`

	// Content
	Summary                   string   `json:"summary"`
	Description               string   `json:"description,omitempty"`
	Status                    Status   `json:"status"`
	Priority                  int      `json:"priority"`
	Due                       *time.Time `json:"due,omitempty"`
	DTStart                   *time.Time `json:"dtstart,omitempty"`
	EstimatedDurationMinutes  int      `json:"estimated_duration_minutes,omitempty"`
	RRule                     string   `json:"rrule,omitempty"`
	Categories                []string `json:"categories,omitempty"`

	// Relations
	ParentUID    string   `json:"parent_uid,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Preservation
	UnmappedProperties []Property `json:"unmapped_properties,omitempty"`
	RawComponents      []string   `json:"raw_components,omitempty"`

	// Transient, recomputed by the resolver on every load. Never
	// serialized into the ICS wire form or trusted from a cache file.
	Depth int `json:"-"`

	// Created/Modified/Sequence are tracked so the codec can round-trip
	// CREATED/LAST-MODIFIED/SEQUENCE without treating them as unmapped.
	Created      *time.Time `json:"created,omitempty"`
	Modified     *time.Time `json:"modified,omitempty"`
	Sequence     int        `json:"sequence,omitempty"`
}

// New returns a Task with a freshly generated UID and NeedsAction status,
// the shape every creation path (parser, conflict copy, respawn) starts
// from.
func New() *Task {
	return &Task{
		UID:    uuid.New().String(),
		Status: StatusNeedsAction,
	}
}

// AddCategory appends cat to Categories if not already present.
func (t *Task) AddCategory(cat string) {
	for _, c := range t.Categories {
		if c == cat {
			return
		}
	}
	t.Categories = append(t.Categories, cat)
}

// NormalizeCategories sorts and deduplicates Categories per invariant 5.
func (t *Task) NormalizeCategories() {
	seen := make(map[string]struct{}, len(t.Categories))
	out := t.Categories[:0]
	for _, c := range t.Categories {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	t.Categories = out
}

// AddDependency appends dep to Dependencies if not already present,
// preserving insertion order per invariant 6.
func (t *Task) AddDependency(dep string) {
	for _, d := range t.Dependencies {
		if d == dep {
			return
		}
	}
	t.Dependencies = append(t.Dependencies, dep)
}

// Clone returns a deep-enough copy for use by conflict-copy and respawn:
// slices and pointer fields are copied rather than shared.
func (t *Task) Clone() *Task {
	c := *t
	c.Categories = append([]string(nil), t.Categories...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.UnmappedProperties = append([]Property(nil), t.UnmappedProperties...)
	c.RawComponents = append([]string(nil), t.RawComponents...)
	if t.Due != nil {
		d := *t.Due
		c.Due = &d
	}
	if t.DTStart != nil {
		d := *t.DTStart
		c.DTStart = &d
	}
	if t.Created != nil {
		d := *t.Created
		c.Created = &d
	}
	if t.Modified != nil {
		d := *t.Modified
		c.Modified = &d
	}
	return &c
}

// StatusOrder exposes Status.order for the resolver's sibling comparator.
func StatusOrder(s Status) int { return s.order() }

// CalendarListEntry describes one remote (or the sentinel local) calendar.
type CalendarListEntry struct {
	Name  string `json:"name"`
	Href  string `json:"href"`
	Color string `json:"color,omitempty"`
}

// LocalCalendarHref is the sentinel href denoting the in-process
// local-only calendar; it is never sent to the network.
const LocalCalendarHref = "local://default"

// LocalCalendarName is the display name paired with LocalCalendarHref.
const LocalCalendarName = "Local"
