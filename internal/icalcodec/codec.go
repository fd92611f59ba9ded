// Package icalcodec converts between task.Task and iCalendar VTODO text,
// preserving unmapped properties and sibling components verbatim. Grounded
// on original_source/src/model/adapter.rs (to_ics/from_ics, HANDLED_KEYS,
// the manual RELATED-TO scan, and the duration grammar) and on
// github.com/emersion/go-ical for structural decode/encode.
package icalcodec

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"

	"cfait/internal/cerr"
	"cfait/internal/task"
)

// handledKeys lists the iCalendar property names this codec interprets
// directly; anything else becomes an UnmappedProperty. CATEGORIES and
// RELATED-TO are handled but listed here too so they never also end up in
// UnmappedProperties.
var handledKeys = map[string]bool{
	"UID": true, "SUMMARY": true, "DESCRIPTION": true, "STATUS": true,
	"PRIORITY": true, "DUE": true, "DTSTART": true, "RRULE": true,
	"DURATION": true, "X-ESTIMATED-DURATION": true, "CATEGORIES": true,
	"RELATED-TO": true, "DTSTAMP": true, "CREATED": true,
	"LAST-MODIFIED": true, "SEQUENCE": true, "PRODID": true,
	"VERSION": true, "CALSCALE": true,
}

const mimeType = "text/calendar; charset=utf-8; component=VTODO"

// MIMEType is the content-type used when PUTting a VTODO resource.
const MIMEType = mimeType

// Decode parses a full VCALENDAR text, returning the master VTODO (the
// single component with no RECURRENCE-ID) as a Task, with every sibling
// component preserved verbatim in RawComponents.
func Decode(raw string) (*task.Task, error) {
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return nil, cerr.Wrap(cerr.KindParse, err, "malformed VCALENDAR")
	}

	var master *ical.Component
	var rawComponents []string
	for _, comp := range cal.Children {
		if comp.Name == ical.CompToDo && comp.Props.Get("RECURRENCE-ID") == nil && master == nil {
			master = comp
			continue
		}
		rawComponents = append(rawComponents, componentToRaw(raw, comp))
	}
	if master == nil {
		return nil, cerr.New(cerr.KindParse, fmt.Errorf("no master VTODO component found"))
	}

	t := task.New()
	t.RawComponents = rawComponents

	if p := master.Props.Get(ical.PropUID); p != nil {
		t.UID = p.Value
	}
	if p := master.Props.Get(ical.PropSummary); p != nil {
		t.Summary = p.Value
	}
	if p := master.Props.Get(ical.PropDescription); p != nil {
		t.Description = p.Value
	}
	if p := master.Props.Get("STATUS"); p != nil {
		t.Status = statusFromICS(p.Value)
	}
	if p := master.Props.Get("PRIORITY"); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			t.Priority = n
		}
	}
	if p := master.Props.Get(ical.PropDue); p != nil {
		if d, err := parseDateProp(p.Value, true); err == nil {
			t.Due = &d
		}
	}
	if p := master.Props.Get(ical.PropDateTimeStart); p != nil {
		if d, err := parseDateProp(p.Value, false); err == nil {
			t.DTStart = &d
		}
	}
	if p := master.Props.Get(ical.PropRecurrenceRule); p != nil {
		t.RRule = p.Value
	}
	if p := master.Props.Get("X-ESTIMATED-DURATION"); p != nil {
		t.EstimatedDurationMinutes = parseDuration(p.Value)
	} else if p := master.Props.Get(ical.PropDuration); p != nil {
		t.EstimatedDurationMinutes = parseDuration(p.Value)
	}
	if p := master.Props.Get("CREATED"); p != nil {
		if d, err := parseDateProp(p.Value, false); err == nil {
			t.Created = &d
		}
	}
	if p := master.Props.Get(ical.PropLastModified); p != nil {
		if d, err := parseDateProp(p.Value, false); err == nil {
			t.Modified = &d
		}
	}
	if p := master.Props.Get("SEQUENCE"); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			t.Sequence = n
		}
	}

	// CATEGORIES: gathered from every instance (go-ical may fold repeats
	// into one comma-joined value or several property instances
	// depending on source formatting), then sorted+deduped.
	for _, p := range master.Props.Values("CATEGORIES") {
		// Split on unescaped commas only, so an escaped `\,` stays inside
		// its tag.
		var parts []string
		start := 0
		for i := 0; i < len(p.Value); i++ {
			if p.Value[i] == ',' && (i == 0 || p.Value[i-1] != '\\') {
				parts = append(parts, p.Value[start:i])
				start = i + 1
			}
		}
		parts = append(parts, p.Value[start:])
		for _, c := range parts {
			c = strings.TrimSpace(unescapeComma(c))
			if c != "" {
				t.AddCategory(c)
			}
		}
	}
	t.NormalizeCategories()

	parentUID, deps := parseRelatedTo(raw)
	t.ParentUID = parentUID
	t.Dependencies = deps

	t.UnmappedProperties = collectUnmapped(master)

	return t, nil
}

// componentToRaw renders a non-master component back to raw ICS text
// ensuring it ends with CRLF, matching the original's
// ensure-trailing-CRLF behavior for spliced raw components.
func componentToRaw(_ string, comp *ical.Component) string {
	var buf bytes.Buffer
	wrapper := ical.NewCalendar()
	wrapper.Children = []*ical.Component{comp}
	if err := ical.NewEncoder(&buf).Encode(wrapper); err != nil {
		return ""
	}
	text := buf.String()
	// Strip the synthetic BEGIN/END:VCALENDAR wrapper, keep only the
	// component body.
	lines := strings.Split(text, "\r\n")
	var out []string
	inOuter := 0
	for _, l := range lines {
		if l == "BEGIN:VCALENDAR" || l == "END:VCALENDAR" ||
			strings.HasPrefix(l, "VERSION:") || strings.HasPrefix(l, "PRODID:") {
			inOuter++
			continue
		}
		out = append(out, l)
	}
	_ = inOuter
	body := strings.Join(out, "\r\n")
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}

func statusFromICS(v string) task.Status {
	switch strings.ToUpper(v) {
	case "IN-PROCESS":
		return task.StatusInProcess
	case "COMPLETED":
		return task.StatusCompleted
	case "CANCELLED":
		return task.StatusCancelled
	default:
		return task.StatusNeedsAction
	}
}

func statusToICS(s task.Status) string {
	if s == "" {
		return string(task.StatusNeedsAction)
	}
	return string(s)
}

// parseDateProp parses YYYYMMDD (date-only) or YYYYMMDDTHHMMSS[Z].
// dueEndOfDay controls whether a date-only value becomes 23:59:59 (DUE)
// or 00:00:00 (DTSTART/others).
func parseDateProp(v string, dueEndOfDay bool) (time.Time, error) {
	v = strings.TrimSuffix(v, "Z")
	switch len(v) {
	case 8:
		d, err := time.Parse("20060102", v)
		if err != nil {
			return time.Time{}, err
		}
		if dueEndOfDay {
			return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC), nil
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
	case 15:
		d, err := time.Parse("20060102T150405", v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(d.Year(), d.Month(), d.Day(), d.Hour(), d.Minute(), d.Second(), 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unrecognized date format %q", v)
	}
}

// parseDuration walks the ISO-8601 duration grammar, accumulating
// minutes. T toggles in-time mode: D always means days, W means weeks, H
// and M (minutes) only apply once in-time. A bare M before T (months) is
// unsupported and ignored, matching the original parser exactly.
func parseDuration(v string) int {
	v = strings.TrimPrefix(v, "+")
	v = strings.TrimPrefix(v, "P")
	minutes := 0
	num := ""
	inTime := false
	for _, r := range v {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'D':
			if n, err := strconv.Atoi(num); err == nil {
				minutes += n * 1440
			}
			num = ""
		case r == 'W':
			if n, err := strconv.Atoi(num); err == nil {
				minutes += n * 10080
			}
			num = ""
		case r == 'H':
			if inTime {
				if n, err := strconv.Atoi(num); err == nil {
					minutes += n * 60
				}
			}
			num = ""
		case r == 'M':
			if inTime {
				if n, err := strconv.Atoi(num); err == nil {
					minutes += n
				}
			}
			num = ""
		case r == 'S':
			num = ""
		}
	}
	return minutes
}

func formatDuration(minutes int) string {
	switch {
	case minutes%1440 == 0:
		return fmt.Sprintf("P%dD", minutes/1440)
	case minutes%60 == 0:
		return fmt.Sprintf("PT%dH", minutes/60)
	default:
		return fmt.Sprintf("PT%dM", minutes)
	}
}

func unescapeComma(v string) string {
	return strings.ReplaceAll(v, `\,`, ",")
}

func escapeComma(v string) string {
	return strings.ReplaceAll(v, ",", `\,`)
}

// parseRelatedTo scans raw for RELATED-TO lines after unfolding
// continuation lines, because structured property accessors can collapse
// multi-instance properties. A RELATED-TO with RELTYPE=DEPENDS-ON
// contributes to dependencies; otherwise (no RELTYPE, or RELTYPE=PARENT)
// it sets parentUID (last one wins).
func parseRelatedTo(raw string) (parentUID string, deps []string) {
	unfolded := strings.ReplaceAll(raw, "\r\n ", "")
	unfolded = strings.ReplaceAll(unfolded, "\n ", "")
	seen := make(map[string]bool)

	for _, line := range strings.Split(unfolded, "\n") {
		line = strings.TrimRight(line, "\r")
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "RELATED-TO") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		keyPart := strings.ToUpper(line[:idx])
		uid := strings.TrimSpace(line[idx+1:])
		if uid == "" {
			continue
		}
		if strings.Contains(keyPart, "RELTYPE=DEPENDS-ON") {
			if !seen[uid] {
				deps = append(deps, uid)
				seen[uid] = true
			}
		} else {
			parentUID = uid
		}
	}
	return parentUID, deps
}

type unmappedRaw struct {
	key    string
	value  string
	params []task.Param
}

func collectUnmapped(comp *ical.Component) []task.Property {
	var raws []unmappedRaw
	for name, props := range comp.Props {
		key := strings.ToUpper(name)
		if handledKeys[key] {
			continue
		}
		for _, p := range props {
			var params []task.Param
			var names []string
			for n := range p.Params {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				for _, v := range p.Params[n] {
					params = append(params, task.Param{Name: n, Value: v})
				}
			}
			raws = append(raws, unmappedRaw{key: key, value: p.Value, params: params})
		}
	}
	sort.Slice(raws, func(i, j int) bool {
		if raws[i].key != raws[j].key {
			return raws[i].key < raws[j].key
		}
		return raws[i].value < raws[j].value
	})
	out := make([]task.Property, 0, len(raws))
	for _, r := range raws {
		out = append(out, task.Property{Key: r.key, Value: r.value, Params: r.params})
	}
	return out
}

// Encode serializes t back into a full VCALENDAR text. CATEGORIES is
// written as a single comma-joined line (spliced before END:VTODO);
// DURATION is used only when Due is unset, X-ESTIMATED-DURATION
// otherwise, since RFC 5545 disallows DURATION alongside DUE. Each
// ParentUID becomes a bare RELATED-TO and each dependency a
// RELATED-TO;RELTYPE=DEPENDS-ON. UnmappedProperties and RawComponents are
// appended verbatim, in that order, before their respective END markers.
func Encode(t *task.Task) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//cfait//cfait sync engine//EN")

	vtodo := ical.NewComponent(ical.CompToDo)
	vtodo.Props.SetText(ical.PropUID, t.UID)
	if t.Summary != "" {
		vtodo.Props.SetText(ical.PropSummary, t.Summary)
	}
	if t.Description != "" {
		vtodo.Props.SetText(ical.PropDescription, t.Description)
	}
	vtodo.Props.SetText("STATUS", statusToICS(t.Status))
	if t.Priority > 0 {
		vtodo.Props.SetText("PRIORITY", strconv.Itoa(t.Priority))
	}
	if t.Due != nil {
		vtodo.Props.SetText(ical.PropDue, formatDateTime(*t.Due))
	}
	if t.DTStart != nil {
		vtodo.Props.SetText(ical.PropDateTimeStart, formatDateTime(*t.DTStart))
	}
	if t.RRule != "" {
		vtodo.Props.SetText(ical.PropRecurrenceRule, t.RRule)
	}
	if t.EstimatedDurationMinutes > 0 {
		durStr := formatDuration(t.EstimatedDurationMinutes)
		if t.Due != nil {
			vtodo.Props.SetText("X-ESTIMATED-DURATION", durStr)
		} else {
			vtodo.Props.SetText(ical.PropDuration, durStr)
		}
	}
	now := time.Now().UTC()
	vtodo.Props.SetText(ical.PropDateTimeStamp, formatDateTime(now))
	if t.Created != nil {
		vtodo.Props.SetText("CREATED", formatDateTime(*t.Created))
	}
	if t.Modified != nil {
		vtodo.Props.SetText(ical.PropLastModified, formatDateTime(*t.Modified))
	}
	if t.Sequence > 0 {
		vtodo.Props.SetText("SEQUENCE", strconv.Itoa(t.Sequence))
	}

	for _, up := range t.UnmappedProperties {
		prop := ical.NewProp(up.Key)
		prop.Value = up.Value
		for _, pr := range up.Params {
			prop.Params.Set(pr.Name, pr.Value)
		}
		vtodo.Props.Add(prop)
	}

	cal.Children = []*ical.Component{vtodo}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", cerr.New(cerr.KindParse, err)
	}
	out := buf.String()

	// Splice CATEGORIES and RELATED-TO lines before END:VTODO.
	var extra strings.Builder
	if len(t.Categories) > 0 {
		escaped := make([]string, len(t.Categories))
		for i, c := range t.Categories {
			escaped[i] = escapeComma(c)
		}
		fmt.Fprintf(&extra, "CATEGORIES:%s\r\n", strings.Join(escaped, ","))
	}
	if t.ParentUID != "" {
		fmt.Fprintf(&extra, "RELATED-TO:%s\r\n", t.ParentUID)
	}
	for _, dep := range t.Dependencies {
		fmt.Fprintf(&extra, "RELATED-TO;RELTYPE=DEPENDS-ON:%s\r\n", dep)
	}
	out = strings.Replace(out, "END:VTODO\r\n", extra.String()+"END:VTODO\r\n", 1)

	if len(t.RawComponents) > 0 {
		var raw strings.Builder
		for _, rc := range t.RawComponents {
			raw.WriteString(rc)
		}
		out = strings.Replace(out, "END:VCALENDAR\r\n", raw.String()+"END:VCALENDAR\r\n", 1)
	}

	return out, nil
}

func formatDateTime(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "Z"
}
