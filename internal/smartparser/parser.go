// Package smartparser turns a single smart-input line into structured task
// attributes: priority, due date, duration, recurrence, categories with
// alias expansion. Grammar and unit math are grounded on the original
// implementation's apply_smart_input, token-for-token.
package smartparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cfait/internal/task"
)

// Now is injected so the parser stays pure and testable; it defaults to
// time.Now but tests may override it.
var Now = time.Now

const (
	minutesPerHour  = 60
	minutesPerDay   = 1440
	minutesPerWeek  = 10080
	minutesPerMonth = 43200
	minutesPerYear  = 525600
)

// Parse applies the smart-input grammar to input, expanding categories
// through aliases (tag -> additional tags), and returns the resulting
// Task. aliases may be nil.
func Parse(input string, aliases map[string][]string) *task.Task {
	t := task.New()
	tokens := strings.Fields(input)
	var summaryWords []string

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case len(tok) > 1 && tok[0] == '!':
			if n, ok := parsePriority(tok[1:]); ok {
				t.Priority = n
				i++
				continue
			}

		case len(tok) > 1 && tok[0] == '~':
			if minutes, ok := parseDuration(tok[1:]); ok {
				t.EstimatedDurationMinutes = minutes
				i++
				continue
			}

		case len(tok) > 1 && tok[0] == '#':
			tag := tok[1:]
			t.AddCategory(tag)
			for _, expanded := range aliases[tag] {
				t.AddCategory(expanded)
			}
			i++
			continue

		case tok == "@daily":
			t.RRule = "FREQ=DAILY"
			i++
			continue
		case tok == "@weekly":
			t.RRule = "FREQ=WEEKLY"
			i++
			continue
		case tok == "@monthly":
			t.RRule = "FREQ=MONTHLY"
			i++
			continue
		case tok == "@yearly":
			t.RRule = "FREQ=YEARLY"
			i++
			continue

		case tok == "@every":
			if i+2 < len(tokens) {
				if n, err := strconv.Atoi(tokens[i+1]); err == nil {
					if freq, ok := freqFromUnitWord(tokens[i+2]); ok {
						t.RRule = fmt.Sprintf("FREQ=%s;INTERVAL=%d", freq, n)
						i += 3
						continue
					}
				}
			}

		case tok == "@today":
			due := endOfDay(Now().Local())
			t.Due = &due
			i++
			continue

		case tok == "@tomorrow":
			due := endOfDay(Now().Local().AddDate(0, 0, 1))
			t.Due = &due
			i++
			continue

		case tok == "@next":
			if i+1 < len(tokens) {
				var days int
				switch tokens[i+1] {
				case "week":
					days = 7
				case "month":
					days = 30
				case "year":
					days = 365
				}
				if days != 0 {
					due := endOfDay(Now().Local().AddDate(0, 0, days))
					t.Due = &due
					i += 2
					continue
				}
			}

		case strings.HasPrefix(tok, "@"):
			if due, ok := parseISODateToken(tok[1:]); ok {
				t.Due = &due
				i++
				continue
			}
		}

		summaryWords = append(summaryWords, tok)
		i++
	}

	t.Summary = strings.Join(summaryWords, " ")
	t.NormalizeCategories()
	return t
}

func parsePriority(s string) (int, bool) {
	if len(s) != 1 {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 9 {
		return 0, false
	}
	return n, true
}

// parseDuration accepts the suffixes m, h, d, w, mo, y. "mo" is checked
// first, before any bare single-letter suffix could misfire on the
// leading 'm'.
func parseDuration(s string) (int, bool) {
	suffixes := []struct {
		suf  string
		mult int
	}{
		{"mo", minutesPerMonth},
		{"m", 1},
		{"h", minutesPerHour},
		{"d", minutesPerDay},
		{"w", minutesPerWeek},
		{"y", minutesPerYear},
	}
	for _, s2 := range suffixes {
		if strings.HasSuffix(s, s2.suf) {
			numPart := strings.TrimSuffix(s, s2.suf)
			n, err := strconv.Atoi(numPart)
			if err != nil || n <= 0 {
				continue
			}
			return n * s2.mult, true
		}
	}
	return 0, false
}

func freqFromUnitWord(word string) (string, bool) {
	w := strings.ToLower(word)
	switch {
	case strings.HasPrefix(w, "day"):
		return "DAILY", true
	case strings.HasPrefix(w, "week"):
		return "WEEKLY", true
	case strings.HasPrefix(w, "month"):
		return "MONTHLY", true
	case strings.HasPrefix(w, "year"):
		return "YEARLY", true
	default:
		return "", false
	}
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

func parseISODateToken(s string) (time.Time, bool) {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return endOfDay(d), true
}

// ToSmartString regenerates a canonical smart-input form for t. Only
// @daily/@weekly/@monthly/@yearly round-trip back to a directive token; an
// arbitrary FREQ=...;INTERVAL=N does not reconstruct "@every N unit" — an
// asymmetry inherited from the original implementation (see DESIGN.md).
func ToSmartString(t *task.Task) string {
	var parts []string
	if t.Summary != "" {
		parts = append(parts, t.Summary)
	}
	if t.Priority > 0 {
		parts = append(parts, fmt.Sprintf("!%d", t.Priority))
	}
	if t.Due != nil {
		parts = append(parts, "@"+t.Due.Format("2006-01-02"))
	}
	if t.EstimatedDurationMinutes > 0 {
		parts = append(parts, "~"+formatDuration(t.EstimatedDurationMinutes))
	}
	switch t.RRule {
	case "FREQ=DAILY":
		parts = append(parts, "@daily")
	case "FREQ=WEEKLY":
		parts = append(parts, "@weekly")
	case "FREQ=MONTHLY":
		parts = append(parts, "@monthly")
	case "FREQ=YEARLY":
		parts = append(parts, "@yearly")
	}
	for _, c := range t.Categories {
		parts = append(parts, "#"+c)
	}
	return strings.Join(parts, " ")
}

// formatDuration picks the largest unit that divides minutes evenly, the
// inverse of parseDuration's multiplier table.
func formatDuration(minutes int) string {
	switch {
	case minutes%minutesPerYear == 0 && minutes >= minutesPerYear:
		return fmt.Sprintf("%dy", minutes/minutesPerYear)
	case minutes%minutesPerMonth == 0 && minutes >= minutesPerMonth:
		return fmt.Sprintf("%dmo", minutes/minutesPerMonth)
	case minutes%minutesPerWeek == 0 && minutes >= minutesPerWeek:
		return fmt.Sprintf("%dw", minutes/minutesPerWeek)
	case minutes%minutesPerDay == 0 && minutes >= minutesPerDay:
		return fmt.Sprintf("%dd", minutes/minutesPerDay)
	case minutes%minutesPerHour == 0 && minutes >= minutesPerHour:
		return fmt.Sprintf("%dh", minutes/minutesPerHour)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
