// Package recurrence evaluates iCalendar RRULE strings into concrete
// occurrence instants. It is pure: no I/O, no clock, callable repeatedly
// with shifted windows to extend coverage incrementally.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// maxOccurrencesPerWindow is a safety cap against pathological rules
// (e.g. FREQ=SECONDLY over a year-long window).
const maxOccurrencesPerWindow = 5000

var (
	ErrEmptyRule     = errors.New("empty recurrence rule")
	ErrInvalidWindow = errors.New("window end is before window start")
)

// Normalize strips an optional RRULE: prefix and surrounding whitespace.
func Normalize(rule string) string {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(rule, "RRULE:")
	return strings.TrimSpace(rule)
}

// Validate reports whether rule is an RRULE the evaluator can expand.
// A nil return guarantees Occurrences will not fail to parse the same rule.
func Validate(rule string) error {
	rule = Normalize(rule)
	if rule == "" {
		return ErrEmptyRule
	}
	if _, err := rrule.StrToRRule(rule); err != nil {
		return fmt.Errorf("parse rrule %q: %w", rule, err)
	}
	return nil
}

// Occurrences expands rule anchored at seriesStart into the instants falling
// within [windowStart, windowEnd], inclusive of both bounds. The result is
// sorted ascending with no duplicates. Callers generating additional
// instances are responsible for excluding seriesStart itself.
func Occurrences(rule string, seriesStart, windowStart, windowEnd time.Time) ([]time.Time, error) {
	rule = Normalize(rule)
	if rule == "" {
		return nil, ErrEmptyRule
	}
	if windowEnd.Before(windowStart) {
		return nil, ErrInvalidWindow
	}

	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", rule, err)
	}
	r.DTStart(seriesStart)

	// Between operates in the anchor's location; align the window to it.
	loc := seriesStart.Location()
	times := r.Between(windowStart.In(loc), windowEnd.In(loc), true)
	if len(times) > maxOccurrencesPerWindow {
		times = times[:maxOccurrencesPerWindow]
	}

	out := make([]time.Time, 0, len(times))
	var prev time.Time
	for _, t := range times {
		if len(out) > 0 && t.Equal(prev) {
			continue
		}
		out = append(out, t)
		prev = t
	}
	return out, nil
}
