// Package cron parses and evaluates five-field cron expressions
// (minute, hour, day-of-month, month, day-of-week) in UTC. The grammar
// accepts "*", single values, ranges "a-b", comma lists, and "*/n"
// steps. Anything else is rejected at parse time; evaluation never
// fails.
package cron

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

type field struct {
	min, max int
	name     string
}

var fields = [5]field{
	{0, 59, "minute"},
	{0, 23, "hour"},
	{1, 31, "day-of-month"},
	{1, 12, "month"},
	{0, 6, "day-of-week"},
}

// Expr is a parsed cron expression. Each field is a bitmask of allowed
// values; star tracks whether the field was "*" so day-of-month and
// day-of-week can follow standard cron OR semantics.
type Expr struct {
	minute, hour, dom, month, dow uint64
	domStar, dowStar              bool
}

// Parse validates and compiles a five-field cron expression.
func Parse(expr string) (*Expr, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}

	var masks [5]uint64
	for i, part := range parts {
		mask, err := parseField(part, fields[i])
		if err != nil {
			return nil, err
		}
		masks[i] = mask
	}

	return &Expr{
		minute:  masks[0],
		hour:    masks[1],
		dom:     masks[2],
		month:   masks[3],
		dow:     masks[4],
		domStar: parts[2] == "*",
		dowStar: parts[4] == "*",
	}, nil
}

func parseField(part string, f field) (uint64, error) {
	var mask uint64
	for _, term := range strings.Split(part, ",") {
		m, err := parseTerm(term, f)
		if err != nil {
			return 0, err
		}
		mask |= m
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty %s field", f.name)
	}
	return mask, nil
}

func parseTerm(term string, f field) (uint64, error) {
	step := 1
	if base, stepStr, ok := strings.Cut(term, "/"); ok {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q in %s field", stepStr, f.name)
		}
		step = n
		term = base
	}

	lo, hi := f.min, f.max
	switch {
	case term == "*":
		// full range
	case strings.Contains(term, "-"):
		loStr, hiStr, _ := strings.Cut(term, "-")
		var err1, err2 error
		lo, err1 = strconv.Atoi(loStr)
		hi, err2 = strconv.Atoi(hiStr)
		if err1 != nil || err2 != nil || lo > hi {
			return 0, fmt.Errorf("invalid range %q in %s field", term, f.name)
		}
	default:
		n, err := strconv.Atoi(term)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q in %s field", term, f.name)
		}
		if step != 1 {
			return 0, fmt.Errorf("step requires * or range in %s field", f.name)
		}
		lo, hi = n, n
	}

	if lo < f.min || hi > f.max {
		return 0, fmt.Errorf("%s value out of range [%d,%d]", f.name, f.min, f.max)
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

func (e *Expr) matchDay(t time.Time) bool {
	domMatch := e.dom&(1<<uint(t.Day())) != 0
	dowMatch := e.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case e.domStar && e.dowStar:
		return true
	case e.domStar:
		return dowMatch
	case e.dowStar:
		return domMatch
	default:
		// Both restricted: standard cron fires on either.
		return domMatch || dowMatch
	}
}

// Next returns the first trigger time strictly after t, in UTC. The
// search is bounded at five years; a zero time past that bound means
// the expression can never fire (e.g. Feb 30).
func (e *Expr) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if e.month&(1<<uint(t.Month())) == 0 {
			// Advance to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue
		}
		if !e.matchDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if e.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if e.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// Describe returns a compact summary used in logs, e.g. "5m/24h slots".
func (e *Expr) Describe() string {
	return fmt.Sprintf("%d minute slots, %d hour slots",
		bits.OnesCount64(e.minute), bits.OnesCount64(e.hour))
}
