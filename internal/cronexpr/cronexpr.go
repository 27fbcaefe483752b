// Package cronexpr evaluates the six-field cron expressions used for task
// schedules: second minute hour day-of-month month day-of-week.
//
// Each field is "*", "*/N" or a single integer. Ranges and lists are not
// supported.
package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalid = errors.New("invalid cron expression")
	ErrNoMatch = errors.New("no match within horizon")
)

// Horizon bounds the forward search in NextAfter.
const Horizon = 7 * 24 * time.Hour

type kind int

const (
	kindAny kind = iota
	kindStep
	kindExact
)

type field struct {
	kind     kind
	value    int // step for kindStep, exact value for kindExact
	min, max int
}

func (f field) matches(v int) bool {
	switch f.kind {
	case kindAny:
		return true
	case kindStep:
		return (v-f.min)%f.value == 0
	default:
		return v == f.value
	}
}

var bounds = [6]struct {
	name     string
	min, max int
}{
	{"second", 0, 59},
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Spec is a parsed expression bound to a time zone.
type Spec struct {
	expr   string
	fields [6]field
	loc    *time.Location
}

var _ cron.Schedule = (*Spec)(nil)

// Parse parses expr in loc. A nil loc means time.Local.
func Parse(expr string, loc *time.Location) (*Spec, error) {
	if loc == nil {
		loc = time.Local
	}
	parts := strings.Fields(expr)
	if len(parts) != len(bounds) {
		return nil, fmt.Errorf("%w: want 6 fields (sec min hour dom month dow), got %d", ErrInvalid, len(parts))
	}
	s := &Spec{expr: strings.Join(parts, " "), loc: loc}
	for i, tok := range parts {
		f, err := parseField(tok, bounds[i].name, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, err
		}
		s.fields[i] = f
	}
	return s, nil
}

// MustParse is Parse that panics; intended for constants and tests.
func MustParse(expr string, loc *time.Location) *Spec {
	s, err := Parse(expr, loc)
	if err != nil {
		panic(err)
	}
	return s
}

func parseField(tok, name string, min, max int) (field, error) {
	f := field{min: min, max: max}
	if tok == "*" {
		f.kind = kindAny
		return f, nil
	}
	if rest, ok := strings.CutPrefix(tok, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return f, fmt.Errorf("%w: %s step %q is not a number", ErrInvalid, name, tok)
		}
		if n <= 0 {
			return f, fmt.Errorf("%w: %s step %q must be positive", ErrInvalid, name, tok)
		}
		f.kind, f.value = kindStep, n
		return f, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return f, fmt.Errorf("%w: %s token %q", ErrInvalid, name, tok)
	}
	if n < min || n > max {
		return f, fmt.Errorf("%w: %s value %d not in [%d,%d]", ErrInvalid, name, n, min, max)
	}
	f.kind, f.value = kindExact, n
	return f, nil
}

// Matches reports whether t, viewed in the expression's zone, satisfies every field.
func (s *Spec) Matches(t time.Time) bool {
	t = t.In(s.loc)
	vals := [6]int{
		t.Second(),
		t.Minute(),
		t.Hour(),
		t.Day(),
		int(t.Month()),
		int(t.Weekday()), // Sunday = 0
	}
	for i, f := range s.fields {
		if !f.matches(vals[i]) {
			return false
		}
	}
	return true
}

// NextAfter returns the first matching whole second strictly after t.
// The scan walks one second at a time and gives up after Horizon.
func (s *Spec) NextAfter(t time.Time) (time.Time, error) {
	cur := t.In(s.loc).Truncate(time.Second).Add(time.Second)
	limit := cur.Add(Horizon)
	for !cur.After(limit) {
		if s.Matches(cur) {
			return cur, nil
		}
		cur = cur.Add(time.Second)
	}
	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoMatch, s.expr, t.Format(time.RFC3339))
}

// Next implements cron.Schedule. It returns the zero time when nothing
// matches within the horizon, as robfig/cron does for impossible schedules.
func (s *Spec) Next(t time.Time) time.Time {
	next, err := s.NextAfter(t)
	if err != nil {
		return time.Time{}
	}
	return next
}

func (s *Spec) Location() *time.Location { return s.loc }

func (s *Spec) String() string { return s.expr }

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr, time.UTC)
	return err
}
