package cronexpr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
	}{
		{name: "empty", expr: ""},
		{name: "five fields", expr: "* * * * *"},
		{name: "seven fields", expr: "* * * * * * *"},
		{name: "range", expr: "0 0 1-5 * * *"},
		{name: "list", expr: "0 0,30 * * * *"},
		{name: "zero step", expr: "*/0 * * * * *"},
		{name: "negative step", expr: "*/-2 * * * * *"},
		{name: "second out of range", expr: "60 * * * * *"},
		{name: "hour out of range", expr: "0 0 24 * * *"},
		{name: "day of month zero", expr: "0 0 0 0 * *"},
		{name: "month out of range", expr: "0 0 0 1 13 *"},
		{name: "day of week seven", expr: "0 0 0 * * 7"},
		{name: "word", expr: "0 0 0 * JAN *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr, time.UTC)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "error %v should wrap ErrInvalid", err)
		})
	}
}

func TestParseNormalizesWhitespace(t *testing.T) {
	t.Parallel()
	s, err := Parse("  */5\t*  * * *   * ", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * * *", s.String())
	assert.Equal(t, time.UTC, s.Location())
}

func TestEveryFiveSecondsMatchesMultiplesOfFive(t *testing.T) {
	t.Parallel()
	s := MustParse("*/5 * * * * *", time.UTC)
	base := time.Date(2024, 3, 10, 17, 42, 0, 0, time.UTC)
	for sec := 0; sec < 60; sec++ {
		at := base.Add(time.Duration(sec) * time.Second)
		assert.Equal(t, sec%5 == 0, s.Matches(at), "second %d", sec)
	}
	// minute and hour do not influence a seconds-only step
	assert.True(t, s.Matches(time.Date(2031, 12, 31, 23, 59, 55, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2031, 12, 31, 23, 59, 56, 0, time.UTC)))
}

func TestStepIsRelativeToFieldMinimum(t *testing.T) {
	t.Parallel()
	// day-of-month starts at 1, so */10 hits 1, 11, 21, 31
	s := MustParse("0 0 0 */10 * *", time.UTC)
	for _, day := range []int{1, 11, 21, 31} {
		assert.True(t, s.Matches(time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)), "day %d", day)
	}
	assert.False(t, s.Matches(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
}

func TestDayOfWeekSundayIsZero(t *testing.T) {
	t.Parallel()
	s := MustParse("0 0 12 * * 0", time.UTC)
	sunday := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Sunday, sunday.Weekday())
	assert.True(t, s.Matches(sunday))
	assert.False(t, s.Matches(sunday.AddDate(0, 0, 1)))
}

func TestNextAfterRollsToNextDay(t *testing.T) {
	t.Parallel()
	s := MustParse("0 0 9 * * *", time.UTC)
	got, err := s.NextAfter(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), got)
}

func TestNextAfterIsStrictlyLaterAndMatches(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"* * * * * *",
		"*/5 * * * * *",
		"0 */15 * * * *",
		"30 0 */6 * * *",
		"0 0 0 * * 3",
		"0 0 0 1 * *",
	}
	from := time.Date(2024, 2, 28, 23, 59, 58, 400_000_000, time.UTC)
	for _, expr := range exprs {
		s := MustParse(expr, time.UTC)
		got, err := s.NextAfter(from)
		require.NoError(t, err, expr)
		assert.True(t, got.After(from), "%s: %s not after %s", expr, got, from)
		assert.True(t, s.Matches(got), "%s: %s does not match", expr, got)
		assert.Zero(t, got.Nanosecond(), expr)
	}
}

func TestNextAfterOnMatchingSecondSkipsIt(t *testing.T) {
	t.Parallel()
	s := MustParse("*/5 * * * * *", time.UTC)
	at := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	got, err := s.NextAfter(at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(5*time.Second), got)
}

func TestNextAfterUsesSpecZone(t *testing.T) {
	t.Parallel()
	tokyo := time.FixedZone("JST", 9*3600)
	s := MustParse("0 0 9 * * *", tokyo)
	// 00:30 UTC is 09:30 in Tokyo, so the next 09:00 Tokyo is the following day 00:00 UTC
	got, err := s.NextAfter(time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)), "got %s", got)
}

func TestNextAfterImpossibleDateExhaustsHorizon(t *testing.T) {
	t.Parallel()
	s := MustParse("0 0 0 31 2 *", time.UTC)
	_, err := s.NextAfter(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
	assert.True(t, s.Next(time.Now()).IsZero())
}

func TestNextAfterSparseBeyondHorizon(t *testing.T) {
	t.Parallel()
	// valid, but first of March is more than seven days from the first of January
	s := MustParse("0 0 0 1 3 *", time.UTC)
	_, err := s.NextAfter(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestNextImplementsSchedule(t *testing.T) {
	t.Parallel()
	s := MustParse("0 * * * * *", time.UTC)
	from := time.Date(2024, 1, 1, 8, 15, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 16, 0, 0, time.UTC), s.Next(from))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate("*/5 * * * * *"))
	assert.Error(t, Validate("*/5 * * * *"))
}
