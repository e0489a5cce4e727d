package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCurrent_CalendarMonthUTC(t *testing.T) {
	now := time.Date(2025, time.January, 17, 14, 30, 0, 0, time.UTC)
	p := Current(now)

	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, 31, p.Days())
	assert.True(t, p.Contains(now))
	assert.False(t, p.Contains(p.End))
}

func TestCurrent_LeapFebruary(t *testing.T) {
	p := Current(time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 29, p.Days())
}

func TestDaysRemaining(t *testing.T) {
	p := Current(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	// Change on the 16th of a 31-day month leaves 16 days, inclusive of the
	// change day.
	assert.Equal(t, 16, p.DaysRemaining(time.Date(2025, time.January, 16, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 31, p.DaysRemaining(p.Start))
	assert.Equal(t, 1, p.DaysRemaining(time.Date(2025, time.January, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, p.DaysRemaining(p.End))
}

func TestProrate(t *testing.T) {
	p := Current(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	changeAt := time.Date(2025, time.January, 16, 12, 0, 0, 0, time.UTC)

	got := Prorate(10_000, 50_000, 100_000, changeAt, p)

	assert.Equal(t, int64(40_000), got.RolloverPortion)
	assert.Equal(t, int64(51_612), got.NewPlanPortion) // floor(100000 * 16/31)
	assert.Equal(t, int64(91_612), got.Total)
}

func TestProrate_OverusedOldLimit(t *testing.T) {
	p := Current(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	changeAt := time.Date(2025, time.January, 16, 0, 0, 0, 0, time.UTC)

	got := Prorate(60_000, 50_000, 100_000, changeAt, p)

	assert.Zero(t, got.RolloverPortion)
	assert.Equal(t, int64(51_612), got.Total)
}
