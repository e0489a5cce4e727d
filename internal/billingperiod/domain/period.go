// Package domain contains billing period math. Periods are calendar months
// in UTC, held as closed-open intervals [start, end).
package domain

import "time"

// Period is one calendar-month billing period.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"` // exclusive
}

// Current returns the canonical period containing now: the first instant of
// the calendar month through the first instant of the next month, UTC.
// Variable month lengths and leap years fall out of time.Date normalization.
func Current(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return Period{Start: start, End: end}
}

// Days returns the number of days in the period.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// DaysRemaining counts whole days from the day containing t (inclusive) to
// the period end. A change instant on the 16th of a 31-day month leaves 16
// days remaining.
func (p Period) DaysRemaining(t time.Time) int {
	t = t.UTC()
	if !t.Before(p.End) {
		return 0
	}
	if t.Before(p.Start) {
		return p.Days()
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(p.End.Sub(day).Hours() / 24)
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && t.Before(p.End)
}

// ProratedLimits is the outcome of a mid-period plan change.
type ProratedLimits struct {
	RolloverPortion int64 `json:"rollover_portion"`
	NewPlanPortion  int64 `json:"new_plan_portion"`
	Total           int64 `json:"total"`
}

// Prorate computes the limit applied immediately on a mid-period plan
// change: the unused remainder of the old limit plus the new limit scaled
// by the fraction of the period remaining, floor division.
func Prorate(currentUsed, oldLimit, newLimit int64, changeAt time.Time, period Period) ProratedLimits {
	rollover := oldLimit - currentUsed
	if rollover < 0 {
		rollover = 0
	}

	days := int64(period.Days())
	remaining := int64(period.DaysRemaining(changeAt))
	var newPortion int64
	if days > 0 {
		newPortion = newLimit * remaining / days
	}

	return ProratedLimits{
		RolloverPortion: rollover,
		NewPlanPortion:  newPortion,
		Total:           rollover + newPortion,
	}
}
