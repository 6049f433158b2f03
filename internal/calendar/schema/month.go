package schema

import (
	"fmt"
	"time"
)

// MonthKey is the "YYYY-MM" key of the month cache.
type MonthKey string

// NewMonthKey builds the key for a calendar month (month is 1-12).
func NewMonthKey(year int, month time.Month) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// MonthKeyOf returns the key of the month containing t in loc.
func MonthKeyOf(t time.Time, loc *time.Location) MonthKey {
	if loc != nil {
		t = t.In(loc)
	}
	return NewMonthKey(t.Year(), t.Month())
}

// ParseMonthKey parses a "YYYY-MM" string.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", fmt.Errorf("invalid month %q (want YYYY-MM): %w", s, err)
	}
	return NewMonthKey(t.Year(), t.Month()), nil
}

// YearMonth splits the key into year and month.
func (k MonthKey) YearMonth() (int, time.Month) {
	t, err := time.Parse("2006-01", string(k))
	if err != nil {
		return 0, 0
	}
	return t.Year(), t.Month()
}

// Prev returns the previous month, rolling over January to December.
func (k MonthKey) Prev() MonthKey {
	y, m := k.YearMonth()
	if m == time.January {
		return NewMonthKey(y-1, time.December)
	}
	return NewMonthKey(y, m-1)
}

// Next returns the following month, rolling over December to January.
func (k MonthKey) Next() MonthKey {
	y, m := k.YearMonth()
	if m == time.December {
		return NewMonthKey(y+1, time.January)
	}
	return NewMonthKey(y, m+1)
}

// Range returns the first instant of the month and the first instant of the next one.
func (k MonthKey) Range(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	y, m := k.YearMonth()
	start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// Contains reports whether t falls inside the month in loc.
func (k MonthKey) Contains(t time.Time, loc *time.Location) bool {
	start, end := k.Range(loc)
	return !t.Before(start) && t.Before(end)
}

// FirstDate and LastDate return the calendar dates bounding the month.
func (k MonthKey) FirstDate() Date {
	y, m := k.YearMonth()
	return NewDate(y, m, 1)
}

func (k MonthKey) LastDate() Date {
	y, m := k.YearMonth()
	return NewDate(y, m+1, 0)
}

func (k MonthKey) String() string {
	return string(k)
}
