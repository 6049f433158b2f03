package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

var naturalDates = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

var exactLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime accepts exact timestamps in loc or natural language relative to base
// ("tomorrow 6pm", "next monday").
func parseTime(s string, base time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	for _, layout := range exactLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	r, err := naturalDates.Parse(s, base.In(loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time.In(loc), nil
}

// parseDay is parseTime reduced to a calendar date.
func parseDay(s string, base time.Time, loc *time.Location) (schema.Date, error) {
	t, err := parseTime(s, base, loc)
	if err != nil {
		return schema.Date{}, err
	}
	return schema.DateOf(t), nil
}

// parseMonthArg returns the month named by args[0], or the current month in loc.
func parseMonthArg(args []string, now time.Time, loc *time.Location) (schema.MonthKey, error) {
	if len(args) == 0 || args[0] == "" {
		return schema.MonthKeyOf(now, loc), nil
	}
	return schema.ParseMonthKey(args[0])
}
