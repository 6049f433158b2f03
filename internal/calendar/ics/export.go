// Package ics renders cached calendar events as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// Options controls the generated calendar.
type Options struct {
	// Name becomes X-WR-CALNAME.
	Name string

	// Domain qualifies event UIDs (uid@domain).
	Domain string

	// Location is used to compute the calendar dates of all-day events.
	Location *time.Location

	// Now stamps DTSTAMP. Zero means time.Now.
	Now time.Time

	// SkipCancelled leaves cancelled events out instead of marking them.
	SkipCancelled bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Name:     "Club calendar",
		Domain:   "calsync.local",
		Location: time.Local,
	}
}

// UID returns the iCalendar UID of an event.
func UID(id schema.EventID, domain string) string {
	return fmt.Sprintf("%s@%s", id, domain)
}

// Build converts events into a calendar, ordered by start time.
func Build(events []schema.CalendarEvent, opts Options) *ical.Calendar {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Domain == "" {
		opts.Domain = DefaultOptions().Domain
	}
	stamp := opts.Now
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//calsync//calendar export//EN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	sorted := make([]schema.CalendarEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	for _, ev := range sorted {
		if ev.Status == schema.StatusCancelled && opts.SkipCancelled {
			continue
		}
		addEvent(cal, ev, stamp, opts)
	}
	return cal
}

func addEvent(cal *ical.Calendar, ev schema.CalendarEvent, stamp time.Time, opts Options) {
	ve := cal.AddEvent(UID(ev.ID, opts.Domain))
	ve.SetDtStampTime(stamp.UTC())
	ve.SetSummary(ev.Title)

	if ev.AllDay {
		// DTEND of a DATE event is exclusive.
		first := schema.DateOf(ev.Start.In(opts.Location))
		last := schema.DateOf(ev.End.In(opts.Location))
		if last.Before(first) {
			last = first
		}
		ve.SetAllDayStartAt(first.In(opts.Location))
		ve.SetAllDayEndAt(last.AddDays(1).In(opts.Location))
	} else {
		ve.SetStartAt(ev.Start.UTC())
		ve.SetEndAt(ev.End.UTC())
	}

	switch ev.Status {
	case schema.StatusCancelled:
		ve.SetStatus(ical.ObjectStatusCancelled)
	case schema.StatusConfirmed, schema.StatusCompleted:
		ve.SetStatus(ical.ObjectStatusConfirmed)
	default:
		ve.SetStatus(ical.ObjectStatusTentative)
	}

	if ev.Type != "" {
		ve.AddProperty(ical.ComponentPropertyCategories, strings.ToUpper(string(ev.Type)))
	}
	if reason, ok := ev.Metadata["reason"].(string); ok && reason != "" {
		ve.SetDescription("Reason: " + reason)
	}
}

// Export writes events as a VCALENDAR document.
func Export(w io.Writer, events []schema.CalendarEvent, opts Options) error {
	if _, err := io.WriteString(w, Build(events, opts).Serialize()); err != nil {
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	return nil
}
