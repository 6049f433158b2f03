package engine

import (
	"context"
	"strings"
	"time"

	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// Metadata keys on synthetic holiday events.
const (
	MetaHolidayRequestID = "holiday_request_id"
	MetaDayIndex         = "day_index"
	MetaTotalDays        = "total_days"
	MetaReason           = "reason"
)

// ExpandHolidayRequest synthesizes one all-day event per calendar day the
// request covers, inclusive. Ids derive from the request id and day index, so
// expanding the same request again yields the same ids.
func ExpandHolidayRequest(req schema.HolidayRequest, loc *time.Location) []schema.CalendarEvent {
	if loc == nil {
		loc = time.Local
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() {
		return nil
	}
	days := req.StartDate.DaysUntil(req.EndDate) + 1
	if days < 1 {
		return nil
	}

	title := req.Title()
	out := make([]schema.CalendarEvent, 0, days)
	for i := 0; i < days; i++ {
		d := req.StartDate.AddDays(i)
		ev := schema.CalendarEvent{
			ID:     schema.HolidayEventID(req.ID, i),
			Title:  title,
			Start:  time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc),
			End:    time.Date(d.Year, d.Month, d.Day, 23, 59, 59, 0, loc),
			AllDay: true,
			Status: schema.StatusConfirmed,
			Type:   schema.TypeHoliday,
			Metadata: map[string]any{
				MetaHolidayRequestID: req.ID,
				MetaDayIndex:         i,
				MetaTotalDays:        days,
				MetaReason:           strings.ToLower(req.Reason),
			},
		}
		if req.RequesterID != 0 {
			ev.CoachID = schema.Int64Ptr(req.RequesterID)
		}
		out = append(out, ev)
	}
	return out
}

// insertHolidayEvents appends synthetic events whose ids are not present yet.
func insertHolidayEvents(events, expanded []schema.CalendarEvent) []schema.CalendarEvent {
	seen := make(map[schema.EventID]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
	}
	for _, ev := range expanded {
		if seen[ev.ID] {
			continue
		}
		events = append(events, ev)
		seen[ev.ID] = true
	}
	return events
}

// RefreshHolidayRequests fetches approved requests overlapping the month and
// replaces the month's synthetic holiday events with their expansion.
// Offline it returns nil and keeps what is cached.
func (e *Engine) RefreshHolidayRequests(ctx context.Context, key schema.MonthKey) error {
	if !e.isOnline(ctx) {
		return nil
	}

	from, to := key.FirstDate(), key.LastDate()
	reqs, err := e.api.GetHolidayRequests(ctx, schema.HolidayRequestQuery{
		Status:   schema.HolidayApproved,
		DateFrom: from,
		DateTo:   to,
	})
	if err != nil {
		return err
	}

	loc := e.config.Location
	var expanded []schema.CalendarEvent
	for _, r := range reqs {
		if r.Status != schema.HolidayApproved || !r.Overlaps(from, to) {
			continue
		}
		expanded = append(expanded, ExpandHolidayRequest(r, loc)...)
	}

	holidayEvents := 0
	e.store.Update(func(s *store.State) {
		s.HolidayRequests = store.UpsertHolidayRequests(s.HolidayRequests, reqs)

		kept := s.Events[:0]
		for _, ev := range s.Events {
			if ev.ID.IsSynthetic() && key.Contains(ev.Start, loc) {
				continue
			}
			kept = append(kept, ev)
		}
		s.Events = insertHolidayEvents(kept, expanded)

		for _, ev := range s.Events {
			if ev.ID.IsSynthetic() {
				holidayEvents++
			}
		}
	})
	e.metrics.HolidayEvents.Set(float64(holidayEvents))
	return nil
}
