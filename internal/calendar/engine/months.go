package engine

import (
	"context"
	"sort"
	"time"

	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// LoadMonth makes the month's events available locally.
//
// A cached, unexpired month returns without a network call. Offline it returns
// nil and leaves whatever is cached in place.
func (e *Engine) LoadMonth(ctx context.Context, year int, month time.Month) error {
	return e.loadMonth(ctx, schema.NewMonthKey(year, month), false)
}

func (e *Engine) loadMonth(ctx context.Context, key schema.MonthKey, force bool) error {
	now := e.now()
	if !force && e.store.IsMonthCached(key, now) {
		e.metrics.MonthLoadTotal.WithLabelValues("cached").Inc()
		return nil
	}
	if !e.isOnline(ctx) {
		e.metrics.MonthLoadTotal.WithLabelValues("offline").Inc()
		return nil
	}

	year, month := key.YearMonth()
	fetched, err := e.api.GetMonthEvents(ctx, year, month)
	if err != nil {
		e.metrics.MonthLoadTotal.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.MonthLoadTotal.WithLabelValues("fetched").Inc()

	expiry := now.Add(e.currentTuning().CacheTTL)
	loc := e.config.Location
	e.store.Update(func(s *store.State) {
		s.Events = mergeMonth(s.Events, fetched, s.SyncQueue, key, loc)
		s.MonthCache[key] = expiry
	})

	if err := e.RefreshHolidayRequests(ctx, key); err != nil {
		e.logger.Printf("WARNING: holiday refresh for %s failed: %v", key, err)
	}
	return nil
}

// mergeMonth replaces the month's server events with fetched.
//
// Events outside the month are kept. Inside it, synthetic holiday events are
// left for the holiday refresh and events with a queued create or update keep
// their local version. Fetched events with a queued delete stay deleted.
func mergeMonth(local, fetched []schema.CalendarEvent, queue []schema.SyncQueueEntry, key schema.MonthKey, loc *time.Location) []schema.CalendarEvent {
	pending := make(map[schema.EventID]bool)
	deleted := make(map[schema.EventID]bool)
	for _, q := range queue {
		switch q.Operation {
		case schema.OpCreate, schema.OpUpdate:
			pending[q.ID] = true
		case schema.OpDelete:
			deleted[q.ID] = true
		}
	}

	out := make([]schema.CalendarEvent, 0, len(local)+len(fetched))
	seen := make(map[schema.EventID]bool, len(local)+len(fetched))
	for _, ev := range local {
		if key.Contains(ev.Start, loc) && !ev.ID.IsSynthetic() && !pending[ev.ID] {
			continue
		}
		out = append(out, ev)
		seen[ev.ID] = true
	}
	for _, ev := range fetched {
		if seen[ev.ID] || deleted[ev.ID] {
			continue
		}
		out = append(out, ev)
		seen[ev.ID] = true
	}
	return out
}

// PrefetchAdjacentMonths loads the months before and after in the background
// after the prefetch delay. Failures are logged.
func (e *Engine) PrefetchAdjacentMonths(year int, month time.Month) {
	e.prefetchAround(schema.NewMonthKey(year, month))
}

func (e *Engine) prefetchAround(key schema.MonthKey) {
	for _, k := range []schema.MonthKey{key.Prev(), key.Next()} {
		e.prefetch(k)
	}
}

func (e *Engine) prefetch(key schema.MonthKey) {
	ctx, ok := e.backgroundContext()
	if !ok {
		ctx = context.Background()
	}
	delay := e.currentTuning().PrefetchDelay

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-e.stopped():
				return
			}
		}

		if err := e.loadMonth(ctx, key, false); err != nil {
			e.logger.Printf("Prefetch of %s failed: %v", key, err)
		}
	}()
}

// stopped is closed once Dispose has run. Before Initialize it never closes.
func (e *Engine) stopped() <-chan struct{} {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.bgCtx == nil {
		return nil
	}
	return e.bgCtx.Done()
}

// MonthEvents returns the locally known events starting inside the month, in start order.
func (e *Engine) MonthEvents(key schema.MonthKey) []schema.CalendarEvent {
	var out []schema.CalendarEvent
	for _, ev := range e.store.Events() {
		if key.Contains(ev.Start, e.config.Location) {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out
}

// ClearExpiredCache evicts expired months and returns how many were evicted.
func (e *Engine) ClearExpiredCache() int {
	return e.store.ClearExpiredCache(e.now())
}

// InvalidateMonth evicts one month so the next load fetches it.
func (e *Engine) InvalidateMonth(year int, month time.Month) {
	e.store.InvalidateCache(schema.NewMonthKey(year, month))
}

func sortEvents(events []schema.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ID < events[j].ID
	})
}
