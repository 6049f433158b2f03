package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clubrota/calsync/internal/calendar/connectivity"
	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

func TestLoadMonth_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	march := schema.MonthKey("2024-03")
	env.api.months[march] = []schema.CalendarEvent{marchEvent("1", "Juniors")}

	for i := 0; i < 3; i++ {
		if err := env.engine.LoadMonth(ctx, 2024, time.March); err != nil {
			t.Fatalf("LoadMonth() failed: %v", err)
		}
	}
	if n := env.api.monthCallCount(march); n != 1 {
		t.Errorf("cached month fetched %d times, want 1", n)
	}

	env.clock.Advance(31 * time.Minute)
	if err := env.engine.LoadMonth(ctx, 2024, time.March); err != nil {
		t.Fatalf("LoadMonth() after expiry failed: %v", err)
	}
	if n := env.api.monthCallCount(march); n != 2 {
		t.Errorf("expired month fetched %d times total, want 2", n)
	}
	if len(env.engine.MonthEvents(march)) != 1 {
		t.Errorf("March events = %d, want 1", len(env.engine.MonthEvents(march)))
	}
}

func TestLoadMonth_Offline(t *testing.T) {
	env := newTestEnv(t)
	env.store.ReplaceEvents([]schema.CalendarEvent{marchEvent("1", "Cached")})
	env.monitor.Set(connectivity.Offline())

	if err := env.engine.LoadMonth(context.Background(), 2024, time.March); err != nil {
		t.Errorf("LoadMonth() offline = %v, want nil", err)
	}
	if env.api.monthCallCount("2024-03") != 0 {
		t.Error("offline load must not call the API")
	}
	if len(env.store.Events()) != 1 {
		t.Error("offline load must keep cached events")
	}
	if env.store.IsMonthCached("2024-03", env.clock.Now()) {
		t.Error("offline load must not mark the month cached")
	}
}

func TestLoadMonth_RemoteError(t *testing.T) {
	env := newTestEnv(t)
	env.store.ReplaceEvents([]schema.CalendarEvent{marchEvent("1", "Cached")})
	env.api.monthErr = errors.New("502 bad gateway")

	if err := env.engine.LoadMonth(context.Background(), 2024, time.March); err == nil {
		t.Error("LoadMonth() should report the fetch failure")
	}
	if len(env.store.Events()) != 1 {
		t.Error("failed load must keep cached events")
	}
	if env.store.IsMonthCached("2024-03", env.clock.Now()) {
		t.Error("failed load must not mark the month cached")
	}
}

func TestMergeMonth(t *testing.T) {
	loc := time.UTC
	key := schema.MonthKey("2024-03")
	feb := schema.CalendarEvent{ID: "1", Title: "Feb", Start: time.Date(2024, 2, 28, 9, 0, 0, 0, loc)}
	stale := marchEvent("2", "Stale")
	edited := marchEvent("3", "Edited locally")
	created := marchEvent("temp-1", "Created locally")
	holiday := schema.CalendarEvent{ID: schema.HolidayEventID(77, 0), Title: "Sick Leave", Start: time.Date(2024, 3, 4, 0, 0, 0, 0, loc)}

	local := []schema.CalendarEvent{feb, stale, edited, created, holiday}
	queue := []schema.SyncQueueEntry{
		{ClientID: "temp-1", ID: "temp-1", Operation: schema.OpCreate},
		{ClientID: "op-1", ID: "3", Operation: schema.OpUpdate},
		{ClientID: "op-2", ID: "4", Operation: schema.OpDelete},
	}
	fetched := []schema.CalendarEvent{
		marchEvent("3", "Server copy"),
		marchEvent("4", "Deleted locally"),
		marchEvent("5", "New on server"),
		marchEvent("5", "Duplicate"),
	}

	got := mergeMonth(local, fetched, queue, key, loc)

	byID := make(map[schema.EventID]schema.CalendarEvent)
	for _, ev := range got {
		if _, dup := byID[ev.ID]; dup {
			t.Errorf("duplicate id %s", ev.ID)
		}
		byID[ev.ID] = ev
	}

	tests := []struct {
		id    schema.EventID
		want  bool
		title string
	}{
		{"1", true, "Feb"},
		{"2", false, ""},
		{"3", true, "Edited locally"},
		{"temp-1", true, "Created locally"},
		{"4", false, ""},
		{"5", true, "New on server"},
		{schema.HolidayEventID(77, 0), true, "Sick Leave"},
	}
	for _, tt := range tests {
		ev, ok := byID[tt.id]
		if ok != tt.want {
			t.Errorf("event %s present = %v, want %v", tt.id, ok, tt.want)
			continue
		}
		if ok && ev.Title != tt.title {
			t.Errorf("event %s title = %q, want %q", tt.id, ev.Title, tt.title)
		}
	}
}

func TestPrefetchAdjacentMonths_YearRollover(t *testing.T) {
	env := newTestEnv(t)

	env.engine.PrefetchAdjacentMonths(2024, time.December)
	env.engine.Wait()
	if env.api.monthCallCount("2024-11") != 1 || env.api.monthCallCount("2025-01") != 1 {
		t.Errorf("month calls = %v, want 2024-11 and 2025-01", env.api.monthCalls)
	}

	env.engine.PrefetchAdjacentMonths(2024, time.January)
	env.engine.Wait()
	if env.api.monthCallCount("2023-12") != 1 || env.api.monthCallCount("2024-02") != 1 {
		t.Errorf("month calls = %v, want 2023-12 and 2024-02", env.api.monthCalls)
	}
}

func TestPrefetch_FailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t)
	env.api.monthErr = errors.New("timeout")

	env.engine.PrefetchAdjacentMonths(2024, time.March)
	env.engine.Wait()

	if env.api.monthCallCount("2024-02") != 1 || env.api.monthCallCount("2024-04") != 1 {
		t.Error("both adjacent months should have been attempted")
	}
}

func TestClearExpiredCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.LoadMonth(ctx, 2024, time.March); err != nil {
		t.Fatalf("LoadMonth() failed: %v", err)
	}
	env.clock.Advance(10 * time.Minute)
	if err := env.engine.LoadMonth(ctx, 2024, time.April); err != nil {
		t.Fatalf("LoadMonth() failed: %v", err)
	}
	env.clock.Advance(25 * time.Minute)

	if n := env.engine.ClearExpiredCache(); n != 1 {
		t.Errorf("ClearExpiredCache() = %d, want 1", n)
	}
	cache := env.store.Get().MonthCache
	if _, ok := cache["2024-04"]; !ok || len(cache) != 1 {
		t.Errorf("cache = %v, want only 2024-04", cache)
	}

	env.engine.InvalidateMonth(2024, time.April)
	if len(env.store.Get().MonthCache) != 0 {
		t.Error("InvalidateMonth should evict April")
	}
}

func TestMonthEventsSorted(t *testing.T) {
	env := newTestEnv(t)
	later := marchEvent("2", "Later")
	later.Start = later.Start.Add(time.Hour)
	env.store.Update(func(s *store.State) {
		s.Events = []schema.CalendarEvent{later, marchEvent("1", "Earlier")}
	})

	got := env.engine.MonthEvents("2024-03")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("MonthEvents() = %+v", got)
	}
}
