package store

import (
	"time"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// Events returns a copy of the event list.
func (c *Container) Events() []schema.CalendarEvent {
	return c.Get().Events
}

// Event returns the event with the given id.
func (c *Container) Event(id schema.EventID) (schema.CalendarEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.state.Events {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return schema.CalendarEvent{}, false
}

// ReplaceEvents swaps the whole event list.
func (c *Container) ReplaceEvents(events []schema.CalendarEvent) {
	c.Update(func(s *State) {
		s.Events = events
	})
}

// Queue returns a copy of the sync queue in enqueue order.
func (c *Container) Queue() []schema.SyncQueueEntry {
	return c.Get().SyncQueue
}

// Enqueue appends an entry to the tail of the sync queue.
func (c *Container) Enqueue(entry schema.SyncQueueEntry) {
	c.Update(func(s *State) {
		s.SyncQueue = append(s.SyncQueue, entry)
	})
}

// RemoveQueued drops the entries with the given client ids.
func (c *Container) RemoveQueued(clientIDs ...string) {
	if len(clientIDs) == 0 {
		return
	}
	drop := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		drop[id] = true
	}
	c.Update(func(s *State) {
		kept := s.SyncQueue[:0]
		for _, q := range s.SyncQueue {
			if !drop[q.ClientID] {
				kept = append(kept, q)
			}
		}
		s.SyncQueue = kept
	})
}

// Quarantine returns the entries parked after too many failed attempts.
func (c *Container) Quarantine() []schema.SyncQueueEntry {
	return c.Get().Quarantine
}

// HolidayRequests returns the cached holiday requests.
func (c *Container) HolidayRequests() []schema.HolidayRequest {
	return c.Get().HolidayRequests
}

// AppendHolidayRequest adds a newly created request.
func (c *Container) AppendHolidayRequest(req schema.HolidayRequest) {
	c.Update(func(s *State) {
		s.HolidayRequests = append(s.HolidayRequests, req)
	})
}

// UpsertHolidayRequests replaces cached requests with the same id and appends new ones.
func (c *Container) UpsertHolidayRequests(reqs []schema.HolidayRequest) {
	c.Update(func(s *State) {
		s.HolidayRequests = UpsertHolidayRequests(s.HolidayRequests, reqs)
	})
}

// UpsertHolidayRequests merges fresh into existing by id, preserving order.
func UpsertHolidayRequests(existing, fresh []schema.HolidayRequest) []schema.HolidayRequest {
	index := make(map[int64]int, len(existing))
	for i, r := range existing {
		index[r.ID] = i
	}
	for _, r := range fresh {
		if i, ok := index[r.ID]; ok {
			existing[i] = r
			continue
		}
		index[r.ID] = len(existing)
		existing = append(existing, r)
	}
	return existing
}

// ClassTimes returns the cached class times of the current user.
func (c *Container) ClassTimes() []schema.ClassTime {
	return c.Get().ClassTimes
}

// SetClassTimes replaces the cached class times.
func (c *Container) SetClassTimes(cts []schema.ClassTime) {
	c.Update(func(s *State) {
		s.ClassTimes = cts
	})
}

// IsMonthCached reports whether the month is cached and unexpired at now.
// An expired entry is evicted.
func (c *Container) IsMonthCached(key schema.MonthKey, now time.Time) bool {
	c.mu.Lock()
	expiry, ok := c.state.MonthCache[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if now.Before(expiry) {
		return true
	}
	return c.evictExpiredMonth(key, now)
}

// evictExpiredMonth drops the month's entry unless it is unexpired at now and
// reports whether it is still cached. A concurrent load may have refreshed
// the entry since IsMonthCached read it.
func (c *Container) evictExpiredMonth(key schema.MonthKey, now time.Time) bool {
	cached := false
	c.Update(func(s *State) {
		if exp, ok := s.MonthCache[key]; ok && now.Before(exp) {
			cached = true
			return
		}
		delete(s.MonthCache, key)
	})
	return cached
}

// MarkMonthCached records the month as loaded until expiry.
func (c *Container) MarkMonthCached(key schema.MonthKey, expiry time.Time) {
	c.Update(func(s *State) {
		s.MonthCache[key] = expiry
	})
}

// ClearExpiredCache evicts every month whose expiry has passed and returns how many.
func (c *Container) ClearExpiredCache(now time.Time) int {
	removed := 0
	c.Update(func(s *State) {
		for k, expiry := range s.MonthCache {
			if !now.Before(expiry) {
				delete(s.MonthCache, k)
				removed++
			}
		}
	})
	return removed
}

// InvalidateCache evicts the given months, or every month when none are given.
func (c *Container) InvalidateCache(keys ...schema.MonthKey) {
	c.Update(func(s *State) {
		if len(keys) == 0 {
			s.MonthCache = make(map[schema.MonthKey]time.Time)
			return
		}
		for _, k := range keys {
			delete(s.MonthCache, k)
		}
	})
}

// LastSyncTime returns the sync cursor, or nil if never synced.
func (c *Container) LastSyncTime() *time.Time {
	return c.Get().LastSyncTime
}

// SetLastSyncTime moves the sync cursor.
func (c *Container) SetLastSyncTime(t time.Time) {
	c.Update(func(s *State) {
		s.LastSyncTime = &t
	})
}

// IsSyncing reports the UI-facing syncing flag.
func (c *Container) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.IsSyncing
}

// SetSyncing sets the UI-facing syncing flag.
func (c *Container) SetSyncing(v bool) {
	c.Update(func(s *State) {
		s.IsSyncing = v
	})
}

// HasUnsyncedChanges reports whether the sync queue is non-empty.
func (c *Container) HasUnsyncedChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.SyncQueue) > 0
}

// ResolveID maps a reconciled temporary id to its server id. Any other id is
// returned unchanged.
func (c *Container) ResolveID(id schema.EventID) schema.EventID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server, ok := c.state.IDMap[id]; ok {
		return server
	}
	return id
}
