package engine

import (
	"context"
	"fmt"

	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// nextTempID returns a temporary id unique within this process.
func (e *Engine) nextTempID() schema.EventID {
	e.tempMu.Lock()
	defer e.tempMu.Unlock()
	ms := e.now().UnixMilli()
	if ms <= e.lastTempMS {
		ms = e.lastTempMS + 1
	}
	e.lastTempMS = ms
	return schema.TempEventID(ms)
}

// CreateEvent adds the event locally under a temporary id, queues its creation
// and, when online, attempts an immediate sync. The returned event carries the
// temporary id; ResolveID maps it once the server has assigned one.
func (e *Engine) CreateEvent(ctx context.Context, ev schema.CalendarEvent) (schema.CalendarEvent, error) {
	ev.SetDefaults()
	if ev.CoachID == nil && e.config.UserID != 0 {
		ev.CoachID = schema.Int64Ptr(e.config.UserID)
	}
	if err := ev.Validate(); err != nil {
		return schema.CalendarEvent{}, fmt.Errorf("invalid event: %w", err)
	}

	ev.ID = e.nextTempID()
	entry := schema.SyncQueueEntry{
		ClientID:  string(ev.ID),
		ID:        ev.ID,
		Operation: schema.OpCreate,
		Data:      ev.Payload(),
		Timestamp: e.now(),
	}

	created := ev.Clone()
	e.store.Update(func(s *store.State) {
		s.Events = append(s.Events, ev)
		s.SyncQueue = append(s.SyncQueue, entry)
	})

	e.syncAfterMutation(ctx)
	return created, nil
}

// UpdateEvent applies patch locally, queues it and, when online, attempts an
// immediate sync. An empty patch changes nothing and queues nothing. A
// reconciled temporary id targets its server event.
func (e *Engine) UpdateEvent(ctx context.Context, id schema.EventID, patch schema.EventPatch) (schema.CalendarEvent, error) {
	id = e.ResolveID(id)
	current, ok := e.store.Event(id)
	if !ok {
		return schema.CalendarEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if id.IsSynthetic() {
		return schema.CalendarEvent{}, fmt.Errorf("%w: %s", ErrSyntheticEvent, id)
	}
	if patch.IsEmpty() {
		return current, nil
	}

	updated := current.Clone()
	patch.Apply(&updated)
	if err := updated.Validate(); err != nil {
		return schema.CalendarEvent{}, fmt.Errorf("invalid update: %w", err)
	}

	entry := schema.SyncQueueEntry{
		ClientID:  schema.NewOperationClientID(),
		ID:        id,
		Operation: schema.OpUpdate,
		Data:      patch.Payload(),
		Timestamp: e.now(),
	}

	found := false
	e.store.Update(func(s *store.State) {
		for i := range s.Events {
			if s.Events[i].ID == id {
				patch.Apply(&s.Events[i])
				found = true
				break
			}
		}
		if found {
			s.SyncQueue = append(s.SyncQueue, entry)
		}
	})
	if !found {
		// Removed between the read and the write, e.g. by a month reload.
		return schema.CalendarEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	e.syncAfterMutation(ctx)
	return updated, nil
}

// DeleteEvent removes the event locally, queues the deletion and, when online,
// attempts an immediate sync.
func (e *Engine) DeleteEvent(ctx context.Context, id schema.EventID) error {
	id = e.ResolveID(id)
	if id.IsSynthetic() {
		return fmt.Errorf("%w: %s", ErrSyntheticEvent, id)
	}

	entry := schema.SyncQueueEntry{
		ClientID:  schema.NewOperationClientID(),
		ID:        id,
		Operation: schema.OpDelete,
		Timestamp: e.now(),
	}

	found := false
	e.store.Update(func(s *store.State) {
		kept := s.Events[:0]
		for _, ev := range s.Events {
			if ev.ID == id {
				found = true
				continue
			}
			kept = append(kept, ev)
		}
		s.Events = kept
		if found {
			s.SyncQueue = append(s.SyncQueue, entry)
		}
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	e.syncAfterMutation(ctx)
	return nil
}

// syncAfterMutation is the best-effort flush after a local write. Failures
// stay queued for the next trigger.
func (e *Engine) syncAfterMutation(ctx context.Context) {
	if !e.isOnline(ctx) {
		return
	}
	e.logSyncError("Immediate sync", e.PerformSync(ctx))
}

// SubmitHolidayRequest sends the request straight to the server and caches the
// created request locally. It is never queued; errors are returned to the caller.
func (e *Engine) SubmitHolidayRequest(ctx context.Context, draft schema.HolidayDraft) (schema.HolidayRequest, error) {
	if draft.RequesterID == 0 {
		draft.RequesterID = e.config.UserID
	}
	if err := draft.Validate(); err != nil {
		return schema.HolidayRequest{}, fmt.Errorf("invalid holiday request: %w", err)
	}
	if !e.isOnline(ctx) {
		return schema.HolidayRequest{}, ErrOffline
	}

	created, err := e.api.CreateHolidayRequest(ctx, draft)
	if err != nil {
		return schema.HolidayRequest{}, err
	}

	e.store.Update(func(s *store.State) {
		s.HolidayRequests = store.UpsertHolidayRequests(s.HolidayRequests, []schema.HolidayRequest{created})
		if created.Status == schema.HolidayApproved {
			s.Events = insertHolidayEvents(s.Events, ExpandHolidayRequest(created, e.config.Location))
		}
	})
	e.logger.Printf("Holiday request %d submitted (%s..%s, %s)", created.ID, created.StartDate, created.EndDate, created.Status)
	return created, nil
}
