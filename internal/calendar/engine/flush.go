package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/clubrota/calsync/internal/calendar/remote"
	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// Every process on one database competes for the same sync lease.
const (
	syncLease    = "sync"
	syncLeaseTTL = 2 * time.Minute
)

// PerformSync flushes the queue to the batch endpoint and refreshes the current month.
//
// It returns ErrOffline without touching state when the backend is unreachable
// and ErrSyncInProgress when another sync, in this process or another one
// sharing the database, holds the guard. A failed batch call leaves the queue
// as it was.
func (e *Engine) PerformSync(ctx context.Context) error {
	if !e.isOnline(ctx) {
		e.metrics.SyncTotal.WithLabelValues("offline").Inc()
		return ErrOffline
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.SyncTotal.WithLabelValues("busy").Inc()
		return ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	ok, err := e.store.AcquireLease(syncLease, e.owner, e.now(), syncLeaseTTL)
	if err != nil {
		e.metrics.SyncTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		e.metrics.SyncTotal.WithLabelValues("busy").Inc()
		return ErrSyncInProgress
	}
	defer func() {
		if err := e.store.ReleaseLease(syncLease, e.owner); err != nil {
			e.logger.Printf("WARNING: %v", err)
		}
	}()

	e.store.SetSyncing(true)
	defer e.store.SetSyncing(false)

	if err := e.flush(ctx); err != nil {
		result := "error"
		if !remote.IsRetryable(err) {
			result = "rejected"
		}
		e.metrics.SyncTotal.WithLabelValues(result).Inc()
		e.logger.Printf("Sync failed: %v", err)
		return err
	}
	e.metrics.SyncTotal.WithLabelValues("success").Inc()
	return nil
}

func (e *Engine) flush(ctx context.Context) error {
	// Other processes on the same database may have queued changes.
	if err := e.store.Reload(); err != nil {
		e.logger.Printf("WARNING: syncing the in-memory queue only: %v", err)
	}

	queue := e.store.Queue()
	if len(queue) > 0 {
		start := time.Now()
		resp, err := e.api.BatchSyncEvents(ctx, queue, e.store.LastSyncTime())
		e.metrics.BatchLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			return fmt.Errorf("batch sync failed: %w", err)
		}
		if resp == nil {
			return fmt.Errorf("batch sync failed: empty response")
		}

		e.applyBatch(queue, resp)
		if !resp.ServerTime.IsZero() {
			e.store.SetLastSyncTime(resp.ServerTime)
		}
	}
	e.metrics.QueueDepth.Set(float64(len(e.store.Queue())))

	current := e.CurrentMonth()
	if err := e.loadMonth(ctx, current, true); err != nil {
		return fmt.Errorf("refresh of %s failed: %w", current, err)
	}
	return nil
}

// applyBatch reconciles the sent queue snapshot with the batch outcome in one update.
//
// Successful creates get their server id; server_wins conflicts overwrite the
// local event and drop the sent entries targeting it. Every other sent entry
// stays queued with one more attempt recorded, and is quarantined once it
// reaches MaxAttempts. Entries queued while the batch was in flight are left alone.
func (e *Engine) applyBatch(sent []schema.SyncQueueEntry, resp *schema.BatchSyncResponse) {
	maxAttempts := e.currentTuning().MaxAttempts

	sentByClient := make(map[string]schema.SyncQueueEntry, len(sent))
	for _, q := range sent {
		sentByClient[q.ClientID] = q
	}

	done := make(map[string]bool)
	failures := make(map[string]string)
	renames := make(map[schema.EventID]schema.EventID)
	var overwrites []schema.CalendarEvent

	for _, r := range resp.Synced {
		q, ok := sentByClient[r.ClientID]
		if !ok {
			if r.ClientID != "" {
				e.logger.Printf("WARNING: batch result for unknown client id %q", r.ClientID)
			}
			continue
		}
		if r.Status != schema.ResultSuccess {
			msg := r.Error
			if msg == "" {
				msg = "status " + r.Status
			}
			failures[r.ClientID] = msg
			continue
		}
		done[r.ClientID] = true
		if q.Operation == schema.OpCreate && r.ServerID > 0 {
			renames[q.ID] = schema.ServerEventID(r.ServerID)
		}
	}

	for _, c := range resp.Conflicts {
		e.metrics.ConflictsTotal.WithLabelValues(c.Resolution).Inc()
		targets := sentTargeting(sent, c.ID)

		if c.Resolution != schema.ResolutionServerWins || c.ServerVersion == nil {
			reason := fmt.Errorf("%w %q for event %s", ErrUnsupportedResolution, c.Resolution, c.ID)
			if c.Resolution == schema.ResolutionServerWins {
				reason = fmt.Errorf("server_wins conflict for event %s carried no server version", c.ID)
			}
			e.logger.Printf("WARNING: %v", reason)
			for _, q := range targets {
				failures[q.ClientID] = reason.Error()
			}
			continue
		}

		server := c.ServerVersion.Clone()
		if server.ID == "" {
			server.ID = c.ID
		}
		overwrites = append(overwrites, server)
		for _, q := range targets {
			done[q.ClientID] = true
			delete(failures, q.ClientID)
		}
		e.logger.Printf("Conflict on event %s resolved server-wins (%d queued change(s) discarded)", c.ID, len(targets))
	}

	var quarantined []schema.SyncQueueEntry
	e.store.Update(func(s *store.State) {
		for temp, server := range renames {
			s.Events = renameEvent(s.Events, temp, server)
			s.IDMap[temp] = server
		}
		for _, server := range overwrites {
			s.Events = upsertEvent(s.Events, server)
		}

		kept := make([]schema.SyncQueueEntry, 0, len(s.SyncQueue))
		for _, q := range s.SyncQueue {
			if done[q.ClientID] {
				continue
			}
			if server, ok := renames[q.ID]; ok {
				q.ID = server
			}
			if _, wasSent := sentByClient[q.ClientID]; wasSent {
				q.Attempts++
				if msg, ok := failures[q.ClientID]; ok {
					q.LastError = msg
				} else {
					q.LastError = "not applied by server"
				}
				if maxAttempts > 0 && q.Attempts >= maxAttempts {
					quarantined = append(quarantined, q)
					s.Quarantine = append(s.Quarantine, q)
					continue
				}
			}
			kept = append(kept, q)
		}
		s.SyncQueue = kept
	})

	for _, q := range quarantined {
		e.metrics.QuarantineTotal.Inc()
		e.logger.Printf("WARNING: quarantined %s %s after %d attempts: %s", q.Operation, q.ID, q.Attempts, q.LastError)
	}
	e.logger.Printf("Batch applied: %d synced, %d conflicts, %d pending, %d quarantined",
		len(done), len(resp.Conflicts), len(sent)-len(done)-len(quarantined), len(quarantined))
}

func sentTargeting(sent []schema.SyncQueueEntry, id schema.EventID) []schema.SyncQueueEntry {
	var out []schema.SyncQueueEntry
	for _, q := range sent {
		if q.ID == id {
			out = append(out, q)
		}
	}
	return out
}

// renameEvent gives the temporary event its server id. A copy of the server
// event that arrived in the meantime is dropped in favour of the local one.
func renameEvent(events []schema.CalendarEvent, temp, server schema.EventID) []schema.CalendarEvent {
	idx := -1
	for i := range events {
		if events[i].ID == temp {
			idx = i
			break
		}
	}
	if idx < 0 {
		return events
	}
	out := events[:0]
	for i, ev := range events {
		if i != idx && ev.ID == server {
			continue
		}
		if i == idx {
			ev.ID = server
		}
		out = append(out, ev)
	}
	return out
}

// upsertEvent replaces the event with the same id wholesale, or appends it.
func upsertEvent(events []schema.CalendarEvent, ev schema.CalendarEvent) []schema.CalendarEvent {
	for i := range events {
		if events[i].ID == ev.ID {
			events[i] = ev
			return events
		}
	}
	return append(events, ev)
}

// RetryQuarantined moves every quarantined entry back to the tail of the queue
// with its attempt count reset, and returns how many were moved.
func (e *Engine) RetryQuarantined() int {
	moved := 0
	e.store.Update(func(s *store.State) {
		for _, q := range s.Quarantine {
			q.Attempts = 0
			q.LastError = ""
			s.SyncQueue = append(s.SyncQueue, q)
			moved++
		}
		s.Quarantine = nil
	})
	if moved > 0 {
		e.logger.Printf("Requeued %d quarantined entries", moved)
	}
	return moved
}

// DiscardQuarantined drops quarantined entries by client id, or all of them
// when none are given, and returns how many were dropped.
func (e *Engine) DiscardQuarantined(clientIDs ...string) int {
	drop := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		drop[id] = true
	}
	removed := 0
	e.store.Update(func(s *store.State) {
		kept := s.Quarantine[:0]
		for _, q := range s.Quarantine {
			if len(clientIDs) == 0 || drop[q.ClientID] {
				removed++
				continue
			}
			kept = append(kept, q)
		}
		s.Quarantine = kept
	})
	return removed
}
