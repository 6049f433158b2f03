package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clubrota/calsync/internal/calendar/connectivity"
	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// marchEvent returns an event outside the test clock's current month, so the
// post-sync refresh of January leaves it alone.
func marchEvent(id schema.EventID, title string) schema.CalendarEvent {
	start := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	return schema.CalendarEvent{
		ID:     id,
		Title:  title,
		Start:  start,
		End:    start.Add(time.Hour),
		Status: schema.StatusScheduled,
		Type:   schema.TypeCustom,
	}
}

func TestPerformSync_QueueDrainScenario(t *testing.T) {
	env := newTestEnv(t)
	temp := schema.EventID("temp-1700000000000")
	cursor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	env.store.Update(func(s *store.State) {
		s.Events = []schema.CalendarEvent{marchEvent(temp, "Cover class")}
		s.SyncQueue = []schema.SyncQueueEntry{{
			ClientID:  string(temp),
			ID:        temp,
			Operation: schema.OpCreate,
			Data:      map[string]any{"title": "Cover class"},
		}}
		s.LastSyncTime = &cursor
	})

	env.api.batch = func(ops []schema.SyncQueueEntry, last *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Synced:     []schema.SyncResult{{ClientID: "temp-1700000000000", ServerID: 501, Status: schema.ResultSuccess}},
			Conflicts:  []schema.SyncConflict{},
			ServerTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	if env.api.lastCursor == nil || !env.api.lastCursor.Equal(cursor) {
		t.Errorf("sent cursor = %v, want %v", env.api.lastCursor, cursor)
	}
	if q := env.store.Queue(); len(q) != 0 {
		t.Errorf("queue = %+v, want empty", q)
	}
	if _, ok := env.store.Event(temp); ok {
		t.Error("temporary id should be gone")
	}
	ev, ok := env.store.Event("501")
	if !ok {
		t.Fatal("event 501 not found")
	}
	if ev.Title != "Cover class" {
		t.Errorf("title = %q, want local copy kept", ev.Title)
	}
	if got := env.store.LastSyncTime(); got == nil || !got.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cursor = %v, want 2024-01-02T00:00:00Z", got)
	}
	if env.store.IsSyncing() {
		t.Error("IsSyncing should be cleared after sync")
	}
}

func TestPerformSync_DrainsManyCreates(t *testing.T) {
	env := newTestEnv(t)
	const n = 5

	env.store.Update(func(s *store.State) {
		for i := 0; i < n; i++ {
			id := schema.TempEventID(int64(1700000000000 + i))
			s.Events = append(s.Events, marchEvent(id, fmt.Sprintf("Event %d", i)))
			s.SyncQueue = append(s.SyncQueue, schema.SyncQueueEntry{ClientID: string(id), ID: id, Operation: schema.OpCreate})
		}
	})

	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		resp := &schema.BatchSyncResponse{ServerTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
		for i, op := range ops {
			resp.Synced = append(resp.Synced, schema.SyncResult{ClientID: op.ClientID, ServerID: int64(100 + i), Status: schema.ResultSuccess})
		}
		return resp, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	if q := env.store.Queue(); len(q) != 0 {
		t.Errorf("queue length = %d, want 0", len(q))
	}
	for i := 0; i < n; i++ {
		temp := schema.TempEventID(int64(1700000000000 + i))
		want := schema.ServerEventID(int64(100 + i))
		ev, ok := env.store.Event(want)
		if !ok {
			t.Errorf("event %s not found", want)
			continue
		}
		if ev.Title != fmt.Sprintf("Event %d", i) {
			t.Errorf("event %s title = %q", want, ev.Title)
		}
		if got := env.engine.ResolveID(temp); got != want {
			t.Errorf("ResolveID(%s) = %s, want %s", temp, got, want)
		}
	}
}

func TestPerformSync_ConflictServerWins(t *testing.T) {
	env := newTestEnv(t)
	local := marchEvent("42", "Mine")
	env.store.Update(func(s *store.State) {
		s.Events = []schema.CalendarEvent{local}
		s.SyncQueue = []schema.SyncQueueEntry{
			{ClientID: "op-1", ID: "42", Operation: schema.OpUpdate, Data: map[string]any{"title": "Mine"}},
		}
	})

	serverStart := time.Date(2024, 3, 11, 15, 0, 0, 0, time.UTC)
	server := schema.CalendarEvent{
		ID:       "42",
		Title:    "Theirs",
		Start:    serverStart,
		End:      serverStart.Add(2 * time.Hour),
		Status:   schema.StatusConfirmed,
		Type:     schema.TypeClass,
		ClubID:   schema.Int64Ptr(1),
		Metadata: map[string]any{"room": "B"},
	}
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Conflicts: []schema.SyncConflict{{
				ID:            "42",
				ClientVersion: ops[0].Data,
				ServerVersion: &server,
				Resolution:    schema.ResolutionServerWins,
			}},
			ServerTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	got, ok := env.store.Event("42")
	if !ok {
		t.Fatal("event 42 not found")
	}
	if !reflect.DeepEqual(got, server) {
		t.Errorf("local event = %+v, want server version %+v", got, server)
	}
	if q := env.store.Queue(); len(q) != 0 {
		t.Errorf("queue = %+v, want empty", q)
	}
}

func TestPerformSync_ConflictReinstatesDeletedEvent(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-del", ID: "42", Operation: schema.OpDelete})

	server := marchEvent("42", "Still here")
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Conflicts: []schema.SyncConflict{{ID: "42", ServerVersion: &server, Resolution: schema.ResolutionServerWins}},
		}, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}
	if _, ok := env.store.Event("42"); !ok {
		t.Error("server_wins should reinstate the deleted event")
	}
	if len(env.store.Queue()) != 0 {
		t.Error("delete entry should be dropped")
	}
}

func TestPerformSync_Offline(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})
	before := env.store.Get()

	env.monitor.Set(connectivity.Offline())
	if err := env.engine.PerformSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("PerformSync() = %v, want ErrOffline", err)
	}

	after := env.store.Get()
	if !reflect.DeepEqual(before.SyncQueue, after.SyncQueue) {
		t.Errorf("queue changed: %+v -> %+v", before.SyncQueue, after.SyncQueue)
	}
	if after.IsSyncing {
		t.Error("offline sync must not set IsSyncing")
	}
	if env.api.batchCallCount() != 0 {
		t.Error("offline sync must not call the batch endpoint")
	}
}

func TestPerformSync_Reentrancy(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})

	entered := make(chan struct{})
	release := make(chan struct{})
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		close(entered)
		<-release
		return &schema.BatchSyncResponse{
			Synced: []schema.SyncResult{{ClientID: "op-1", Status: schema.ResultSuccess}},
		}, nil
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = env.engine.PerformSync(context.Background())
	}()

	<-entered
	if !env.engine.IsSyncing() {
		t.Error("IsSyncing() = false during a sync")
	}
	if err := env.engine.PerformSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping PerformSync() = %v, want ErrSyncInProgress", err)
	}
	if err := env.engine.SyncIfNeeded(context.Background()); err != nil {
		t.Errorf("SyncIfNeeded() during sync = %v, want nil", err)
	}
	close(release)
	wg.Wait()

	if firstErr != nil {
		t.Errorf("first PerformSync() failed: %v", firstErr)
	}
	if n := env.api.batchCallCount(); n != 1 {
		t.Errorf("batch calls = %d, want 1", n)
	}
	if len(env.store.Queue()) != 0 {
		t.Error("queue should be drained")
	}
}

func TestPerformSync_RemoteFailureLeavesQueue(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return nil, errors.New("connection reset")
	}

	if err := env.engine.PerformSync(context.Background()); err == nil {
		t.Fatal("PerformSync() should fail when the batch call fails")
	}

	q := env.store.Queue()
	if len(q) != 1 || q[0].Attempts != 0 {
		t.Errorf("queue = %+v, want untouched entry", q)
	}
	if env.store.LastSyncTime() != nil {
		t.Error("cursor must not move on failure")
	}
	if env.store.IsSyncing() {
		t.Error("IsSyncing should be cleared after failure")
	}
}

func TestPerformSync_QuarantineAfterMaxAttempts(t *testing.T) {
	env := newTestEnvWithConfig(t, func(c *Config) { c.MaxAttempts = 2 })
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-bad", ID: "12", Operation: schema.OpUpdate, Data: map[string]any{"title": "x"}})
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-good", ID: "13", Operation: schema.OpDelete})

	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		resp := &schema.BatchSyncResponse{}
		for _, op := range ops {
			if op.ClientID == "op-bad" {
				resp.Synced = append(resp.Synced, schema.SyncResult{ClientID: op.ClientID, Status: schema.ResultError, Error: "event 12 no longer exists"})
				continue
			}
			resp.Synced = append(resp.Synced, schema.SyncResult{ClientID: op.ClientID, Status: schema.ResultSuccess})
		}
		return resp, nil
	}

	ctx := context.Background()
	if err := env.engine.PerformSync(ctx); err != nil {
		t.Fatalf("first PerformSync() failed: %v", err)
	}
	q := env.store.Queue()
	if len(q) != 1 || q[0].ClientID != "op-bad" || q[0].Attempts != 1 {
		t.Fatalf("queue after first sync = %+v", q)
	}
	if q[0].LastError != "event 12 no longer exists" {
		t.Errorf("LastError = %q", q[0].LastError)
	}

	if err := env.engine.PerformSync(ctx); err != nil {
		t.Fatalf("second PerformSync() failed: %v", err)
	}
	if len(env.store.Queue()) != 0 {
		t.Errorf("queue = %+v, want empty after quarantine", env.store.Queue())
	}
	quarantine := env.store.Quarantine()
	if len(quarantine) != 1 || quarantine[0].ClientID != "op-bad" {
		t.Fatalf("quarantine = %+v", quarantine)
	}

	if n := env.engine.RetryQuarantined(); n != 1 {
		t.Errorf("RetryQuarantined() = %d, want 1", n)
	}
	q = env.store.Queue()
	if len(q) != 1 || q[0].Attempts != 0 || q[0].LastError != "" {
		t.Errorf("requeued entry = %+v", q)
	}
	if len(env.store.Quarantine()) != 0 {
		t.Error("quarantine should be empty after retry")
	}
}

func TestPerformSync_UnsupportedResolutionCountsAsAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.store.Update(func(s *store.State) {
		s.Events = []schema.CalendarEvent{marchEvent("42", "Mine")}
		s.SyncQueue = []schema.SyncQueueEntry{{ClientID: "op-1", ID: "42", Operation: schema.OpUpdate}}
	})

	theirs := marchEvent("42", "Theirs")
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Conflicts: []schema.SyncConflict{{ID: "42", ServerVersion: &theirs, Resolution: schema.ResolutionMerge}},
		}, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	ev, _ := env.store.Event("42")
	if ev.Title != "Mine" {
		t.Errorf("title = %q, unsupported resolutions must not overwrite", ev.Title)
	}
	q := env.store.Queue()
	if len(q) != 1 || q[0].Attempts != 1 {
		t.Fatalf("queue = %+v, want one entry with one attempt", q)
	}
	if !strings.Contains(q[0].LastError, ErrUnsupportedResolution.Error()) {
		t.Errorf("LastError = %q, want it to name the unsupported resolution", q[0].LastError)
	}
}

func TestPerformSync_RenamesLaterEntries(t *testing.T) {
	env := newTestEnv(t)
	temp := schema.TempEventID(1700000000000)
	env.store.Update(func(s *store.State) {
		s.Events = []schema.CalendarEvent{marchEvent(temp, "Draft")}
		s.SyncQueue = []schema.SyncQueueEntry{
			{ClientID: string(temp), ID: temp, Operation: schema.OpCreate},
			{ClientID: "op-upd", ID: temp, Operation: schema.OpUpdate, Data: map[string]any{"title": "Final"}},
		}
	})

	// The server creates the event but cannot resolve the temporary id in the update.
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{Synced: []schema.SyncResult{
			{ClientID: string(temp), ServerID: 777, Status: schema.ResultSuccess},
			{ClientID: "op-upd", Status: schema.ResultError, Error: "unknown id"},
		}}, nil
	}
	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	q := env.store.Queue()
	if len(q) != 1 || q[0].ID != "777" {
		t.Fatalf("queue = %+v, want the update retargeted to 777", q)
	}

	// The next batch sends the rewritten id.
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		if ops[0].ID != "777" {
			t.Errorf("sent id = %s, want 777", ops[0].ID)
		}
		return &schema.BatchSyncResponse{Synced: []schema.SyncResult{{ClientID: "op-upd", Status: schema.ResultSuccess}}}, nil
	}
	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("second PerformSync() failed: %v", err)
	}
	if len(env.store.Queue()) != 0 {
		t.Error("queue should be drained")
	}
}

func TestPerformSync_KeepsEntriesQueuedDuringFlight(t *testing.T) {
	env := newTestEnv(t)
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})

	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		// A mutation lands while the batch is on the wire.
		env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-2", ID: "6", Operation: schema.OpDelete})
		return &schema.BatchSyncResponse{}, nil
	}

	if err := env.engine.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}

	q := env.store.Queue()
	if len(q) != 2 {
		t.Fatalf("queue = %+v, want both entries", q)
	}
	if q[0].ClientID != "op-1" || q[0].Attempts != 1 {
		t.Errorf("sent entry = %+v, want one attempt recorded", q[0])
	}
	if q[1].ClientID != "op-2" || q[1].Attempts != 0 {
		t.Errorf("late entry = %+v, want untouched", q[1])
	}
}

func TestForceSync_InvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.LoadMonth(ctx, 2024, time.March); err != nil {
		t.Fatalf("LoadMonth() failed: %v", err)
	}
	if err := env.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() failed: %v", err)
	}
	if len(env.store.Get().MonthCache) != 1 {
		t.Errorf("month cache = %v, want only the refreshed current month", env.store.Get().MonthCache)
	}
	if env.api.monthCallCount("2024-01") != 1 {
		t.Error("ForceSync should refresh the current month")
	}
	if err := env.engine.LoadMonth(ctx, 2024, time.March); err != nil {
		t.Fatalf("LoadMonth() failed: %v", err)
	}
	if n := env.api.monthCallCount("2024-03"); n != 2 {
		t.Errorf("March fetched %d times, want 2 after invalidation", n)
	}
}

func TestUpdateEvent_ReconciledTempID(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.Set(connectivity.Offline())
	ctx := context.Background()

	created, err := env.engine.CreateEvent(ctx, marchEvent("", "Cover class"))
	if err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}
	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Synced: []schema.SyncResult{{ClientID: ops[0].ClientID, ServerID: 610, Status: schema.ResultSuccess}},
		}, nil
	}
	env.monitor.Set(connectivity.Online())
	if err := env.engine.PerformSync(ctx); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}
	if got := env.store.Get().IDMap[created.ID]; got != "610" {
		t.Fatalf("persisted mapping = %q, want 610", got)
	}

	env.monitor.Set(connectivity.Offline())
	title := "Renamed"
	updated, err := env.engine.UpdateEvent(ctx, created.ID, schema.EventPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateEvent(%s) failed: %v", created.ID, err)
	}
	if updated.ID != "610" {
		t.Errorf("updated id = %s, want 610", updated.ID)
	}
	q := env.store.Queue()
	if len(q) != 1 || q[0].ID != "610" {
		t.Errorf("queue = %+v, want one update of 610", q)
	}
	if err := env.engine.DeleteEvent(ctx, created.ID); err != nil {
		t.Errorf("DeleteEvent(%s) failed: %v", created.ID, err)
	}
}

// leasePersister is an in-memory persister whose sync lease is held elsewhere.
type leasePersister struct {
	mu       sync.Mutex
	state    store.State
	holder   string
	acquired int
}

func (p *leasePersister) Load() (store.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone(), nil
}

func (p *leasePersister) SaveChanges(_, next store.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = next.Clone()
	return nil
}

func (p *leasePersister) AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder != "" && p.holder != owner {
		return false, nil
	}
	p.holder = owner
	p.acquired++
	return true, nil
}

func (p *leasePersister) ReleaseLease(name, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holder == owner {
		p.holder = ""
	}
	return nil
}

func TestPerformSync_LeaseHeldByAnotherProcess(t *testing.T) {
	p := &leasePersister{holder: "other-process"}
	st, err := store.NewPersistent(p, discardLogger())
	if err != nil {
		t.Fatalf("NewPersistent() failed: %v", err)
	}
	st.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})

	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Logger = discardLogger()
	e, err := New(st, api, connectivity.NewManual(connectivity.Online()), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := e.PerformSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("PerformSync() = %v, want ErrSyncInProgress", err)
	}
	if api.batchCallCount() != 0 {
		t.Error("no batch call expected while another process holds the lease")
	}

	p.ReleaseLease(syncLease, "other-process")
	if err := e.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() after release failed: %v", err)
	}
	if api.batchCallCount() != 1 {
		t.Errorf("batch calls = %d, want 1", api.batchCallCount())
	}
	if p.holder != "" {
		t.Errorf("lease still held by %q after sync", p.holder)
	}
}

// Entries another process wrote to the shared persister are sent by the next sync.
func TestPerformSync_PicksUpEntriesFromOtherProcesses(t *testing.T) {
	p := &leasePersister{}
	st, err := store.NewPersistent(p, discardLogger())
	if err != nil {
		t.Fatalf("NewPersistent() failed: %v", err)
	}
	api := newFakeAPI()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Logger = discardLogger()
	e, err := New(st, api, connectivity.NewManual(connectivity.Online()), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	p.mu.Lock()
	p.state.SyncQueue = append(p.state.SyncQueue, schema.SyncQueueEntry{ClientID: "op-cli", ID: "7", Operation: schema.OpDelete})
	p.mu.Unlock()

	if err := e.PerformSync(context.Background()); err != nil {
		t.Fatalf("PerformSync() failed: %v", err)
	}
	api.mu.Lock()
	sent := api.lastOps
	api.mu.Unlock()
	if len(sent) != 1 || sent[0].ClientID != "op-cli" {
		t.Errorf("sent = %+v, want op-cli", sent)
	}
}
