package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clubrota/calsync/internal/calendar/connectivity"
	"github.com/clubrota/calsync/internal/calendar/remote"
	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// fakeAPI is an in-memory remote.API that counts calls.
type fakeAPI struct {
	mu sync.Mutex

	months     map[schema.MonthKey][]schema.CalendarEvent
	monthErr   error
	holidays   []schema.HolidayRequest
	classTimes []schema.ClassTime

	batch         func(ops []schema.SyncQueueEntry, last *time.Time) (*schema.BatchSyncResponse, error)
	createHoliday func(d schema.HolidayDraft) (schema.HolidayRequest, error)

	monthCalls   map[schema.MonthKey]int
	holidayCalls int
	classCalls   int
	batchCalls   int
	lastOps      []schema.SyncQueueEntry
	lastCursor   *time.Time
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		months:     make(map[schema.MonthKey][]schema.CalendarEvent),
		monthCalls: make(map[schema.MonthKey]int),
	}
}

func (f *fakeAPI) GetMonthEvents(ctx context.Context, year int, month time.Month) ([]schema.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := schema.NewMonthKey(year, month)
	f.monthCalls[key]++
	if f.monthErr != nil {
		return nil, f.monthErr
	}
	out := make([]schema.CalendarEvent, len(f.months[key]))
	for i, ev := range f.months[key] {
		out[i] = ev.Clone()
	}
	return out, nil
}

func (f *fakeAPI) GetHolidayRequests(ctx context.Context, q schema.HolidayRequestQuery) ([]schema.HolidayRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holidayCalls++
	return append([]schema.HolidayRequest(nil), f.holidays...), nil
}

func (f *fakeAPI) BatchSyncEvents(ctx context.Context, ops []schema.SyncQueueEntry, last *time.Time) (*schema.BatchSyncResponse, error) {
	f.mu.Lock()
	f.batchCalls++
	f.lastOps = ops
	f.lastCursor = last
	fn := f.batch
	f.mu.Unlock()

	if fn == nil {
		return &schema.BatchSyncResponse{}, nil
	}
	return fn(ops, last)
}

func (f *fakeAPI) CreateHolidayRequest(ctx context.Context, d schema.HolidayDraft) (schema.HolidayRequest, error) {
	f.mu.Lock()
	fn := f.createHoliday
	f.mu.Unlock()
	if fn == nil {
		return schema.HolidayRequest{}, errors.New("not implemented")
	}
	return fn(d)
}

func (f *fakeAPI) GetUserClassTimes(ctx context.Context, userID int64) ([]schema.ClassTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classCalls++
	return append([]schema.ClassTime(nil), f.classTimes...), nil
}

func (f *fakeAPI) monthCallCount(key schema.MonthKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monthCalls[key]
}

func (f *fakeAPI) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// testClock is a settable engine clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine  *Engine
	api     *fakeAPI
	monitor *connectivity.Manual
	store   *store.Container
	clock   *testClock
}

// newTestEnv builds an online engine whose clock reads 2024-01-02T00:00:00Z.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, nil)
}

func newTestEnvWithConfig(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	clock := &testClock{now: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	st := store.New(logger)
	api := newFakeAPI()
	mon := connectivity.NewManual(connectivity.Online())

	cfg := DefaultConfig()
	cfg.UserID = 9
	cfg.Location = time.UTC
	cfg.Now = clock.Now
	cfg.PrefetchDelay = time.Millisecond
	cfg.Logger = logger
	if mutate != nil {
		mutate(cfg)
	}

	e, err := New(st, api, mon, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		e.Dispose()
		e.Wait()
	})
	return &testEnv{engine: e, api: api, monitor: mon, store: st, clock: clock}
}

func TestNew_Validation(t *testing.T) {
	st := store.New(log.New(io.Discard, "", 0))
	mon := connectivity.NewManual(connectivity.Online())

	if _, err := New(nil, newFakeAPI(), mon, nil); err == nil {
		t.Error("New() should reject a nil store")
	}
	if _, err := New(st, nil, mon, nil); err == nil {
		t.Error("New() should reject a nil api")
	}
	if _, err := New(st, newFakeAPI(), nil, nil); err == nil {
		t.Error("New() should reject a nil monitor")
	}
}

func TestDispose_WithoutInitialize(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Dispose()
	env.engine.Dispose()
}

func TestInitialize_LoadsCurrentAndAdjacentMonths(t *testing.T) {
	env := newTestEnv(t)
	env.api.classTimes = []schema.ClassTime{{ID: 3, ClassName: "Juniors", Weekday: time.Tuesday, StartTime: "18:30", DurationMinutes: 60}}

	if err := env.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	env.engine.Wait()

	for _, key := range []schema.MonthKey{"2023-12", "2024-01", "2024-02"} {
		if n := env.api.monthCallCount(key); n != 1 {
			t.Errorf("month %s fetched %d times, want 1", key, n)
		}
	}
	if len(env.store.ClassTimes()) != 1 {
		t.Errorf("class times = %d, want 1", len(env.store.ClassTimes()))
	}
	if err := env.engine.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize() = %v, want ErrAlreadyInitialized", err)
	}

	env.engine.Dispose()
	env.engine.Dispose()
}

func TestInitialize_InvalidSchedule(t *testing.T) {
	env := newTestEnvWithConfig(t, func(c *Config) { c.SyncSchedule = "every now and then" })
	if err := env.engine.Initialize(context.Background()); err == nil {
		t.Error("Initialize() should fail for an invalid schedule")
	}
}

func TestConnectivityRegainedTriggersSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	env.engine.Wait()

	env.monitor.Set(connectivity.Offline())
	created, err := env.engine.CreateEvent(ctx, schema.CalendarEvent{
		Title: "Cover class",
		Start: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateEvent() failed: %v", err)
	}
	if env.api.batchCallCount() != 0 {
		t.Fatal("no batch call expected while offline")
	}

	env.api.batch = func(ops []schema.SyncQueueEntry, _ *time.Time) (*schema.BatchSyncResponse, error) {
		return &schema.BatchSyncResponse{
			Synced:     []schema.SyncResult{{ClientID: ops[0].ClientID, ServerID: 900, Status: schema.ResultSuccess}},
			ServerTime: time.Date(2024, 1, 2, 0, 5, 0, 0, time.UTC),
		}, nil
	}
	env.monitor.Set(connectivity.Online())
	env.engine.Wait()

	if env.api.batchCallCount() != 1 {
		t.Errorf("batch calls = %d, want 1", env.api.batchCallCount())
	}
	if got := env.engine.ResolveID(created.ID); got != "900" {
		t.Errorf("ResolveID(%s) = %s, want 900", created.ID, got)
	}

	// After Dispose, transitions no longer trigger syncs.
	env.engine.Dispose()
	env.monitor.Set(connectivity.Offline())
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-x", ID: "1", Operation: schema.OpDelete})
	env.monitor.Set(connectivity.Online())
	env.engine.Wait()
	if env.api.batchCallCount() != 1 {
		t.Errorf("batch calls after Dispose = %d, want 1", env.api.batchCallCount())
	}
}

func TestSyncIfNeeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	current := schema.MonthKey("2024-01")

	// Offline with nothing queued: nothing to do.
	env.monitor.Set(connectivity.Offline())
	if err := env.engine.SyncIfNeeded(ctx); err != nil {
		t.Errorf("SyncIfNeeded() offline = %v, want nil", err)
	}
	if env.api.monthCallCount(current) != 0 || env.api.batchCallCount() != 0 {
		t.Error("no network calls expected offline with an empty queue")
	}

	// Online with nothing queued: refresh the current month only.
	env.monitor.Set(connectivity.Online())
	if err := env.engine.SyncIfNeeded(ctx); err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if env.api.batchCallCount() != 0 {
		t.Error("empty queue should not reach the batch endpoint")
	}
	if env.api.monthCallCount(current) != 1 {
		t.Errorf("current month fetched %d times, want 1", env.api.monthCallCount(current))
	}

	// Offline with something queued: the sync is attempted and reports offline.
	env.monitor.Set(connectivity.Offline())
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})
	if err := env.engine.SyncIfNeeded(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("SyncIfNeeded() = %v, want ErrOffline", err)
	}
}

func TestReconfigure(t *testing.T) {
	env := newTestEnv(t)

	env.engine.Reconfigure(Tuning{CacheTTL: time.Hour, PrefetchDelay: 2 * time.Second, MaxAttempts: 4})
	got := env.engine.currentTuning()
	want := Tuning{CacheTTL: time.Hour, PrefetchDelay: 2 * time.Second, MaxAttempts: 4}
	if got != want {
		t.Errorf("tuning = %+v, want %+v", got, want)
	}

	// Zero disables quarantine and the prefetch delay; a zero TTL is ignored.
	env.engine.Reconfigure(Tuning{})
	got = env.engine.currentTuning()
	want = Tuning{CacheTTL: time.Hour}
	if got != want {
		t.Errorf("tuning after zero reload = %+v, want %+v", got, want)
	}
}

func TestScheduleTriggersSync(t *testing.T) {
	env := newTestEnvWithConfig(t, func(c *Config) { c.SyncSchedule = "@every 1s" })
	ctx := context.Background()

	if err := env.engine.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	env.engine.Wait()
	env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})

	deadline := time.Now().Add(5 * time.Second)
	for env.api.batchCallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled sync never reached the batch endpoint")
		}
		time.Sleep(50 * time.Millisecond)
	}

	env.engine.Dispose()
	env.engine.Wait()
	calls := env.api.batchCallCount()
	time.Sleep(2500 * time.Millisecond)
	if got := env.api.batchCallCount(); got != calls {
		t.Errorf("batch calls after Dispose = %d, want %d", got, calls)
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnvWithConfig(t, func(c *Config) { c.Registerer = reg })

	env.monitor.Set(connectivity.Offline())
	_ = env.engine.PerformSync(context.Background())

	if got := testutil.ToFloat64(env.engine.Metrics().SyncTotal.WithLabelValues("offline")); got != 1 {
		t.Errorf("offline syncs = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "calsync_sync_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount() = %d, %v", n, err)
	}

	// A second engine on the same registry must fail to register.
	cfg := DefaultConfig()
	cfg.Registerer = reg
	cfg.Logger = log.New(io.Discard, "", 0)
	if _, err := New(env.store, env.api, env.monitor, cfg); err == nil {
		t.Error("New() should fail on duplicate metric registration")
	}
}

func TestPerformSync_FailureLabels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		label string
	}{
		{"server unavailable", &remote.UnexpectedStatusError{Method: "POST", Path: "/sync", Code: 503}, "error"},
		{"token expired", remote.ErrTokenExpired, "rejected"},
		{"forbidden", &remote.UnexpectedStatusError{Method: "POST", Path: "/sync", Code: 403}, "rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.Enqueue(schema.SyncQueueEntry{ClientID: "op-1", ID: "5", Operation: schema.OpDelete})
			env.api.batch = func([]schema.SyncQueueEntry, *time.Time) (*schema.BatchSyncResponse, error) {
				return nil, tt.err
			}

			if err := env.engine.PerformSync(context.Background()); !errors.Is(err, tt.err) {
				t.Fatalf("PerformSync() = %v, want %v", err, tt.err)
			}
			if got := testutil.ToFloat64(env.engine.Metrics().SyncTotal.WithLabelValues(tt.label)); got != 1 {
				t.Errorf("%s syncs = %v, want 1", tt.label, got)
			}
		})
	}
}
