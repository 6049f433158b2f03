// Package engine implements the offline-first calendar sync engine.
//
// The engine:
//  1. Applies event mutations to the local state container immediately and
//     queues them for the remote batch endpoint
//  2. Flushes the queue when connectivity returns, on a periodic schedule and
//     right after each mutation when online
//  3. Keeps a per-month cache of server events with expiry and prefetch
//  4. Expands approved holiday requests into synthetic all-day events
//
// UI layers observe results through the store's subscriptions; the engine
// never pushes state through callbacks of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/clubrota/calsync/internal/calendar/connectivity"
	"github.com/clubrota/calsync/internal/calendar/remote"
	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

var (
	// ErrOffline is returned when an operation needs the network and it is unreachable.
	ErrOffline = errors.New("offline")
	// ErrSyncInProgress is returned when another sync already holds the in-flight guard.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrEventNotFound is returned when a mutation targets an unknown event.
	ErrEventNotFound = errors.New("event not found")
	// ErrSyntheticEvent is returned when a mutation targets an event derived from a holiday request.
	ErrSyntheticEvent = errors.New("holiday events are managed through holiday requests")
	// ErrUnsupportedResolution marks conflicts resolved with anything but server_wins.
	ErrUnsupportedResolution = errors.New("unsupported conflict resolution")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("engine already initialized")
)

// Config holds configuration for the engine.
type Config struct {
	// UserID is the coach whose class times and holiday requests are loaded.
	UserID int64

	// Location decides which month an event belongs to.
	Location *time.Location

	// SyncSchedule is the cron spec of the periodic conditional sync.
	SyncSchedule string

	// CacheTTL is how long a loaded month stays fresh.
	CacheTTL time.Duration

	// PrefetchDelay is how long adjacent-month prefetch waits before loading.
	PrefetchDelay time.Duration

	// MaxAttempts is how many answered-but-unapplied batches an entry survives
	// before it is quarantined. Zero disables quarantine.
	MaxAttempts int

	// Now is the engine clock.
	Now func() time.Time

	// Registerer receives the engine metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Location:      time.Local,
		SyncSchedule:  "@every 5m",
		CacheTTL:      30 * time.Minute,
		PrefetchDelay: 500 * time.Millisecond,
		MaxAttempts:   10,
		Now:           time.Now,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Tuning is the subset of Config that can change while the engine runs.
type Tuning struct {
	CacheTTL      time.Duration
	PrefetchDelay time.Duration
	MaxAttempts   int
}

// Engine is the sync engine. Construct it once and share it.
type Engine struct {
	store   *store.Container
	api     remote.API
	monitor connectivity.Monitor
	config  *Config
	logger  *log.Logger
	metrics *Metrics

	tuningMu sync.RWMutex
	tuning   Tuning

	// inFlight is the at-most-one-sync guard.
	inFlight atomic.Bool

	// owner identifies this engine in the cross-process sync lease.
	owner string

	tempMu     sync.Mutex
	lastTempMS int64

	lifecycleMu sync.Mutex
	initialized bool
	disposed    bool
	unsubscribe func()
	cron        *cron.Cron
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	reachable   atomic.Bool
	wg          sync.WaitGroup
}

// New creates an engine over the given collaborators.
//
// Call Initialize to start triggers and load the current month.
func New(st *store.Container, api remote.API, monitor connectivity.Monitor, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if api == nil {
		return nil, fmt.Errorf("api cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.SyncSchedule == "" {
		config.SyncSchedule = defaults.SyncSchedule
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.PrefetchDelay < 0 {
		config.PrefetchDelay = 0
	}
	if config.MaxAttempts < 0 {
		config.MaxAttempts = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	metrics, err := NewMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return &Engine{
		store:   st,
		api:     api,
		monitor: monitor,
		config:  config,
		logger:  config.Logger,
		metrics: metrics,
		tuning: Tuning{
			CacheTTL:      config.CacheTTL,
			PrefetchDelay: config.PrefetchDelay,
			MaxAttempts:   config.MaxAttempts,
		},
		owner: uuid.NewString(),
	}, nil
}

// Store returns the state container the engine writes to.
func (e *Engine) Store() *store.Container {
	return e.store
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Reconfigure swaps the runtime tuning. A non-positive CacheTTL keeps the
// current one; zero PrefetchDelay and MaxAttempts are applied as given.
func (e *Engine) Reconfigure(t Tuning) {
	e.tuningMu.Lock()
	defer e.tuningMu.Unlock()
	if t.CacheTTL > 0 {
		e.tuning.CacheTTL = t.CacheTTL
	}
	e.tuning.PrefetchDelay = max(t.PrefetchDelay, 0)
	e.tuning.MaxAttempts = max(t.MaxAttempts, 0)
	e.logger.Printf("Tuning updated: cache_ttl=%s prefetch_delay=%s max_attempts=%d",
		e.tuning.CacheTTL, e.tuning.PrefetchDelay, e.tuning.MaxAttempts)
}

func (e *Engine) currentTuning() Tuning {
	e.tuningMu.RLock()
	defer e.tuningMu.RUnlock()
	return e.tuning
}

func (e *Engine) now() time.Time {
	return e.config.Now()
}

// CurrentMonth returns the month containing the engine clock's now.
func (e *Engine) CurrentMonth() schema.MonthKey {
	return schema.MonthKeyOf(e.now(), e.config.Location)
}

func (e *Engine) isOnline(ctx context.Context) bool {
	return e.monitor.Fetch(ctx).Reachable()
}

// IsSyncing reports whether a sync currently holds the in-flight guard.
func (e *Engine) IsSyncing() bool {
	return e.inFlight.Load()
}

// Initialize starts the connectivity listener and periodic trigger, loads the
// user's class times and the current month, and prefetches adjacent months.
//
// Load failures are logged; only trigger setup errors are returned.
func (e *Engine) Initialize(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.initialized {
		e.lifecycleMu.Unlock()
		return ErrAlreadyInitialized
	}

	c := cron.New(
		cron.WithLocation(e.config.Location),
		cron.WithLogger(cron.PrintfLogger(e.logger)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(e.logger))),
	)
	if _, err := c.AddFunc(e.config.SyncSchedule, func() { e.trigger("schedule") }); err != nil {
		e.lifecycleMu.Unlock()
		return fmt.Errorf("invalid sync schedule %q: %w", e.config.SyncSchedule, err)
	}

	e.bgCtx, e.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.reachable.Store(e.isOnline(ctx))
	e.unsubscribe = e.monitor.Subscribe(e.onConnectivityChange)
	e.cron = c
	e.initialized = true
	e.disposed = false
	e.lifecycleMu.Unlock()

	c.Start()
	e.logger.Printf("Engine started (schedule %s)", e.config.SyncSchedule)

	if err := e.LoadUserClassTimes(ctx); err != nil {
		e.logger.Printf("WARNING: failed to load class times: %v", err)
	}

	current := e.CurrentMonth()
	if err := e.loadMonth(ctx, current, false); err != nil {
		e.logger.Printf("WARNING: failed to load %s: %v", current, err)
	}
	e.prefetchAround(current)

	return nil
}

// Dispose stops future triggers. It does not abort a sync already in flight.
// Safe to call repeatedly and without a prior Initialize.
func (e *Engine) Dispose() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.initialized || e.disposed {
		return
	}
	e.disposed = true
	e.initialized = false

	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
	if e.bgCancel != nil {
		e.bgCancel()
	}
	e.logger.Println("Engine stopped")
}

// Wait blocks until background work started by triggers and prefetch has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) onConnectivityChange(st connectivity.Status) {
	was := e.reachable.Swap(st.Reachable())
	if st.Reachable() && !was {
		e.logger.Println("Connectivity regained")
		e.trigger("connectivity")
	}
}

// trigger runs a conditional sync in the background.
func (e *Engine) trigger(source string) {
	ctx, ok := e.backgroundContext()
	if !ok {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logSyncError("Sync triggered by "+source, e.SyncIfNeeded(ctx))
	}()
}

// backgroundContext returns a context that survives the caller, or false after Dispose.
func (e *Engine) backgroundContext() (context.Context, bool) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.bgCtx == nil || e.bgCtx.Err() != nil {
		return nil, false
	}
	return context.WithoutCancel(e.bgCtx), true
}

// SyncIfNeeded is the conditional sync used by the triggers.
//
// It is a no-op while a sync is in flight, and when the queue is empty and the
// device is offline. Otherwise it performs a full sync; with an empty queue
// that refreshes the current month.
func (e *Engine) SyncIfNeeded(ctx context.Context) error {
	if e.inFlight.Load() {
		return nil
	}
	if !e.store.HasUnsyncedChanges() && !e.isOnline(ctx) {
		return nil
	}
	return e.PerformSync(ctx)
}

// ForceSync invalidates every cached month and performs a full sync.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.store.InvalidateCache()
	return e.PerformSync(ctx)
}

// ResolveID maps a temporary id to the server id it was reconciled to.
// Any other id is returned unchanged. The mapping is persisted, so ids
// printed by one process resolve in the next.
func (e *Engine) ResolveID(id schema.EventID) schema.EventID {
	return e.store.ResolveID(id)
}

// logSyncError logs a failed background sync. Offline and busy outcomes are
// expected and stay quiet; failures a retry cannot fix are logged as warnings.
func (e *Engine) logSyncError(what string, err error) {
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
	case remote.IsRetryable(err):
		e.logger.Printf("%s failed, will retry: %v", what, err)
	default:
		e.logger.Printf("WARNING: %s failed and needs attention: %v", what, err)
	}
}
