// Package store provides the local state container the sync engine reads and writes.
//
// The container holds the event list, the outbound sync queue, cached holiday
// requests, month cache metadata and sync metadata. All access is serialized
// through a mutex; readers get deep copies so that subscribers and callers can
// never observe a half-applied update.
package store

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/clubrota/calsync/internal/calendar/schema"
)

// State is a snapshot of everything the client keeps locally.
type State struct {
	Events          []schema.CalendarEvent        `json:"events"`
	SyncQueue       []schema.SyncQueueEntry       `json:"sync_queue"`
	Quarantine      []schema.SyncQueueEntry       `json:"quarantine"`
	HolidayRequests []schema.HolidayRequest       `json:"holiday_requests"`
	ClassTimes      []schema.ClassTime            `json:"class_times"`
	MonthCache      map[schema.MonthKey]time.Time `json:"month_cache"` // month -> expiry
	LastSyncTime    *time.Time                    `json:"last_sync_time,omitempty"`
	IsSyncing       bool                          `json:"is_syncing"`

	// IDMap maps reconciled temporary ids to their server ids.
	IDMap map[schema.EventID]schema.EventID `json:"id_map"`
}

// HasUnsyncedChanges reports whether local mutations are waiting to be sent.
func (s *State) HasUnsyncedChanges() bool {
	return len(s.SyncQueue) > 0
}

// Clone returns a deep copy of the state.
func (s *State) Clone() State {
	out := State{
		IsSyncing: s.IsSyncing,
	}
	if s.Events != nil {
		out.Events = make([]schema.CalendarEvent, len(s.Events))
		for i, e := range s.Events {
			out.Events[i] = e.Clone()
		}
	}
	out.SyncQueue = cloneEntries(s.SyncQueue)
	out.Quarantine = cloneEntries(s.Quarantine)
	if s.HolidayRequests != nil {
		out.HolidayRequests = append([]schema.HolidayRequest(nil), s.HolidayRequests...)
	}
	if s.ClassTimes != nil {
		out.ClassTimes = append([]schema.ClassTime(nil), s.ClassTimes...)
	}
	out.MonthCache = make(map[schema.MonthKey]time.Time, len(s.MonthCache))
	for k, v := range s.MonthCache {
		out.MonthCache[k] = v
	}
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		out.LastSyncTime = &t
	}
	out.IDMap = make(map[schema.EventID]schema.EventID, len(s.IDMap))
	for k, v := range s.IDMap {
		out.IDMap[k] = v
	}
	return out
}

func (s *State) normalize() {
	if s.MonthCache == nil {
		s.MonthCache = make(map[schema.MonthKey]time.Time)
	}
	if s.IDMap == nil {
		s.IDMap = make(map[schema.EventID]schema.EventID)
	}
}

func cloneEntries(in []schema.SyncQueueEntry) []schema.SyncQueueEntry {
	if in == nil {
		return nil
	}
	out := make([]schema.SyncQueueEntry, len(in))
	for i, q := range in {
		out[i] = q.Clone()
	}
	return out
}

// Persister saves and restores the state across process restarts.
//
// Several processes may share one persister. SaveChanges must write only what
// differs between prev and next so that rows written by others survive.
type Persister interface {
	Load() (State, error)
	SaveChanges(prev, next State) error
}

// Leaser is implemented by persisters that can hand out named, expiring
// leases shared by every process using them.
type Leaser interface {
	AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(name, owner string) error
}

// Listener receives the state after every update.
type Listener func(State)

// Container is the single shared mutable resource of the sync engine.
type Container struct {
	mu    sync.Mutex
	state State

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	persister Persister
	persisted State // last state known to be on disk
	dirty     bool  // a save failed since persisted was taken
	logger    *log.Logger

	notifyMu sync.Mutex
	pending  []State
	draining bool
}

// New creates an empty in-memory container.
//
// If logger is nil, a default logger writing to stderr is used.
func New(logger *log.Logger) *Container {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	c := &Container{
		listeners: make(map[int]Listener),
		logger:    logger,
	}
	c.state.normalize()
	return c
}

// NewPersistent creates a container restored from p and saved to p after each update.
func NewPersistent(p Persister, logger *log.Logger) (*Container, error) {
	c := New(logger)
	state, err := p.Load()
	if err != nil {
		return nil, err
	}
	state.normalize()
	// A crash mid-sync must not leave the UI spinning forever.
	state.IsSyncing = false
	c.state = state
	c.persisted = state.Clone()
	c.persister = p
	return c, nil
}

// Reload replaces the in-memory state with what the persister holds, picking
// up changes other processes made. The syncing flag is kept. Changes that
// could not be saved yet are written first; if that still fails the state is
// left alone and the error returned.
func (c *Container) Reload() error {
	c.mu.Lock()
	if c.persister == nil {
		c.mu.Unlock()
		return nil
	}
	if c.dirty {
		if err := c.persister.SaveChanges(c.persisted, c.state); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to save pending changes: %w", err)
		}
		c.dirty = false
	}
	state, err := c.persister.Load()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to reload state: %w", err)
	}
	state.normalize()
	state.IsSyncing = c.state.IsSyncing
	c.state = state
	c.persisted = state.Clone()
	snapshot := state.Clone()
	c.enqueueLocked(snapshot)
	c.mu.Unlock()

	c.drain()
	return nil
}

// Get returns a deep copy of the current state.
func (c *Container) Get() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Update applies fn atomically, persists the changes and notifies subscribers.
//
// Subscribers see snapshots in update order. When another goroutine is
// already delivering, Update may return before its own snapshot is delivered.
func (c *Container) Update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.normalize()
	snapshot := c.state.Clone()
	if c.persister != nil {
		if err := c.persister.SaveChanges(c.persisted, snapshot); err != nil {
			c.dirty = true
			c.logger.Printf("WARNING: failed to persist state: %v", err)
		} else {
			c.persisted = snapshot.Clone()
			c.dirty = false
		}
	}
	c.enqueueLocked(snapshot)
	c.mu.Unlock()

	c.drain()
}

// enqueueLocked queues a snapshot for delivery. Callers hold c.mu, which
// fixes the delivery order to the update order.
func (c *Container) enqueueLocked(snapshot State) {
	c.notifyMu.Lock()
	c.pending = append(c.pending, snapshot)
	c.notifyMu.Unlock()
}

// drain delivers pending snapshots unless another goroutine already is.
func (c *Container) drain() {
	c.notifyMu.Lock()
	if c.draining {
		c.notifyMu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.notifyMu.Unlock()
		c.notify(next)
		c.notifyMu.Lock()
	}
	c.draining = false
	c.notifyMu.Unlock()
}

// AcquireLease takes the named lease for owner when the persister supports
// leases. Without one every call succeeds.
func (c *Container) AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	l, ok := c.persister.(Leaser)
	if !ok {
		return true, nil
	}
	return l.AcquireLease(name, owner, now, ttl)
}

// ReleaseLease gives up a lease taken with AcquireLease.
func (c *Container) ReleaseLease(name, owner string) error {
	l, ok := c.persister.(Leaser)
	if !ok {
		return nil
	}
	return l.ReleaseLease(name, owner)
}

// Subscribe registers fn for change notifications and returns its unsubscribe func.
func (c *Container) Subscribe(fn Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Container) notify(snapshot State) {
	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}
