// Package connectivity reports whether the backend can currently be reached.
package connectivity

import (
	"context"
	"sort"
	"sync"
)

// Status is a point-in-time network snapshot.
type Status struct {
	IsConnected         bool `json:"is_connected"`
	IsInternetReachable bool `json:"is_internet_reachable"`
}

// Reachable reports whether network calls are worth attempting.
func (s Status) Reachable() bool {
	return s.IsConnected && s.IsInternetReachable
}

// Monitor provides the current status and pushes changes to subscribers.
type Monitor interface {
	Fetch(ctx context.Context) Status
	Subscribe(fn func(Status)) (unsubscribe func())
}

// subscribers is the listener registry shared by the monitors.
type subscribers struct {
	mu     sync.Mutex
	fns    map[int]func(Status)
	nextID int
}

func (s *subscribers) add(fn func(Status)) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(Status))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) publish(st Status) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Manual is a Monitor whose status is set by the caller. It backs --offline
// mode and tests.
type Manual struct {
	mu     sync.Mutex
	status Status
	subs   subscribers
}

// NewManual returns a monitor reporting the given initial status.
func NewManual(initial Status) *Manual {
	return &Manual{status: initial}
}

// Online returns a status that is connected and reachable.
func Online() Status {
	return Status{IsConnected: true, IsInternetReachable: true}
}

// Offline returns a disconnected status.
func Offline() Status {
	return Status{}
}

func (m *Manual) Fetch(ctx context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manual) Subscribe(fn func(Status)) func() {
	return m.subs.add(fn)
}

// Set changes the status and notifies subscribers if it differs.
func (m *Manual) Set(st Status) {
	m.mu.Lock()
	changed := m.status != st
	m.status = st
	m.mu.Unlock()

	if changed {
		m.subs.publish(st)
	}
}
