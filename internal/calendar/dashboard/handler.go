package dashboard

import (
	"encoding/json"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/clubrota/calsync/internal/calendar/store"
)

// Handler turns state container notifications into dashboard messages.
type Handler struct {
	server *Server
	st     *store.Container
	logger *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	last        *StateData
	syncStarted time.Time
	unsubscribe func()
}

// NewHandler creates a handler feeding server from st.
func NewHandler(server *Server, st *store.Container, logger *log.Logger) *Handler {
	if logger == nil {
		logger = DefaultConfig().Logger
	}
	return &Handler{
		server: server,
		st:     st,
		logger: logger,
		now:    time.Now,
	}
}

// Start subscribes to the container and broadcasts the current state.
func (h *Handler) Start() {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.mu.Unlock()
		return
	}
	h.unsubscribe = h.st.Subscribe(h.OnState)
	h.mu.Unlock()

	h.OnState(h.st.Get())
}

// Stop unsubscribes from the container.
func (h *Handler) Stop() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// OnState handles one container snapshot. A state message goes out only when
// the summary changed; a sync_complete message follows each syncing -> idle edge.
func (h *Handler) OnState(s store.State) {
	data := Summarize(s)

	h.mu.Lock()
	prev := h.last
	if prev != nil && reflect.DeepEqual(*prev, data) {
		h.mu.Unlock()
		return
	}
	h.last = &data
	started := h.syncStarted
	switch {
	case data.IsSyncing && (prev == nil || !prev.IsSyncing):
		h.syncStarted = h.now()
	case !data.IsSyncing && prev != nil && prev.IsSyncing:
		h.syncStarted = time.Time{}
	}
	h.mu.Unlock()

	h.send(MessageTypeState, data)

	if prev != nil && prev.IsSyncing && !data.IsSyncing {
		done := SyncCompleteData{
			Remaining:    data.Queued,
			Quarantined:  data.Quarantined,
			LastSyncTime: data.LastSyncTime,
		}
		if !started.IsZero() {
			done.Duration = h.now().Sub(started)
		}
		h.logger.Printf("Sync complete: %d queued, %d quarantined", done.Remaining, done.Quarantined)
		h.send(MessageTypeSyncComplete, done)
	}
}

func (h *Handler) send(typ MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: h.now(), Data: raw})
}

// Summarize reduces a container snapshot to the dashboard summary.
func Summarize(s store.State) StateData {
	data := StateData{
		Events:          len(s.Events),
		Queued:          len(s.SyncQueue),
		Quarantined:     len(s.Quarantine),
		HolidayRequests: len(s.HolidayRequests),
		CachedMonths:    make([]string, 0, len(s.MonthCache)),
		IsSyncing:       s.IsSyncing,
		LastSyncTime:    s.LastSyncTime,
	}
	for _, ev := range s.Events {
		if ev.ID.IsSynthetic() {
			data.HolidayEvents++
		}
	}
	for key := range s.MonthCache {
		data.CachedMonths = append(data.CachedMonths, string(key))
	}
	sort.Strings(data.CachedMonths)
	return data
}
