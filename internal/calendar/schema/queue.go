package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation carried by a queue entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncQueueEntry is one local mutation waiting for the batch sync endpoint.
//
// ClientID correlates the entry with the per-operation results of a batch.
// For creates it equals the temporary event id; updates and deletes get an
// "op-" token of their own because several of them may target one event.
type SyncQueueEntry struct {
	ClientID  string         `json:"client_id"`
	ID        EventID        `json:"id,omitempty"`
	Operation Operation      `json:"operation"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Attempts counts batches that answered without applying this entry.
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// NewOperationClientID returns a fresh correlation token for updates and deletes.
func NewOperationClientID() string {
	return "op-" + uuid.NewString()
}

// Validate checks if the entry can be sent.
func (q *SyncQueueEntry) Validate() error {
	if q.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	switch q.Operation {
	case OpCreate:
		if !q.ID.IsTemporary() {
			return fmt.Errorf("create entry %s must target a temporary id (got %q)", q.ClientID, q.ID)
		}
	case OpUpdate, OpDelete:
		if q.ID == "" {
			return fmt.Errorf("%s entry %s must target an event id", q.Operation, q.ClientID)
		}
	default:
		return fmt.Errorf("unknown operation %q", q.Operation)
	}
	return nil
}

// Clone returns a copy whose data map can be mutated independently.
func (q SyncQueueEntry) Clone() SyncQueueEntry {
	out := q
	if q.Data != nil {
		out.Data = make(map[string]any, len(q.Data))
		for k, v := range q.Data {
			out.Data[k] = v
		}
	}
	return out
}

// Conflict resolutions reported by the batch endpoint.
const (
	ResolutionServerWins = "server_wins"
	ResolutionClientWins = "client_wins"
	ResolutionMerge      = "merge"
)

// Result statuses reported per synced operation.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// BatchSyncRequest is the body of POST /calendar/sync.
type BatchSyncRequest struct {
	Operations   []SyncQueueEntry `json:"operations"`
	LastSyncTime *time.Time       `json:"last_sync_time"`
}

// SyncResult is the outcome of one queued operation.
type SyncResult struct {
	ClientID string `json:"client_id,omitempty"`
	ServerID int64  `json:"server_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// SyncConflict describes an operation the server refused in favour of its own version.
type SyncConflict struct {
	ID            EventID        `json:"id"`
	ClientVersion map[string]any `json:"client_version,omitempty"`
	ServerVersion *CalendarEvent `json:"server_version"`
	Resolution    string         `json:"resolution"`
}

// BatchSyncResponse is returned by POST /calendar/sync.
type BatchSyncResponse struct {
	Synced     []SyncResult   `json:"synced"`
	Conflicts  []SyncConflict `json:"conflicts"`
	ServerTime time.Time      `json:"server_time"`
}
