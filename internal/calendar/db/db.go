// Package db provides SQLite persistence for the local calendar state.
//
// The database runs in embedded mode using the ncruces/go-sqlite3 driver
// with WAL for concurrent readers. It stores the store.State row by row:
//
//   - Database file: calsync.db (path from config)
//   - WAL mode: the CLI can read and write while `calsync run` is running
//   - Schema: events, sync_queue, quarantine, holiday_requests, class_times,
//     month_cache, sync_meta, id_map, leases
//
// Every process sharing the file writes only the rows it changed, so queue
// entries added by one process survive saves by another. Rows keep the full
// JSON document plus the columns needed for ordering and inspection.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/clubrota/calsync/internal/calendar/schema"
	"github.com/clubrota/calsync/internal/calendar/store"
)

// DB wraps the SQLite connection used to persist the local state container.
type DB struct {
	conn *sqlx.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	database, err := db.Open(".calsync/calsync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		start_at TEXT NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		event_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quarantine (
		seq INTEGER PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holiday_requests (
		id INTEGER PRIMARY KEY,
		status TEXT NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_times (
		id INTEGER PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS month_cache (
		month TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS id_map (
		temp_id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_event ON sync_queue(event_id);
	`

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

const metaLastSync = "last_sync_time"

// Save writes every row of s. Rows missing from s are left in place.
func (db *DB) Save(s store.State) error {
	return db.SaveChangesContext(context.Background(), store.State{}, s)
}

// SaveChanges writes the rows that differ between prev and next and deletes
// the rows next no longer has. It implements store.Persister.
func (db *DB) SaveChanges(prev, next store.State) error {
	return db.SaveChangesContext(context.Background(), prev, next)
}

// change is one row that needs writing.
type change[T any] struct {
	item T
	doc  string
}

// diffRows compares two lists by key and JSON document. Changed or new items
// come back in next's order.
func diffRows[T any, K comparable](prev, next []T, key func(T) K) ([]change[T], []K, error) {
	before := make(map[K]string, len(prev))
	for _, it := range prev {
		doc, err := json.Marshal(it)
		if err != nil {
			return nil, nil, err
		}
		before[key(it)] = string(doc)
	}

	var changed []change[T]
	present := make(map[K]bool, len(next))
	for _, it := range next {
		k := key(it)
		present[k] = true
		doc, err := json.Marshal(it)
		if err != nil {
			return nil, nil, err
		}
		if old, ok := before[k]; ok && old == string(doc) {
			continue
		}
		changed = append(changed, change[T]{item: it, doc: string(doc)})
	}

	var removed []K
	for _, it := range prev {
		if k := key(it); !present[k] {
			removed = append(removed, k)
		}
	}
	return changed, removed, nil
}

func eventKey(e schema.CalendarEvent) schema.EventID { return e.ID }
func entryKey(q schema.SyncQueueEntry) string        { return q.ClientID }
func holidayKey(h schema.HolidayRequest) int64       { return h.ID }
func classTimeKey(ct schema.ClassTime) int64         { return ct.ID }

// SaveChangesContext is SaveChanges with context support.
func (db *DB) SaveChangesContext(ctx context.Context, prev, next store.State) error {
	events, goneEvents, err := diffRows(prev.Events, next.Events, eventKey)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	queue, goneQueue, err := diffRows(prev.SyncQueue, next.SyncQueue, entryKey)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	quarantine, goneQuarantine, err := diffRows(prev.Quarantine, next.Quarantine, entryKey)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine: %w", err)
	}
	holidays, goneHolidays, err := diffRows(prev.HolidayRequests, next.HolidayRequests, holidayKey)
	if err != nil {
		return fmt.Errorf("failed to marshal holiday requests: %w", err)
	}
	classTimes, goneClassTimes, err := diffRows(prev.ClassTimes, next.ClassTimes, classTimeKey)
	if err != nil {
		return fmt.Errorf("failed to marshal class times: %w", err)
	}

	if len(events)+len(goneEvents)+len(queue)+len(goneQueue)+len(quarantine)+len(goneQuarantine)+
		len(holidays)+len(goneHolidays)+len(classTimes)+len(goneClassTimes) == 0 &&
		!monthsChanged(prev.MonthCache, next.MonthCache) &&
		!idMapChanged(prev.IDMap, next.IDMap) &&
		!cursorChanged(prev.LastSyncTime, next.LastSyncTime) {
		return nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range goneEvents {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, string(id)); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	for _, c := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, start_at, doc) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET start_at = excluded.start_at, doc = excluded.doc`,
			string(c.item.ID), c.item.Start.UTC().Format(time.RFC3339), c.doc); err != nil {
			return fmt.Errorf("failed to save event %s: %w", c.item.ID, err)
		}
	}

	// Deletes run before inserts so an entry moving between the queue and
	// quarantine is never in both.
	for _, id := range goneQueue {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE client_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
		}
	}
	for _, id := range goneQuarantine {
		if _, err := tx.ExecContext(ctx, `DELETE FROM quarantine WHERE client_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete quarantined entry %s: %w", id, err)
		}
	}
	// New rows get the next seq, so the queue order across processes is the
	// order entries reached the database.
	for _, c := range queue {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_queue (client_id, operation, event_id, attempts, doc) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(client_id) DO UPDATE SET operation = excluded.operation, event_id = excluded.event_id,
			 attempts = excluded.attempts, doc = excluded.doc`,
			c.item.ClientID, string(c.item.Operation), string(c.item.ID), c.item.Attempts, c.doc); err != nil {
			return fmt.Errorf("failed to save queue entry %s: %w", c.item.ClientID, err)
		}
	}
	for _, c := range quarantine {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine (client_id, doc) VALUES (?, ?)
			 ON CONFLICT(client_id) DO UPDATE SET doc = excluded.doc`,
			c.item.ClientID, c.doc); err != nil {
			return fmt.Errorf("failed to save quarantined entry %s: %w", c.item.ClientID, err)
		}
	}

	for _, id := range goneHolidays {
		if _, err := tx.ExecContext(ctx, `DELETE FROM holiday_requests WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete holiday request %d: %w", id, err)
		}
	}
	for _, c := range holidays {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holiday_requests (id, status, doc) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
			c.item.ID, string(c.item.Status), c.doc); err != nil {
			return fmt.Errorf("failed to save holiday request %d: %w", c.item.ID, err)
		}
	}

	for _, id := range goneClassTimes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM class_times WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete class time %d: %w", id, err)
		}
	}
	for _, c := range classTimes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO class_times (id, doc) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
			c.item.ID, c.doc); err != nil {
			return fmt.Errorf("failed to save class time %d: %w", c.item.ID, err)
		}
	}

	for month := range prev.MonthCache {
		if _, ok := next.MonthCache[month]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM month_cache WHERE month = ?`, string(month)); err != nil {
			return fmt.Errorf("failed to delete month cache %s: %w", month, err)
		}
	}
	for month, expiry := range next.MonthCache {
		if old, ok := prev.MonthCache[month]; ok && old.Equal(expiry) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO month_cache (month, expires_at) VALUES (?, ?)
			 ON CONFLICT(month) DO UPDATE SET expires_at = excluded.expires_at`,
			string(month), expiry.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to save month cache %s: %w", month, err)
		}
	}

	for temp, server := range next.IDMap {
		if prev.IDMap[temp] == server {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO id_map (temp_id, server_id) VALUES (?, ?)
			 ON CONFLICT(temp_id) DO UPDATE SET server_id = excluded.server_id`,
			string(temp), string(server)); err != nil {
			return fmt.Errorf("failed to save id mapping %s: %w", temp, err)
		}
	}

	if cursorChanged(prev.LastSyncTime, next.LastSyncTime) {
		if next.LastSyncTime == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, metaLastSync)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sync_meta (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				metaLastSync, next.LastSyncTime.UTC().Format(time.RFC3339Nano))
		}
		if err != nil {
			return fmt.Errorf("failed to save sync cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func monthsChanged(prev, next map[schema.MonthKey]time.Time) bool {
	if len(prev) != len(next) {
		return true
	}
	for k, v := range next {
		if old, ok := prev[k]; !ok || !old.Equal(v) {
			return true
		}
	}
	return false
}

func idMapChanged(prev, next map[schema.EventID]schema.EventID) bool {
	for k, v := range next {
		if prev[k] != v {
			return true
		}
	}
	return false
}

func cursorChanged(prev, next *time.Time) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return !prev.Equal(*next)
}

// AcquireLease takes the named lease for owner until now+ttl. It succeeds when
// the lease is free, expired or already held by owner. It implements store.Leaser.
func (db *DB) AcquireLease(name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := db.conn.Exec(
		`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it. It implements store.Leaser.
func (db *DB) ReleaseLease(name, owner string) error {
	if _, err := db.conn.Exec(`DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Load restores the stored snapshot. An empty database yields an empty state.
// It implements store.Persister.
func (db *DB) Load() (store.State, error) {
	return db.LoadContext(context.Background())
}

// LoadContext restores the stored snapshot with context support.
func (db *DB) LoadContext(ctx context.Context) (store.State, error) {
	state := store.State{MonthCache: make(map[schema.MonthKey]time.Time)}

	var eventDocs []string
	if err := db.conn.SelectContext(ctx, &eventDocs, `SELECT doc FROM events ORDER BY start_at, id`); err != nil {
		return state, fmt.Errorf("failed to load events: %w", err)
	}
	for _, doc := range eventDocs {
		var e schema.CalendarEvent
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return state, fmt.Errorf("failed to parse stored event: %w", err)
		}
		state.Events = append(state.Events, e)
	}

	queue, err := db.loadEntries(ctx, `SELECT doc FROM sync_queue ORDER BY seq`)
	if err != nil {
		return state, fmt.Errorf("failed to load sync queue: %w", err)
	}
	state.SyncQueue = queue

	quarantine, err := db.loadEntries(ctx, `SELECT doc FROM quarantine ORDER BY seq`)
	if err != nil {
		return state, fmt.Errorf("failed to load quarantine: %w", err)
	}
	state.Quarantine = quarantine

	var holidayDocs []string
	if err := db.conn.SelectContext(ctx, &holidayDocs, `SELECT doc FROM holiday_requests ORDER BY id`); err != nil {
		return state, fmt.Errorf("failed to load holiday requests: %w", err)
	}
	for _, doc := range holidayDocs {
		var h schema.HolidayRequest
		if err := json.Unmarshal([]byte(doc), &h); err != nil {
			return state, fmt.Errorf("failed to parse stored holiday request: %w", err)
		}
		state.HolidayRequests = append(state.HolidayRequests, h)
	}

	var classDocs []string
	if err := db.conn.SelectContext(ctx, &classDocs, `SELECT doc FROM class_times ORDER BY id`); err != nil {
		return state, fmt.Errorf("failed to load class times: %w", err)
	}
	for _, doc := range classDocs {
		var ct schema.ClassTime
		if err := json.Unmarshal([]byte(doc), &ct); err != nil {
			return state, fmt.Errorf("failed to parse stored class time: %w", err)
		}
		state.ClassTimes = append(state.ClassTimes, ct)
	}

	var months []struct {
		Month     string `db:"month"`
		ExpiresAt string `db:"expires_at"`
	}
	if err := db.conn.SelectContext(ctx, &months, `SELECT month, expires_at FROM month_cache`); err != nil {
		return state, fmt.Errorf("failed to load month cache: %w", err)
	}
	for _, m := range months {
		expiry, err := time.Parse(time.RFC3339Nano, m.ExpiresAt)
		if err != nil {
			return state, fmt.Errorf("failed to parse expiry of %s: %w", m.Month, err)
		}
		state.MonthCache[schema.MonthKey(m.Month)] = expiry
	}

	var cursor string
	err = db.conn.GetContext(ctx, &cursor, `SELECT value FROM sync_meta WHERE key = ?`, metaLastSync)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state, fmt.Errorf("failed to load sync cursor: %w", err)
	default:
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return state, fmt.Errorf("failed to parse sync cursor: %w", err)
		}
		state.LastSyncTime = &t
	}

	var ids []struct {
		TempID   string `db:"temp_id"`
		ServerID string `db:"server_id"`
	}
	if err := db.conn.SelectContext(ctx, &ids, `SELECT temp_id, server_id FROM id_map`); err != nil {
		return state, fmt.Errorf("failed to load id map: %w", err)
	}
	state.IDMap = make(map[schema.EventID]schema.EventID, len(ids))
	for _, m := range ids {
		state.IDMap[schema.EventID(m.TempID)] = schema.EventID(m.ServerID)
	}

	return state, nil
}

func (db *DB) loadEntries(ctx context.Context, query string) ([]schema.SyncQueueEntry, error) {
	var docs []string
	if err := db.conn.SelectContext(ctx, &docs, query); err != nil {
		return nil, err
	}
	var out []schema.SyncQueueEntry
	for _, doc := range docs {
		var q schema.SyncQueueEntry
		if err := json.Unmarshal([]byte(doc), &q); err != nil {
			return nil, fmt.Errorf("failed to parse stored queue entry: %w", err)
		}
		out = append(out, q)
	}
	return out, nil
}

// Stats summarizes the stored snapshot for status output.
type Stats struct {
	Events          int `db:"events"`
	Queued          int `db:"queued"`
	Quarantined     int `db:"quarantined"`
	HolidayRequests int `db:"holiday_requests"`
	CachedMonths    int `db:"cached_months"`
}

// GetStats returns row counts of the stored snapshot.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	query := `
	SELECT
		(SELECT COUNT(*) FROM events) AS events,
		(SELECT COUNT(*) FROM sync_queue) AS queued,
		(SELECT COUNT(*) FROM quarantine) AS quarantined,
		(SELECT COUNT(*) FROM holiday_requests) AS holiday_requests,
		(SELECT COUNT(*) FROM month_cache) AS cached_months
	`
	if err := db.conn.GetContext(ctx, &s, query); err != nil {
		return s, fmt.Errorf("failed to get stats: %w", err)
	}
	return s, nil
}
