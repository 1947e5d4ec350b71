// Package store persists the bounded event ring and the latest derived
// state to SQLite. Production code opens the database with the cgo
// mattn/go-sqlite3 driver; tests open it with the pure-Go modernc.org/sqlite
// driver instead, the same split the teacher's opstate and anticipation
// packages use.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RingCap bounds the persisted session_events table (spec.md §3, §4.3).
const RingCap = 500

// ErrPersistenceFailure wraps any store write error. Callers treat it as
// retriable: the in-memory state remains authoritative, so a write
// failure here never blocks fan-out (spec.md §4.3, §7).
var ErrPersistenceFailure = errors.New("store: persistence failure")

// Store is the embedded-SQL event log and state blob, backed by SQLite.
type Store struct {
	db *sql.DB
}

// Event is one row of the persisted ring.
type Event struct {
	ID        int64
	EventType string
	TimeUTC   time.Time
	RawJSON   string
	CreatedAt time.Time
}

// Open opens (creating if absent) the store at dbPath using the
// production cgo driver, migrating the schema on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db)
}

// OpenWithDriver opens the store with an already-registered driver name
// and DSN, used by tests to substitute the cgo-free modernc.org/sqlite
// driver (e.g. driver="sqlite", dsn=":memory:").
func OpenWithDriver(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		time_utc   TEXT NOT NULL,
		raw_json   TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_time ON session_events(time_utc);

	CREATE TABLE IF NOT EXISTS session_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		state_json   TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvent inserts a persisted event row and prunes session_events down
// to RingCap rows, keeping the newest by (time_utc DESC, id DESC), per
// spec.md §4.3. The insert-then-prune is wrapped in a transaction so
// readers never observe a ring briefly over cap.
func (s *Store) AppendEvent(eventType string, timeUTC time.Time, rawJSON string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailure, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(
		`INSERT INTO session_events (event_type, time_utc, raw_json, created_at) VALUES (?, ?, ?, ?)`,
		eventType, timeUTC.UTC().Format(time.RFC3339Nano), rawJSON, now,
	)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrPersistenceFailure, err)
	}

	_, err = tx.Exec(
		`DELETE FROM session_events WHERE id NOT IN (
			SELECT id FROM session_events ORDER BY time_utc DESC, id DESC LIMIT ?
		)`,
		RingCap,
	)
	if err != nil {
		return fmt.Errorf("%w: prune ring: %v", ErrPersistenceFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// SaveState upserts the single session_state row with stateJSON and the
// current UTC timestamp, overwriting whatever was stored before.
func (s *Store) SaveState(stateJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_state (id, state_json, last_updated) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state_json = excluded.state_json, last_updated = excluded.last_updated`,
		stateJSON, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save state: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// LoadState returns the stored state JSON, or ("", nil) if nothing has
// been saved yet. A row whose state_json fails to scan (corrupt row) is
// treated the same as absent — spec.md §4.3: "a corrupt state_json is
// discarded and the seeder rebuilds state from history."
func (s *Store) LoadState() (string, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM session_state WHERE id = 1`).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", nil
	}
	return stateJSON, nil
}

// Reset truncates the event ring and clears the saved state row,
// atomically. Used by the state manager's administrative reset contract
// before re-seeding from IC history.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_events`); err != nil {
		return fmt.Errorf("%w: clear events: %v", ErrPersistenceFailure, err)
	}
	if _, err := tx.Exec(`DELETE FROM session_state`); err != nil {
		return fmt.Errorf("%w: clear state: %v", ErrPersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// LoadRecent returns the newest n persisted events, newest-first.
func (s *Store) LoadRecent(n int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, event_type, time_utc, raw_json, created_at FROM session_events
		 ORDER BY time_utc DESC, id DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load recent: %v", ErrPersistenceFailure, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var timeUTC, createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &timeUTC, &e.RawJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrPersistenceFailure, err)
		}
		e.TimeUTC, _ = time.Parse(time.RFC3339Nano, timeUTC)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
