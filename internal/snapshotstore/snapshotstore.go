// Package snapshotstore holds durable bolt snapshots: an append-only
// table keyed by (ProcessorId, Clock), backed by modernc.org/sqlite the
// same way the coordination store backend is (weir/internal/store/service).
// Append-only and keyed means no locking is required beyond what
// sqlite's own writer serialization gives for free.
package snapshotstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"weir/internal/corestate"
	"weir/internal/wire"
)

// Store holds bolt snapshots.
type Store struct {
	db *sql.DB
}

// Open creates or reopens a Store at dbPath. An empty path opens an
// in-memory store.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if dbPath != "" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set snapshot store journal mode: %w", err)
		}
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
	processor  TEXT NOT NULL,
	clock_key  TEXT NOT NULL,
	clock      BLOB NOT NULL,
	state      BLOB NOT NULL,
	saved_at   TEXT NOT NULL,
	PRIMARY KEY (processor, clock_key)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshots schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save persists state for id at clock. Re-saving the same (id, clock)
// pair is idempotent: the row is left untouched, since a snapshot is
// immutable once taken.
func (s *Store) Save(id corestate.ProcessorID, clock corestate.Clock, state []byte) error {
	_, err := s.db.Exec(`
INSERT INTO snapshots (processor, clock_key, clock, state, saved_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(processor, clock_key) DO NOTHING`,
		id.String(), clock.String(), wire.EncodeClock(clock), state, nowRFC3339())
	if err != nil {
		return fmt.Errorf("save snapshot for %s at %s: %w", id, clock, err)
	}
	return nil
}

// Latest returns the most recently saved snapshot for id, and the empty
// Clock with found=false if none exists — the case a fresh bolt treats
// as "no prior snapshot."
func (s *Store) Latest(id corestate.ProcessorID) (clock corestate.Clock, state []byte, found bool, err error) {
	rows, err := s.db.Query(`
SELECT clock, state FROM snapshots WHERE processor = ? ORDER BY saved_at DESC, rowid DESC`, id.String())
	if err != nil {
		return nil, nil, false, fmt.Errorf("query latest snapshot for %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return corestate.NewClock(nil), nil, false, rows.Err()
	}
	var clockBytes []byte
	if err := rows.Scan(&clockBytes, &state); err != nil {
		return nil, nil, false, fmt.Errorf("scan latest snapshot for %s: %w", id, err)
	}
	clock, err = wire.DecodeClock(clockBytes)
	if err != nil {
		return nil, nil, false, fmt.Errorf("decode latest snapshot clock for %s: %w", id, err)
	}
	return clock, state, true, nil
}

// Get returns the state saved for exactly (id, clock), for tests that
// verify a snapshot exists at a specific cut.
func (s *Store) Get(id corestate.ProcessorID, clock corestate.Clock) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRow(`
SELECT state FROM snapshots WHERE processor = ? AND clock_key = ?`, id.String(), clock.String()).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get snapshot for %s at %s: %w", id, clock, err)
	}
	return state, true, nil
}

// timestampLayout keeps trailing zeros in the fractional seconds, so
// the stored strings order lexicographically the way Latest's ORDER BY
// assumes.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func nowRFC3339() string {
	return time.Now().UTC().Format(timestampLayout)
}
