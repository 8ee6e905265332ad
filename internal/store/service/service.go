// Package service implements the embeddable backend behind the
// coordination store client (weir/internal/store): a hierarchical
// key-value space with ephemeral keys tied to a session, CAS-style
// create/set, children listing, and a watch broker. The coordination
// components are written against the weir/internal/store capability
// interface, not against this package directly, but something has to
// actually hold the data.
//
// The engine is backed by modernc.org/sqlite (pure Go, no cgo): WAL
// mode, a busy timeout, and two narrow tables rather than an ORM.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	_ "modernc.org/sqlite"
)

// Node is a snapshot of one path in the store.
type Node struct {
	Path      string
	Payload   []byte
	Version   int64
	Ephemeral bool
	SessionID string
	UpdatedAt time.Time
}

// ChangeKind tags a ChangeEvent.
type ChangeKind uint8

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is published on every node mutation under a watched prefix.
type ChangeEvent struct {
	Kind ChangeKind
	Node Node
}

// Service is the coordination-store engine. All methods are safe for
// concurrent use.
type Service struct {
	db     *sql.DB
	broker *broker
}

// Open creates or reopens a Service backed by the sqlite database at path.
// An empty path opens an in-memory store (used by tests and single-process
// local-mode runs).
func Open(dbPath string) (*Service, error) {
	dsn := dbPath
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordination store: %w", err)
	}
	if dbPath != "" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set coordination store journal mode: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set coordination store busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writers serialize anyway; avoids SQLITE_BUSY storms

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS nodes (
	path       TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	ephemeral  INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize nodes schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	last_heartbeat TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sessions schema: %w", err)
	}

	return &Service{db: db, broker: newBroker()}, nil
}

func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Touch records a heartbeat for sessionID, creating the session row if
// absent.
func (s *Service) Touch(sessionID string) error {
	_, err := s.db.Exec(`
INSERT INTO sessions (id, last_heartbeat) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat`,
		sessionID, nowRFC3339())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// CreatePersistent creates a persistent node. If idempotent is true, an
// existing node at path is left untouched and no error is returned;
// callers that want "already exists" surfaced pass false.
func (s *Service) CreatePersistent(path string, payload []byte, idempotent bool) error {
	res, err := s.db.Exec(`
INSERT INTO nodes (path, payload, version, ephemeral, session_id, updated_at)
VALUES (?, ?, 1, 0, '', ?)
ON CONFLICT(path) DO NOTHING`, path, payload, nowRFC3339())
	if err != nil {
		return fmt.Errorf("create persistent node %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create persistent node %q: %w", path, err)
	}
	if n == 0 && !idempotent {
		return errdefs.ErrAlreadyExists
	}
	if n > 0 {
		s.broker.publish(path, ChangeCreated)
	}
	return nil
}

// CreateEphemeral creates a node tied to sessionID. It fails with
// errdefs.ErrAlreadyExists if path already exists.
func (s *Service) CreateEphemeral(sessionID, path string, payload []byte) error {
	if err := s.Touch(sessionID); err != nil {
		return err
	}
	res, err := s.db.Exec(`
INSERT INTO nodes (path, payload, version, ephemeral, session_id, updated_at)
VALUES (?, ?, 1, 1, ?, ?)
ON CONFLICT(path) DO NOTHING`, path, payload, sessionID, nowRFC3339())
	if err != nil {
		return fmt.Errorf("create ephemeral node %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create ephemeral node %q: %w", path, err)
	}
	if n == 0 {
		return errdefs.ErrAlreadyExists
	}
	s.broker.publish(path, ChangeCreated)
	return nil
}

// Set overwrites the payload at path, which must already exist.
func (s *Service) Set(path string, payload []byte) (int64, error) {
	res, err := s.db.Exec(`
UPDATE nodes SET payload = ?, version = version + 1, updated_at = ? WHERE path = ?`,
		payload, nowRFC3339(), path)
	if err != nil {
		return 0, fmt.Errorf("set node %q: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set node %q: %w", path, err)
	}
	if n == 0 {
		return 0, errdefs.ErrNotFound
	}
	s.broker.publish(path, ChangeUpdated)
	return s.versionOf(path)
}

func (s *Service) versionOf(path string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM nodes WHERE path = ?`, path).Scan(&v)
	return v, err
}

// Get returns the node at path.
func (s *Service) Get(nodePath string) (Node, error) {
	return s.scanOne(`SELECT path, payload, version, ephemeral, session_id, updated_at FROM nodes WHERE path = ?`, nodePath)
}

func (s *Service) scanOne(query string, args ...any) (Node, error) {
	row := s.db.QueryRow(query, args...)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, errdefs.ErrNotFound
		}
		return Node{}, err
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (Node, error) {
	var n Node
	var ephemeral int
	var updatedAt string
	if err := row.Scan(&n.Path, &n.Payload, &n.Version, &ephemeral, &n.SessionID, &updatedAt); err != nil {
		return Node{}, err
	}
	n.Ephemeral = ephemeral != 0
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return n, nil
}

// Children lists the immediate children of parent (a "/"-delimited path
// prefix), sorted by path.
func (s *Service) Children(parent string) ([]Node, error) {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	rows, err := s.db.Query(`
SELECT path, payload, version, ephemeral, session_id, updated_at
FROM nodes WHERE path LIKE ? ORDER BY path`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list children of %q: %w", parent, err)
	}
	defer rows.Close()

	out := make([]Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child of %q: %w", parent, err)
		}
		// Only direct children, not deeper descendants.
		if strings.Contains(strings.TrimPrefix(n.Path, prefix), "/") {
			continue
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children of %q: %w", parent, err)
	}
	return out, nil
}

// DeleteEphemeralBySession removes every ephemeral node owned by
// sessionID and returns their paths — this is what ends a processor's
// registration when its session terminates.
func (s *Service) DeleteEphemeralBySession(sessionID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM nodes WHERE ephemeral = 1 AND session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find ephemeral nodes for session %q: %w", sessionID, err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ephemeral node path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM nodes WHERE ephemeral = 1 AND session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("delete ephemeral nodes for session %q: %w", sessionID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	for _, p := range paths {
		s.broker.publish(p, ChangeDeleted)
	}
	return paths, nil
}

// SweepExpired evicts sessions whose last heartbeat is older than ttl and
// removes their ephemeral nodes, returning the session IDs reaped. This
// is the store's session-expiry detector. RunSweeper calls it on a
// ticker; Open does not start a sweeper, and the coordination client
// never calls it.
func (s *Service) SweepExpired(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(timestampLayout)
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.DeleteEphemeralBySession(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// RunSweeper runs SweepExpired on a ticker until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SweepExpired(ttl)
		}
	}
}

// Subscribe registers for change events under prefix and returns the
// current matching nodes plus a channel of subsequent changes.
func (s *Service) Subscribe(ctx context.Context, prefix string) ([]Node, <-chan ChangeEvent, error) {
	snapshot, err := s.snapshotPrefix(prefix)
	if err != nil {
		return nil, nil, err
	}
	ch := s.broker.subscribe(ctx, prefix)
	return snapshot, ch, nil
}

func (s *Service) snapshotPrefix(prefix string) ([]Node, error) {
	if !strings.HasSuffix(prefix, "/") {
		// data watch on a single path
		n, err := s.Get(prefix)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return []Node{n}, nil
	}
	rows, err := s.db.Query(`
SELECT path, payload, version, ephemeral, session_id, updated_at
FROM nodes WHERE path LIKE ? ORDER BY path`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("snapshot prefix %q: %w", prefix, err)
	}
	defer rows.Close()
	out := make([]Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// timestampLayout keeps trailing zeros in the fractional seconds, so
// the stored strings order lexicographically the way the SweepExpired
// comparison assumes.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func nowRFC3339() string {
	return time.Now().UTC().Format(timestampLayout)
}
