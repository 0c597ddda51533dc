// Package cache provides the durable local cache for crewsync.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding one row per entity. Each row stores the canonical JSON payload
// plus sync metadata:
//
//   - origin: "local" for optimistic writes, "remote" for authoritative rows
//   - pending: an optimistic change that has not been pushed yet
//   - tombstone: a local delete awaiting remote confirmation
//   - revision: monotonic per row, bumped by every write
//   - remote_at: when the row was last applied from the event channel
//
// Writes to the same (type, id) are serialized through a keyed mutex so a
// read-modify-write never interleaves with another write to that row.
// Writes to different rows proceed independently; SQLite's own write lock
// is taken with BEGIN IMMEDIATE and waited on through busy_timeout.
//
// Only the sync coordinator and the realtime manager write to the cache.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("cache: not found")

// Options configures a Store.
type Options struct {
	// Logger receives cache diagnostics. Zero value discards.
	Logger zerolog.Logger
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// BusyTimeout bounds how long a writer waits for the SQLite write lock.
	BusyTimeout time.Duration
}

// Store is the local cache.
type Store struct {
	conn  *sql.DB
	path  string
	log   zerolog.Logger
	clock func() time.Time
	locks *keyLocks

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// Open creates or opens the cache database at path and initializes its
// schema. The caller must call Close.
//
// Example:
//
//	st, err := cache.Open(".crewsync/cache.db", cache.Options{})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)",
		path, opts.BusyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		path:     path,
		log:      opts.Logger,
		clock:    opts.Clock,
		locks:    newKeyLocks(),
		watchers: map[int]chan Change{},
	}

	if err := s.InitSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the database. Watch channels are
// closed as well.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("failed to checkpoint WAL")
	}

	s.watchMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the cache tables. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT 'remote',
		pending INTEGER NOT NULL DEFAULT 0,
		tombstone INTEGER NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		synced_at TEXT,
		remote_at TEXT,
		PRIMARY KEY (entity_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_pending
	    ON records(pending) WHERE pending = 1;
	CREATE INDEX IF NOT EXISTS idx_records_project
	    ON records(entity_type, json_extract(data, '$.project_id'));
	CREATE INDEX IF NOT EXISTS idx_records_room
	    ON records(entity_type, json_extract(data, '$.room_id'));

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// GetState reads a sync_state value.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState writes a sync_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
