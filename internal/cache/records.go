package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/crewsync/internal/types"
)

// Origin says where a row's current payload came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Record is a cached row.
type Record struct {
	Type      types.EntityType
	ID        string
	Data      json.RawMessage
	Origin    Origin
	Pending   bool
	Tombstone bool
	Revision  int64
	UpdatedAt time.Time
	SyncedAt  *time.Time
	RemoteAt  *time.Time
}

// Row is an entity payload keyed by its cache id.
type Row struct {
	ID   string
	Data json.RawMessage
}

const recordColumns = `entity_type, id, data, origin, pending, tombstone, revision, updated_at, synced_at, remote_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                Record
		typ, data, origin  string
		updatedAt          string
		syncedAt, remoteAt sql.NullString
	)
	if err := row.Scan(&typ, &rec.ID, &data, &origin, &rec.Pending, &rec.Tombstone,
		&rec.Revision, &updatedAt, &syncedAt, &remoteAt); err != nil {
		return Record{}, err
	}
	rec.Type = types.EntityType(typ)
	rec.Data = json.RawMessage(data)
	rec.Origin = Origin(origin)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.SyncedAt = parseTime(syncedAt)
	rec.RemoteAt = parseTime(remoteAt)
	return rec, nil
}

func rowKey(t types.EntityType, id string) string {
	return string(t) + "/" + id
}

// Get returns the row for (t, id), including tombstoned rows.
// Returns ErrNotFound if there is none.
func (s *Store) Get(ctx context.Context, t types.EntityType, id string) (Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND id = ?`, string(t), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get %s %s: %w", t, id, err)
	}
	return rec, nil
}

func getTx(ctx context.Context, tx *sql.Tx, t types.EntityType, id string) (Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND id = ?`, string(t), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// PutResult reports the outcome of an optimistic write.
type PutResult struct {
	Revision int64
	// Superseded is true when the write was dropped because an
	// authoritative apply of the same row landed within the window.
	Superseded bool
}

// PutLocal stores an optimistic local write and marks the row pending.
//
// If the row was applied from the event channel less than window ago the
// write is dropped: the authoritative value wins and Superseded is set.
func (s *Store) PutLocal(ctx context.Context, t types.EntityType, id string, data json.RawMessage, window time.Duration) (PutResult, error) {
	unlock := s.locks.lock(rowKey(t, id))
	defer unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock()
	var revision int64
	cur, err := getTx(ctx, tx, t, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return PutResult{}, fmt.Errorf("failed to read %s %s: %w", t, id, err)
	default:
		if window > 0 && cur.RemoteAt != nil && now.Sub(*cur.RemoteAt) < window {
			return PutResult{Revision: cur.Revision, Superseded: true}, nil
		}
		revision = cur.Revision
	}
	revision++

	_, err = tx.ExecContext(ctx, `
	INSERT INTO records (entity_type, id, data, origin, pending, tombstone, revision, updated_at)
	VALUES (?, ?, ?, 'local', 1, 0, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		data = excluded.data,
		origin = 'local',
		pending = 1,
		tombstone = 0,
		revision = excluded.revision,
		updated_at = excluded.updated_at
	`, string(t), id, string(data), revision, formatTime(now))
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to write %s %s: %w", t, id, err)
	}
	if err := tx.Commit(); err != nil {
		return PutResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(Change{Type: t, ID: id, Kind: ChangePut, Origin: OriginLocal, Revision: revision})
	return PutResult{Revision: revision}, nil
}

// ApplyRemote stores an authoritative row from the event channel. It
// overwrites any local state, clears pending and tombstone flags, and stamps
// remote_at so later optimistic writes inside the reconcile window are
// dropped.
func (s *Store) ApplyRemote(ctx context.Context, t types.EntityType, id string, data json.RawMessage) (int64, error) {
	unlock := s.locks.lock(rowKey(t, id))
	defer unlock()

	now := formatTime(s.clock())
	var revision int64
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO records (entity_type, id, data, origin, pending, tombstone, revision, updated_at, synced_at, remote_at)
	VALUES (?, ?, ?, 'remote', 0, 0, 1, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		data = excluded.data,
		origin = 'remote',
		pending = 0,
		tombstone = 0,
		revision = records.revision + 1,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at,
		remote_at = excluded.remote_at
	RETURNING revision
	`, string(t), id, string(data), now, now, now).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("failed to apply %s %s: %w", t, id, err)
	}

	s.notify(Change{Type: t, ID: id, Kind: ChangePut, Origin: OriginRemote, Revision: revision})
	return revision, nil
}

// IngestResult counts what Ingest did with each row.
type IngestResult struct {
	Applied   int
	Unchanged int
	// Skipped rows had local pending changes and were left alone.
	Skipped int
}

// Ingest stores a batch of authoritative rows fetched from the remote in a
// single transaction. Rows with pending local changes or tombstones are
// skipped; their push reconciles them. Rows applied from the event channel
// at or after fetchedAt are skipped too, since the fetch predates them.
// A zero fetchedAt disables that check. Rows whose payload is unchanged are
// not rewritten.
func (s *Store) Ingest(ctx context.Context, t types.EntityType, rows []Row, fetchedAt time.Time) (IngestResult, error) {
	var res IngestResult
	if len(rows) == 0 {
		return res, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.clock())
	var changes []Change
	for _, r := range rows {
		cur, err := getTx(ctx, tx, t, r.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return IngestResult{}, fmt.Errorf("failed to read %s %s: %w", t, r.ID, err)
		case cur.Pending || cur.Tombstone:
			res.Skipped++
			continue
		case !fetchedAt.IsZero() && cur.RemoteAt != nil && !cur.RemoteAt.Before(fetchedAt):
			res.Skipped++
			continue
		case string(cur.Data) == string(r.Data):
			res.Unchanged++
			continue
		}

		var revision int64
		err = tx.QueryRowContext(ctx, `
		INSERT INTO records (entity_type, id, data, origin, pending, tombstone, revision, updated_at, synced_at)
		VALUES (?, ?, ?, 'remote', 0, 0, 1, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			data = excluded.data,
			origin = 'remote',
			revision = records.revision + 1,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at
		RETURNING revision
		`, string(t), r.ID, string(r.Data), now, now).Scan(&revision)
		if err != nil {
			return IngestResult{}, fmt.Errorf("failed to ingest %s %s: %w", t, r.ID, err)
		}
		res.Applied++
		changes = append(changes, Change{Type: t, ID: r.ID, Kind: ChangePut, Origin: OriginRemote, Revision: revision})
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.notify(changes...)
	return res, nil
}

// MarkSynced clears the pending flag after a successful push, but only if
// the row is still at the pushed revision. It reports whether the flag was
// cleared.
func (s *Store) MarkSynced(ctx context.Context, t types.EntityType, id string, revision int64) (bool, error) {
	unlock := s.locks.lock(rowKey(t, id))
	defer unlock()

	res, err := s.conn.ExecContext(ctx, `
	UPDATE records SET pending = 0, synced_at = ?
	WHERE entity_type = ? AND id = ? AND revision = ? AND pending = 1 AND tombstone = 0
	`, formatTime(s.clock()), string(t), id, revision)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", t, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s synced: %w", t, id, err)
	}
	return n > 0, nil
}

// MarkTombstone soft-deletes a row pending remote confirmation and returns
// the new revision.
func (s *Store) MarkTombstone(ctx context.Context, t types.EntityType, id string) (int64, error) {
	unlock := s.locks.lock(rowKey(t, id))
	defer unlock()

	var revision int64
	err := s.conn.QueryRowContext(ctx, `
	UPDATE records SET tombstone = 1, pending = 1, origin = 'local',
		revision = revision + 1, updated_at = ?
	WHERE entity_type = ? AND id = ?
	RETURNING revision
	`, formatTime(s.clock()), string(t), id).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to tombstone %s %s: %w", t, id, err)
	}

	s.notify(Change{Type: t, ID: id, Kind: ChangeDelete, Origin: OriginLocal, Revision: revision})
	return revision, nil
}

// Purge removes a row. It reports whether a row existed.
func (s *Store) Purge(ctx context.Context, t types.EntityType, id string) (bool, error) {
	return s.purge(ctx, t, id, 0)
}

// PurgeIfRevision removes a row only if it is still at revision. Used after
// a confirmed remote delete so that a newer write is not lost.
func (s *Store) PurgeIfRevision(ctx context.Context, t types.EntityType, id string, revision int64) (bool, error) {
	return s.purge(ctx, t, id, revision)
}

func (s *Store) purge(ctx context.Context, t types.EntityType, id string, revision int64) (bool, error) {
	unlock := s.locks.lock(rowKey(t, id))
	defer unlock()

	query := `DELETE FROM records WHERE entity_type = ? AND id = ?`
	args := []any{string(t), id}
	if revision > 0 {
		query += ` AND revision = ?`
		args = append(args, revision)
	}

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to purge %s %s: %w", t, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to purge %s %s: %w", t, id, err)
	}
	if n > 0 {
		s.notify(Change{Type: t, ID: id, Kind: ChangeDelete, Origin: OriginRemote})
	}
	return n > 0, nil
}

// Pending returns rows with unpushed local changes, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE pending = 1 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rows: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// Stats summarizes the cache contents.
type Stats struct {
	Rows       map[types.EntityType]int
	Pending    int
	Tombstones int
}

// Stats counts rows per entity type plus pending and tombstoned rows.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Rows: map[types.EntityType]int{}}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT entity_type, COUNT(*), SUM(pending), SUM(tombstone)
	FROM records GROUP BY entity_type
	`)
	if err != nil {
		return st, fmt.Errorf("failed to query cache stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ                 string
			n, pending, deleted int
		)
		if err := rows.Scan(&typ, &n, &pending, &deleted); err != nil {
			return st, fmt.Errorf("failed to scan cache stats: %w", err)
		}
		st.Rows[types.EntityType(typ)] = n
		st.Pending += pending
		st.Tombstones += deleted
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("error iterating cache stats: %w", err)
	}
	return st, nil
}
