package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

var (
	// ErrSuperseded ends a stream replaced by a newer one for the same key.
	ErrSuperseded = errors.New("coordinator: superseded")
	// ErrStreamClosed is the cause recorded when a stream is closed.
	ErrStreamClosed = errors.New("coordinator: stream closed")

	errEventApplied = errors.New("coordinator: event applied")
)

// Query selects what Observe reads. Set ID for a point read, otherwise
// Filter selects a list.
type Query struct {
	Type   types.EntityType
	ID     string
	Filter filter.Filter
	// IncludeDeleted keeps soft-deleted rows in point and list reads.
	IncludeDeleted bool
	// Live keeps the stream open after the remote phase and re-emits when
	// the cached result changes.
	Live bool
}

// Point returns a query for one entity.
func Point(t types.EntityType, id string) Query {
	return Query{Type: t, ID: id}
}

// ListOf returns a query for the rows matching f.
func ListOf(t types.EntityType, f filter.Filter) Query {
	return Query{Type: t, Filter: f}
}

func (q Query) schema() (*types.Schema, error) {
	schema, err := types.Lookup(q.Type)
	if err != nil {
		return nil, err
	}
	if q.ID == "" {
		if _, err := q.Filter.Resolve(schema); err != nil {
			return nil, fmt.Errorf("invalid query: %w", err)
		}
	}
	return schema, nil
}

type jobKey struct {
	t    types.EntityType
	id   string
	list string
}

func (q Query) key() jobKey {
	if q.ID != "" {
		return jobKey{t: q.Type, id: q.ID}
	}
	return jobKey{t: q.Type, list: q.Filter.Key()}
}

// Source says where a snapshot was read from.
type Source string

const (
	// SourceCache is the cached value, before or without a remote fetch.
	SourceCache Source = "cache"
	// SourceRemote is the cached value after a successful fetch.
	SourceRemote Source = "remote"
)

// Snapshot is one emission of a stream.
type Snapshot struct {
	Source  Source
	Records []cache.Record
}

// Stream delivers the snapshots of one Observe call. Updates and Errors are
// closed when the stream ends.
type Stream struct {
	updates chan Snapshot
	errs    chan error
	done    chan struct{}
	cancel  context.CancelCauseFunc
}

// Updates returns the snapshot channel.
func (s *Stream) Updates() <-chan Snapshot { return s.updates }

// Errors carries at most one error: why the stream ended early.
func (s *Stream) Errors() <-chan error { return s.errs }

// Done is closed when the stream has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close ends the stream and waits for it to stop.
func (s *Stream) Close() {
	s.cancel(ErrStreamClosed)
	<-s.done
}

func (s *Stream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

type job struct {
	key    jobKey
	cancel context.CancelCauseFunc
	abort  context.CancelCauseFunc
	done   chan struct{}
}

// Observe emits the cached value for q, then fetches from the remote,
// stores the result and emits the refreshed value. The first snapshot is
// buffered before Observe returns.
//
// A new Observe for the same key cancels the previous stream, which ends
// with ErrSuperseded, and waits for it before fetching. If the fetch fails
// the stream reports the error and ends; the cached emission stays the
// latest value.
func (c *Coordinator) Observe(ctx context.Context, q Query) (*Stream, error) {
	schema, err := q.schema()
	if err != nil {
		return nil, err
	}

	var (
		changes <-chan cache.Change
		unwatch func()
	)
	if q.Live {
		changes, unwatch = c.cache.Watch(64)
	}

	recs, err := c.read(ctx, q)
	if err != nil {
		if unwatch != nil {
			unwatch()
		}
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	fctx, abort := context.WithCancelCause(sctx)
	s := &Stream{
		updates: make(chan Snapshot, 2),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.updates <- Snapshot{Source: SourceCache, Records: recs}

	j := &job{key: q.key(), cancel: cancel, abort: abort, done: s.done}
	prev := c.register(j)

	go func() {
		defer func() {
			if unwatch != nil {
				unwatch()
			}
			c.unregister(j)
			abort(nil)
			cancel(nil)
			close(s.updates)
			close(s.errs)
			close(s.done)
		}()

		if prev != nil {
			prev.cancel(ErrSuperseded)
			select {
			case <-prev.done:
			case <-sctx.Done():
				if cause := context.Cause(sctx); !errors.Is(cause, ErrStreamClosed) {
					s.fail(cause)
				}
				return
			}
		}

		last := digest(recs)
		_, err := c.fetch(fctx, schema, q, c.clock())
		switch {
		case err == nil:
			recs, err := c.read(sctx, q)
			if err != nil {
				s.fail(err)
				return
			}
			last = digest(recs)
			if !c.emit(sctx, s, Snapshot{Source: SourceRemote, Records: recs}) {
				return
			}
		case sctx.Err() != nil:
			if cause := context.Cause(sctx); !errors.Is(cause, ErrStreamClosed) {
				s.fail(cause)
			}
			return
		case errors.Is(context.Cause(fctx), errEventApplied):
			recs, err := c.read(sctx, q)
			if err != nil {
				s.fail(err)
				return
			}
			last = digest(recs)
			if !c.emit(sctx, s, Snapshot{Source: SourceCache, Records: recs}) || !q.Live {
				return
			}
		default:
			c.log.Warn().Err(err).Str("type", string(q.Type)).Msg("remote fetch failed, keeping cached value")
			s.fail(err)
			c.report(err)
			return
		}

		if !q.Live {
			return
		}
		for {
			select {
			case <-sctx.Done():
				if cause := context.Cause(sctx); errors.Is(cause, ErrSuperseded) {
					s.fail(cause)
				}
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if ch.Type != q.Type || (q.ID != "" && ch.ID != q.ID) {
					continue
				}
				recs, err := c.read(sctx, q)
				if err != nil {
					c.log.Debug().Err(err).Msg("live re-read failed")
					continue
				}
				if d := digest(recs); d != last {
					last = d
					if !c.emit(sctx, s, Snapshot{Source: SourceCache, Records: recs}) {
						return
					}
				}
			}
		}
	}()

	return s, nil
}

// CancelJob aborts the in-flight remote fetch of the point job for (t, id),
// if any. The stream then re-reads the cache and emits that value. It
// reports whether a job was found.
func (c *Coordinator) CancelJob(t types.EntityType, id string) bool {
	c.jobsMu.Lock()
	j := c.jobs[jobKey{t: t, id: id}]
	c.jobsMu.Unlock()
	if j == nil {
		return false
	}
	j.abort(errEventApplied)
	return true
}

func (c *Coordinator) register(j *job) *job {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	prev := c.jobs[j.key]
	c.jobs[j.key] = j
	return prev
}

func (c *Coordinator) unregister(j *job) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if c.jobs[j.key] == j {
		delete(c.jobs, j.key)
	}
}

func (c *Coordinator) emit(ctx context.Context, s *Stream, snap Snapshot) bool {
	select {
	case s.updates <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// read returns the cached rows for q. A point read of a missing or
// tombstoned row is empty.
func (c *Coordinator) read(ctx context.Context, q Query) ([]cache.Record, error) {
	if q.ID != "" {
		rec, err := c.cache.Get(ctx, q.Type, q.ID)
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Tombstone {
			return nil, nil
		}
		if !q.IncludeDeleted && softDeleted(q.Type, rec.Data) {
			return nil, nil
		}
		return []cache.Record{rec}, nil
	}
	return c.cache.List(ctx, q.Type, q.Filter, cache.ListOptions{IncludeDeleted: q.IncludeDeleted})
}

// softDeleted reports whether data has its type's delete flag set.
func softDeleted(t types.EntityType, data json.RawMessage) bool {
	schema, err := types.Lookup(t)
	if err != nil || schema.DeletedField == "" {
		return false
	}
	col, err := schema.Column(schema.DeletedField)
	if err != nil {
		return false
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return false
	}
	var deleted bool
	_ = json.Unmarshal(row[col], &deleted)
	return deleted
}

func digest(recs []cache.Record) string {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.ID)
		b.WriteByte(0)
		b.Write(r.Data)
		b.WriteByte(0)
	}
	return b.String()
}
