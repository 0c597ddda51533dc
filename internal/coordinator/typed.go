package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

// GetAs reads one entity from the cache. Tombstoned rows are not found.
func GetAs[T types.Entity](ctx context.Context, c *Coordinator, id string) (T, error) {
	var zero T
	rec, err := c.cache.Get(ctx, zero.EntityType(), id)
	if err != nil {
		return zero, err
	}
	if rec.Tombstone {
		return zero, fmt.Errorf("%s %s: %w", zero.EntityType(), id, cache.ErrNotFound)
	}
	return types.DecodeAs[T](rec.Data)
}

// ListAs reads the cached entities matching f.
func ListAs[T types.Entity](ctx context.Context, c *Coordinator, f filter.Filter) ([]T, error) {
	var zero T
	recs, err := c.cache.List(ctx, zero.EntityType(), f, cache.ListOptions{})
	if err != nil {
		return nil, err
	}
	return Decode[T](recs)
}

// Decode decodes cached records into T. It fails on the first record that
// does not decode.
func Decode[T types.Entity](recs []cache.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := types.DecodeAs[T](rec.Data)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// TypedSnapshot is a Snapshot decoded into T.
type TypedSnapshot[T types.Entity] struct {
	Source Source
	Items  []T
}

// TypedStream is a Stream whose snapshots are decoded into T.
type TypedStream[T types.Entity] struct {
	stream  *Stream
	updates chan TypedSnapshot[T]
	errs    chan error
	quit    chan struct{}
	once    sync.Once
}

// ObserveAs is Observe for the entity type T. q.Type is set from T.
func ObserveAs[T types.Entity](ctx context.Context, c *Coordinator, q Query) (*TypedStream[T], error) {
	var zero T
	if q.Type != "" && q.Type != zero.EntityType() {
		return nil, fmt.Errorf("query type %s does not match %s", q.Type, zero.EntityType())
	}
	q.Type = zero.EntityType()

	s, err := c.Observe(ctx, q)
	if err != nil {
		return nil, err
	}
	ts := &TypedStream[T]{
		stream:  s,
		updates: make(chan TypedSnapshot[T], 1),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	go func() {
		defer close(ts.updates)
		defer close(ts.errs)
		for snap := range s.Updates() {
			items, err := Decode[T](snap.Records)
			if err != nil {
				c.log.Warn().Err(err).Str("type", string(q.Type)).Msg("dropping undecodable snapshot")
				continue
			}
			select {
			case ts.updates <- TypedSnapshot[T]{Source: snap.Source, Items: items}:
			case <-ts.quit:
				return
			}
		}
		if err, ok := <-s.Errors(); ok && err != nil {
			ts.errs <- err
		}
	}()
	return ts, nil
}

// Updates returns the decoded snapshot channel. It is closed when the
// stream ends.
func (t *TypedStream[T]) Updates() <-chan TypedSnapshot[T] { return t.updates }

// Errors carries at most one error, after Updates is closed.
func (t *TypedStream[T]) Errors() <-chan error { return t.errs }

// Close ends the stream.
func (t *TypedStream[T]) Close() {
	t.once.Do(func() { close(t.quit) })
	t.stream.Close()
}

// IsNotFound reports whether err means the entity is not cached.
func IsNotFound(err error) bool {
	return errors.Is(err, cache.ErrNotFound)
}
