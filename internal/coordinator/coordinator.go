// Package coordinator mediates every data access between the UI-facing
// operations, the local cache and the remote store.
//
// Reads are cache-first: Observe emits the cached value, fetches from the
// remote, stores the result and emits again. Writes are optimistic: Write
// stores the row locally as pending and pushes it in the background; a
// successful push clears the pending flag only if the row did not change
// in the meantime. Authoritative rows applied from the event channel always
// win over concurrent optimistic writes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

// Cache is the subset of the local cache the coordinator uses.
// *cache.Store implements it.
type Cache interface {
	Get(ctx context.Context, t types.EntityType, id string) (cache.Record, error)
	List(ctx context.Context, t types.EntityType, f filter.Filter, opts cache.ListOptions) ([]cache.Record, error)
	Count(ctx context.Context, t types.EntityType, f filter.Filter, opts cache.ListOptions) (int, error)
	PutLocal(ctx context.Context, t types.EntityType, id string, data json.RawMessage, window time.Duration) (cache.PutResult, error)
	Ingest(ctx context.Context, t types.EntityType, rows []cache.Row, fetchedAt time.Time) (cache.IngestResult, error)
	MarkSynced(ctx context.Context, t types.EntityType, id string, revision int64) (bool, error)
	MarkTombstone(ctx context.Context, t types.EntityType, id string) (int64, error)
	PurgeIfRevision(ctx context.Context, t types.EntityType, id string, revision int64) (bool, error)
	Pending(ctx context.Context) ([]cache.Record, error)
	Watch(buffer int) (<-chan cache.Change, func())
}

var _ Cache = (*cache.Store)(nil)

// Config holds coordinator settings.
type Config struct {
	// Workers is the number of background push workers.
	Workers int
	// QueueSize bounds the push queue. Keys that do not fit are picked up
	// by the next retry cycle.
	QueueSize int
	// RetryInterval is how often pending rows are flushed.
	RetryInterval time.Duration
	// ReconcileWindow is how long an authoritative apply shields a row
	// from optimistic writes.
	ReconcileWindow time.Duration
	Logger          zerolog.Logger
	// Clock overrides time.Now. It must agree with the cache clock.
	Clock func() time.Time
}

// DefaultConfig returns default coordinator settings.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		RetryInterval:   30 * time.Second,
		ReconcileWindow: 2 * time.Second,
		Logger:          zerolog.Nop(),
		Clock:           time.Now,
	}
}

// Ack acknowledges an accepted local write.
type Ack struct {
	Type     types.EntityType
	ID       string
	Revision int64
	// Superseded is set when the write was dropped because an
	// authoritative value for the row arrived within the reconcile window.
	Superseded bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cache  Cache
	remote remote.Store
	cfg    Config
	log    zerolog.Logger
	clock  func() time.Time

	jobsMu sync.Mutex
	jobs   map[jobKey]*job

	queue    chan pushKey
	pushMu   sync.Mutex
	queued   map[pushKey]bool
	inflight map[pushKey]bool
	dirty    map[pushKey]bool

	errs chan error

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator over a cache and a remote store. Background
// pushes only run after Start; until then writes stay pending and Flush
// pushes them.
func New(c Cache, r remote.Store, cfg Config) (*Coordinator, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if r == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.ReconcileWindow < 0 {
		return nil, fmt.Errorf("reconcile window must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Coordinator{
		cache:    c,
		remote:   r,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "coordinator").Logger(),
		clock:    cfg.Clock,
		jobs:     map[jobKey]*job{},
		queue:    make(chan pushKey, cfg.QueueSize),
		queued:   map[pushKey]bool{},
		inflight: map[pushKey]bool{},
		dirty:    map[pushKey]bool{},
		errs:     make(chan error, 64),
	}, nil
}

// Start launches the push workers and the retry loop. It returns an error
// if the coordinator is already running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("coordinator already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Add(1)
	go c.retryLoop(ctx)

	c.log.Info().Int("workers", c.cfg.Workers).Dur("retry_interval", c.cfg.RetryInterval).Msg("coordinator started")
	return nil
}

// Stop halts background work and waits for in-flight pushes to return.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.log.Info().Msg("coordinator stopped")
}

// Errors is a side channel of background failures (pushes and fetches).
// Errors are dropped when nobody reads them.
func (c *Coordinator) Errors() <-chan error { return c.errs }

func (c *Coordinator) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Write stores e optimistically and schedules a push. It returns once the
// cache holds the write.
func (c *Coordinator) Write(ctx context.Context, e types.Entity) (Ack, error) {
	schema, err := types.Lookup(e.EntityType())
	if err != nil {
		return Ack{}, err
	}
	if v, ok := e.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return Ack{}, fmt.Errorf("invalid %s: %w", schema.Type, err)
		}
	}
	data, err := schema.Encode(e)
	if err != nil {
		return Ack{}, err
	}

	id := e.EntityID()
	res, err := c.cache.PutLocal(ctx, schema.Type, id, data, c.cfg.ReconcileWindow)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{Type: schema.Type, ID: id, Revision: res.Revision, Superseded: res.Superseded}
	if res.Superseded {
		c.log.Info().Str("type", string(schema.Type)).Str("id", id).Msg("local write superseded by authoritative update")
		return ack, nil
	}

	c.enqueue(pushKey{t: schema.Type, id: id})
	return ack, nil
}

// Delete tombstones a cached row and schedules the remote delete. The row
// is purged once the remote confirms. Returns cache.ErrNotFound if the row
// is not cached.
func (c *Coordinator) Delete(ctx context.Context, t types.EntityType, id string) (Ack, error) {
	if _, err := types.Lookup(t); err != nil {
		return Ack{}, err
	}
	rev, err := c.cache.MarkTombstone(ctx, t, id)
	if err != nil {
		return Ack{}, err
	}
	c.enqueue(pushKey{t: t, id: id})
	return Ack{Type: t, ID: id, Revision: rev}, nil
}

// Ingest stores rows fetched from the remote at fetchedAt. Undecodable
// rows are skipped and logged; rows decoded with defaults are stored and
// logged.
func (c *Coordinator) Ingest(ctx context.Context, t types.EntityType, raws []json.RawMessage, fetchedAt time.Time) (cache.IngestResult, error) {
	schema, err := types.Lookup(t)
	if err != nil {
		return cache.IngestResult{}, err
	}
	return c.ingest(ctx, schema, raws, fetchedAt)
}

func (c *Coordinator) ingest(ctx context.Context, schema *types.Schema, raws []json.RawMessage, fetchedAt time.Time) (cache.IngestResult, error) {
	rows := make([]cache.Row, 0, len(raws))
	for _, raw := range raws {
		d, err := schema.Decode(raw)
		if err != nil {
			c.log.Warn().Err(err).Str("type", string(schema.Type)).Msg("skipping undecodable row")
			continue
		}
		if len(d.Issues) > 0 {
			c.log.Warn().Str("type", string(schema.Type)).Str("id", d.Entity.EntityID()).
				Strs("fields", d.Issues).Msg("row decoded with defaults")
		}
		rows = append(rows, cache.Row{ID: d.Entity.EntityID(), Data: d.Data})
	}
	return c.cache.Ingest(ctx, schema.Type, rows, fetchedAt)
}

// Refresh fetches q from the remote and stores the result without
// emitting. It returns the number of rows fetched.
func (c *Coordinator) Refresh(ctx context.Context, q Query) (int, error) {
	schema, err := q.schema()
	if err != nil {
		return 0, err
	}
	return c.fetch(ctx, schema, q, c.clock())
}

// Count counts cached rows matching f.
func (c *Coordinator) Count(ctx context.Context, t types.EntityType, f filter.Filter) (int, error) {
	return c.cache.Count(ctx, t, f, cache.ListOptions{})
}

// fetch selects q from the remote and ingests the rows. A point read that
// comes back empty purges the cached row unless it has local changes.
func (c *Coordinator) fetch(ctx context.Context, schema *types.Schema, q Query, fetchedAt time.Time) (int, error) {
	f := q.Filter
	if q.ID != "" {
		f = schema.IDFilter(q.ID)
	}
	raws, err := c.remote.Select(ctx, schema.Type, f)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", schema.Table, err)
	}
	res, err := c.ingest(ctx, schema, raws, fetchedAt)
	if err != nil {
		return 0, err
	}
	c.log.Debug().Str("type", string(schema.Type)).Int("fetched", len(raws)).
		Int("applied", res.Applied).Int("skipped", res.Skipped).Msg("fetched")

	if q.ID != "" && len(raws) == 0 {
		rec, err := c.cache.Get(ctx, schema.Type, q.ID)
		switch {
		case errors.Is(err, cache.ErrNotFound):
		case err != nil:
			return 0, err
		case !rec.Pending && !rec.Tombstone:
			if _, err := c.cache.PurgeIfRevision(ctx, schema.Type, q.ID, rec.Revision); err != nil {
				return 0, err
			}
			c.log.Debug().Str("type", string(schema.Type)).Str("id", q.ID).Msg("purged row missing from remote")
		}
	}
	return len(raws), nil
}
