package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

type pushKey struct {
	t  types.EntityType
	id string
}

// FlushResult summarizes one sync cycle.
type FlushResult struct {
	Pushed int
	Failed int
	// Skipped rows were already being pushed by a worker.
	Skipped  int
	Duration time.Duration
}

// Flush pushes every pending row once. Per-row failures are returned
// joined; the rows stay pending for the next cycle.
func (c *Coordinator) Flush(ctx context.Context) (FlushResult, error) {
	start := c.clock()
	pending, err := c.cache.Pending(ctx)
	if err != nil {
		return FlushResult{}, err
	}

	var (
		res  FlushResult
		errs []error
	)
	for _, rec := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		k := pushKey{t: rec.Type, id: rec.ID}
		if !c.claim(k) {
			res.Skipped++
			continue
		}
		pushed, err := c.push(ctx, k)
		c.release(k)
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case pushed:
			res.Pushed++
		}
	}
	res.Duration = c.clock().Sub(start)
	return res, errors.Join(errs...)
}

// enqueue schedules a push for k. A key already queued is not queued
// twice; a key being pushed is pushed again once the current push ends.
func (c *Coordinator) enqueue(k pushKey) {
	c.pushMu.Lock()
	if c.inflight[k] {
		c.dirty[k] = true
		c.pushMu.Unlock()
		return
	}
	if c.queued[k] {
		c.pushMu.Unlock()
		return
	}
	c.queued[k] = true
	c.pushMu.Unlock()

	select {
	case c.queue <- k:
	default:
		c.pushMu.Lock()
		delete(c.queued, k)
		c.pushMu.Unlock()
		c.log.Warn().Str("type", string(k.t)).Str("id", k.id).Msg("push queue full, deferring to next cycle")
	}
}

// claim marks k in flight. It fails, and flags k for another push, when k
// is already in flight.
func (c *Coordinator) claim(k pushKey) bool {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	delete(c.queued, k)
	if c.inflight[k] {
		c.dirty[k] = true
		return false
	}
	c.inflight[k] = true
	return true
}

func (c *Coordinator) release(k pushKey) {
	c.pushMu.Lock()
	delete(c.inflight, k)
	again := c.dirty[k]
	delete(c.dirty, k)
	c.pushMu.Unlock()
	if again {
		c.enqueue(k)
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-c.queue:
			if !c.claim(k) {
				continue
			}
			_, _ = c.push(ctx, k)
			c.release(k)
		}
	}
}

func (c *Coordinator) retryLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	c.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context) {
	res, err := c.Flush(ctx)
	if err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Int("pushed", res.Pushed).Int("failed", res.Failed).Msg("sync cycle had failures")
		return
	}
	if res.Pushed > 0 {
		c.log.Info().Int("pushed", res.Pushed).Dur("duration", res.Duration).Msg("sync cycle complete")
	}
}

// push sends the current cached state of k to the remote. It never writes
// row data back to the cache: success clears the pending flag only if the
// row still has the pushed revision.
func (c *Coordinator) push(ctx context.Context, k pushKey) (bool, error) {
	rec, err := c.cache.Get(ctx, k.t, k.id)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Pending {
		return false, nil
	}
	schema, err := types.Lookup(k.t)
	if err != nil {
		return false, err
	}

	if rec.Tombstone {
		err := c.remote.Delete(ctx, k.t, schema.IDFilter(k.id))
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return false, c.pushFailed(k, "delete", err)
		}
		purged, err := c.cache.PurgeIfRevision(ctx, k.t, k.id, rec.Revision)
		if err != nil {
			return false, err
		}
		if !purged {
			c.log.Debug().Str("type", string(k.t)).Str("id", k.id).Msg("row changed during delete")
		}
		return true, nil
	}

	if err := c.remote.Upsert(ctx, k.t, []json.RawMessage{rec.Data}); err != nil {
		return false, c.pushFailed(k, "upsert", err)
	}
	synced, err := c.cache.MarkSynced(ctx, k.t, k.id, rec.Revision)
	if err != nil {
		return false, err
	}
	if !synced {
		c.log.Debug().Str("type", string(k.t)).Str("id", k.id).Int64("revision", rec.Revision).Msg("row changed during push")
	}
	return true, nil
}

func (c *Coordinator) pushFailed(k pushKey, op string, err error) error {
	err = fmt.Errorf("failed to push %s %s (%s): %w", k.t, k.id, op, err)
	c.log.Warn().Err(err).Str("type", string(k.t)).Str("id", k.id).Msg("push failed, row stays pending")
	c.report(err)
	return err
}
