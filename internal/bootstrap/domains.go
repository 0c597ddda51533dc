package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

// projectIDs returns the projects the user is an active member of.
// Concurrent callers share one remote fetch that runs on the run context,
// so cancelling one domain neither fails the fetch for the others nor
// waits for it. If the fetch fails the ids come from the cache.
func (o *Orchestrator) projectIDs(ctx context.Context) ([]string, error) {
	ch := o.ids.DoChan("memberships", func() (any, error) {
		raws, err := o.fetch(o.runCtx, types.EntityMember, filter.Eq("UserID", o.cfg.UserID))
		if err != nil {
			return nil, err
		}
		return memberProjects(raws), nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load memberships: %w", ctx.Err())
	}
	if res.Err == nil {
		return res.Val.([]string), nil
	}
	err := res.Err

	cached, cerr := coordinator.ListAs[types.Member](ctx, o.co, filter.Eq("UserID", o.cfg.UserID).Eq("IsActive", true))
	if cerr != nil || len(cached) == 0 {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}
	o.log.Warn().Err(err).Int("projects", len(cached)).Msg("membership fetch failed, using cached memberships")
	ids := make([]string, 0, len(cached))
	for _, m := range cached {
		ids = append(ids, m.ProjectID)
	}
	return ids, nil
}

// memberProjects returns the projects of the active memberships in raws.
// Inactive rows are still ingested so a removal on the remote reaches the
// cache.
func memberProjects(raws []json.RawMessage) []string {
	schema := types.MustLookup(types.EntityMember)
	ids := make([]string, 0, len(raws))
	seen := map[string]bool{}
	for _, raw := range raws {
		d, err := schema.Decode(raw)
		if err != nil {
			continue
		}
		m := d.Entity.(types.Member)
		if m.IsActive && !seen[m.ProjectID] {
			seen[m.ProjectID] = true
			ids = append(ids, m.ProjectID)
		}
	}
	return ids
}

// syncProjects stores the user's memberships, their projects and every
// member of those projects. The count is the number of projects.
func (o *Orchestrator) syncProjects(ctx context.Context) (int, error) {
	ids, err := o.projectIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	projects, err := o.fetch(ctx, types.EntityProject, filter.In("ID", ids...))
	if err != nil {
		return 0, err
	}
	if _, err := o.fetch(ctx, types.EntityMember, filter.In("ProjectID", ids...)); err != nil {
		return len(projects), err
	}
	return len(projects), nil
}

// syncChats stores the chat rooms of the user's projects and the latest
// messages of each room. The count is rooms plus messages.
func (o *Orchestrator) syncChats(ctx context.Context) (int, error) {
	ids, err := o.projectIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	raws, err := o.fetch(ctx, types.EntityChatRoom, filter.In("ProjectID", ids...).Eq("IsArchived", false))
	if err != nil {
		return 0, err
	}

	schema := types.MustLookup(types.EntityChatRoom)
	counts := make([]int, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.RoomConcurrency)
	for i, raw := range raws {
		d, err := schema.Decode(raw)
		if err != nil {
			continue
		}
		roomID := d.Entity.EntityID()
		g.Go(func() error {
			f := filter.Eq("RoomID", roomID).Eq("IsDeleted", false)
			if !o.cfg.Since.IsZero() {
				f = f.Where("CreatedAt", filter.OpGte, o.cfg.Since)
			}
			f = f.OrderBy("CreatedAt", true).WithLimit(o.cfg.MessagesPerRoom)
			msgs, err := o.fetch(gctx, types.EntityMessage, f)
			if err != nil {
				return fmt.Errorf("room %s: %w", roomID, err)
			}
			counts[i] = len(msgs)
			return nil
		})
	}
	err = g.Wait()

	total := len(raws)
	for _, n := range counts {
		total += n
	}
	return total, err
}

// syncTasks stores the open tasks of the user's projects.
func (o *Orchestrator) syncTasks(ctx context.Context) (int, error) {
	ids, err := o.projectIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	f := filter.In("ProjectID", ids...).
		In("Status", string(types.TaskTodo), string(types.TaskInProgress)).
		Eq("IsDeleted", false)
	raws, err := o.fetch(ctx, types.EntityTask, f)
	if err != nil {
		return 0, err
	}
	return len(raws), nil
}
