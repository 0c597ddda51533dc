package access

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// refreshTimeout bounds a member refresh that no longer has a caller.
const refreshTimeout = 30 * time.Second

// activeAdmins counts the active admins of projectID. The project's member
// list is refreshed from the remote when the last refresh is older than
// AdminCountTTL; if the refresh fails the cached count is used. The
// refresh is shared by concurrent callers and outlives a caller that gives
// up.
func (e *Enforcer) activeAdmins(ctx context.Context, projectID string) (int, error) {
	if e.stale(projectID) {
		ch := e.refresh.DoChan(projectID, func() (any, error) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
			defer cancel()
			q := coordinator.ListOf(types.EntityMember, filter.Eq("ProjectID", projectID))
			if _, err := e.co.Refresh(rctx, q); err != nil {
				return nil, err
			}
			e.mu.Lock()
			e.checked[projectID] = e.cfg.Clock()
			e.mu.Unlock()
			return nil, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				e.log.Warn().Err(res.Err).Str("project", projectID).Msg("failed to refresh members, using cached admin count")
			}
		case <-ctx.Done():
			return 0, fmt.Errorf("failed to count admins: %w", ctx.Err())
		}
	}

	f := filter.Eq("ProjectID", projectID).Eq("Role", rbac.RoleAdmin).Eq("IsActive", true)
	n, err := e.co.Count(ctx, types.EntityMember, f)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return n, nil
}

func (e *Enforcer) stale(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.checked[projectID]
	return !ok || e.cfg.Clock().Sub(at) >= e.cfg.AdminCountTTL
}

// lastAdmin reports whether target is the only active admin left.
func (e *Enforcer) lastAdmin(ctx context.Context, target types.Member) (bool, error) {
	if target.Role != rbac.RoleAdmin || !target.IsActive {
		return false, nil
	}
	n, err := e.activeAdmins(ctx, target.ProjectID)
	if err != nil {
		return false, err
	}
	return n <= 1, nil
}
