package access

import (
	"context"
	"strings"

	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// ChangeRole moves userID to newRole in projectID.
//
// Demoting the last active admin is refused before any permission check,
// so even an admin cannot leave a project without one.
func (e *Enforcer) ChangeRole(ctx context.Context, projectID, userID string, newRole rbac.Role) (Result[types.Member], error) {
	if !newRole.Valid() {
		return denied[types.Member](Deny(ReasonInvalidRequest, "unknown role %d", int(newRole))), nil
	}
	actor, d, err := e.actor(ctx, projectID)
	if err != nil || !d.Allowed {
		return denied[types.Member](d), err
	}
	target, ok, err := e.member(ctx, projectID, userID)
	if err != nil {
		return Result[types.Member]{}, err
	}
	if !ok {
		return denied[types.Member](Deny(ReasonNotFound, "%s is not an active member of this project", userID)), nil
	}
	if target.Role == newRole {
		return Result[types.Member]{Decision: Allow(), Value: target}, nil
	}

	if newRole != rbac.RoleAdmin {
		last, err := e.lastAdmin(ctx, target)
		if err != nil {
			return Result[types.Member]{}, err
		}
		if last {
			return denied[types.Member](Deny(ReasonWouldRemoveLastAdmin,
				"the project must keep at least one admin")), nil
		}
	}
	if d := needs(actor, rbac.PermChangeRoles); !d.Allowed {
		return denied[types.Member](d), nil
	}
	if !rbac.CanChangeRole(actor.Role, target.Role, newRole) {
		return denied[types.Member](Deny(ReasonInsufficientRoleWeight,
			"a %s cannot change a %s to %s", actor.Role, target.Role, newRole)), nil
	}

	target.Role = newRole
	target.UpdatedAt = e.now()
	return write(ctx, e, target)
}

// RemoveMember deactivates userID in projectID. Members may always remove
// themselves, unless they are the last admin.
func (e *Enforcer) RemoveMember(ctx context.Context, projectID, userID string) (Result[types.Member], error) {
	actor, d, err := e.actor(ctx, projectID)
	if err != nil || !d.Allowed {
		return denied[types.Member](d), err
	}
	target, ok, err := e.member(ctx, projectID, userID)
	if err != nil {
		return Result[types.Member]{}, err
	}
	if !ok {
		return denied[types.Member](Deny(ReasonNotFound, "%s is not an active member of this project", userID)), nil
	}

	last, err := e.lastAdmin(ctx, target)
	if err != nil {
		return Result[types.Member]{}, err
	}
	if last {
		return denied[types.Member](Deny(ReasonWouldRemoveLastAdmin,
			"the project must keep at least one admin")), nil
	}
	if target.UserID != actor.UserID {
		if d := needs(actor, rbac.PermRemoveMembers); !d.Allowed {
			return denied[types.Member](d), nil
		}
		if !rbac.CanRemoveMember(actor.Role, target.Role) {
			return denied[types.Member](Deny(ReasonInsufficientRoleWeight,
				"a %s cannot remove a %s", actor.Role, target.Role)), nil
		}
	}

	target.IsActive = false
	target.UpdatedAt = e.now()
	return write(ctx, e, target)
}

// InviteMember adds userID to projectID with role. Inviting at a role above
// the inviter's own is refused. A previously removed member is reactivated.
func (e *Enforcer) InviteMember(ctx context.Context, projectID, userID, displayName string, role rbac.Role) (Result[types.Member], error) {
	if !role.Valid() {
		return denied[types.Member](Deny(ReasonInvalidRequest, "unknown role %d", int(role))), nil
	}
	if strings.TrimSpace(userID) == "" {
		return denied[types.Member](Deny(ReasonInvalidRequest, "user id is required")), nil
	}
	actor, d, err := e.actor(ctx, projectID)
	if err != nil || !d.Allowed {
		return denied[types.Member](d), err
	}
	if d := needs(actor, rbac.PermInviteMembers); !d.Allowed {
		return denied[types.Member](d), nil
	}
	if role.Weight() > actor.Role.Weight() {
		return denied[types.Member](Deny(ReasonInsufficientRoleWeight,
			"a %s cannot invite a %s", actor.Role, role)), nil
	}
	if _, ok, err := e.member(ctx, projectID, userID); err != nil {
		return Result[types.Member]{}, err
	} else if ok {
		return denied[types.Member](Deny(ReasonInvalidRequest, "%s is already a member of this project", userID)), nil
	}

	now := e.now()
	inviter := actor.UserID
	m := types.Member{
		ProjectID:   projectID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		IsActive:    true,
		InvitedBy:   &inviter,
		JoinedAt:    now,
		UpdatedAt:   now,
	}
	return write(ctx, e, m)
}
