package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/crewsync/internal/rbac"
)

// Member is a user's membership in a project. The pair (ProjectID, UserID)
// is the natural key; EntityID joins them with a colon.
type Member struct {
	ProjectID         string             `json:"project_id"`
	UserID            string             `json:"user_id"`
	DisplayName       string             `json:"display_name,omitempty"`
	Role              rbac.Role          `json:"role"`
	IsActive          bool               `json:"is_active"`
	InvitedBy         *string            `json:"invited_by"`
	CustomPermissions rbac.PermissionSet `json:"custom_permissions"`
	JoinedAt          time.Time          `json:"joined_at"`
	UpdatedAt         time.Time          `json:"updated_at"`

	issues []string
}

func (m Member) EntityType() EntityType { return EntityMember }
func (m Member) EntityID() string       { return MemberKey(m.ProjectID, m.UserID) }

// DecodeIssues lists fields replaced by defaults during decoding.
func (m Member) DecodeIssues() []string { return m.issues }

// Permissions returns the member's effective permission set.
func (m Member) Permissions() rbac.PermissionSet {
	return rbac.EffectivePermissions(m.Role, m.CustomPermissions)
}

// IsOwnerMembership reports whether this is the membership created with the
// project, the only one without an inviter.
func (m Member) IsOwnerMembership() bool {
	return m.InvitedBy == nil
}

// UnmarshalJSON decodes a member, falling back to MEMBER for unknown roles
// and to an empty permission set for malformed custom permissions.
func (m *Member) UnmarshalJSON(data []byte) error {
	type plain Member
	var aux struct {
		plain
		Role              json.RawMessage `json:"role"`
		CustomPermissions json.RawMessage `json:"custom_permissions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Member(aux.plain)
	m.issues = nil

	m.Role = rbac.RoleMember
	if len(aux.Role) > 0 && string(aux.Role) != "null" {
		var name string
		if err := json.Unmarshal(aux.Role, &name); err != nil {
			m.issues = append(m.issues, fmt.Sprintf("role: expected string, got %s", aux.Role))
		} else if role, err := rbac.ParseRole(name); err != nil {
			m.issues = append(m.issues, "role: "+err.Error())
		} else {
			m.Role = role
		}
	}

	perms, ok := rbac.DecodePermissionSet(aux.CustomPermissions)
	if !ok {
		m.issues = append(m.issues, fmt.Sprintf("custom_permissions: unexpected shape %s", aux.CustomPermissions))
	}
	m.CustomPermissions = perms
	return nil
}
