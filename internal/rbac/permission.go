package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Permission is a single capability inside a project.
type Permission uint

const (
	PermViewProject Permission = iota
	PermEditProject
	PermArchiveProject
	PermDeleteProject
	PermInviteMembers
	PermRemoveMembers
	PermChangeRoles
	PermViewTasks
	PermCreateTasks
	PermAssignTasks
	PermEditAnyTask
	PermDeleteAnyTask
	PermCreateChatRooms
	PermSendMessages
	PermDeleteAnyMessage

	permCount
)

var permissionNames = [permCount]string{
	PermViewProject:      "VIEW_PROJECT",
	PermEditProject:      "EDIT_PROJECT",
	PermArchiveProject:   "ARCHIVE_PROJECT",
	PermDeleteProject:    "DELETE_PROJECT",
	PermInviteMembers:    "INVITE_MEMBERS",
	PermRemoveMembers:    "REMOVE_MEMBERS",
	PermChangeRoles:      "CHANGE_ROLES",
	PermViewTasks:        "VIEW_TASKS",
	PermCreateTasks:      "CREATE_TASKS",
	PermAssignTasks:      "ASSIGN_TASKS",
	PermEditAnyTask:      "EDIT_ANY_TASK",
	PermDeleteAnyTask:    "DELETE_ANY_TASK",
	PermCreateChatRooms:  "CREATE_CHAT_ROOMS",
	PermSendMessages:     "SEND_MESSAGES",
	PermDeleteAnyMessage: "DELETE_ANY_MESSAGE",
}

// AllPermissions returns every permission in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, 0, permCount)
	for p := Permission(0); p < permCount; p++ {
		out = append(out, p)
	}
	return out
}

// String returns the wire name of the permission.
func (p Permission) String() string {
	if p < permCount {
		return permissionNames[p]
	}
	return fmt.Sprintf("PERMISSION(%d)", uint(p))
}

// ParsePermission parses a permission name, case-insensitively.
func ParsePermission(s string) (Permission, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for p := Permission(0); p < permCount; p++ {
		if permissionNames[p] == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", s)
}

// PermissionSet is a set of permissions stored as a bitmask.
// The zero value is the empty set.
type PermissionSet uint64

// NewPermissionSet returns a set holding the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// universal holds every declared permission.
var universal = PermissionSet(1<<permCount - 1)

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	return p < permCount && s&(1<<p) != 0
}

// With returns a copy of the set with p added.
func (s PermissionSet) With(p Permission) PermissionSet {
	if p >= permCount {
		return s
	}
	return s | 1<<p
}

// Union returns the permissions present in either set.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	return (s | other) & universal
}

// Contains reports whether every permission of other is in s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	return s&other == other
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	n := 0
	for p := Permission(0); p < permCount; p++ {
		if s.Has(p) {
			n++
		}
	}
	return n
}

// List returns the permissions in declaration order.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, s.Len())
	for p := Permission(0); p < permCount; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// MarshalJSON encodes the set as an array of permission names.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, s.Len())
	for _, p := range s.List() {
		names = append(names, p.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a set leniently, see DecodePermissionSet.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	*s, _ = DecodePermissionSet(data)
	return nil
}

// DecodePermissionSet decodes a stored permission set.
//
// The stored shape has drifted over time: it may be an array of names, an
// object of name -> bool, null, or something else entirely. Arrays and
// objects decode to the permissions they name; unknown names are ignored.
// ok is false when the shape was not recognized and an empty set was
// substituted.
func DecodePermissionSet(data []byte) (PermissionSet, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, true
	}

	switch trimmed[0] {
	case '[':
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return 0, false
		}
		var set PermissionSet
		for _, name := range names {
			if p, err := ParsePermission(name); err == nil {
				set = set.With(p)
			}
		}
		return set, true
	case '{':
		var flags map[string]bool
		if err := json.Unmarshal(trimmed, &flags); err != nil {
			return 0, false
		}
		var set PermissionSet
		for name, on := range flags {
			if !on {
				continue
			}
			if p, err := ParsePermission(name); err == nil {
				set = set.With(p)
			}
		}
		return set, true
	default:
		return 0, false
	}
}
