// Package rbac implements the weighted role hierarchy and permission sets
// that govern which project mutations a member may perform.
//
// Everything in this package is pure: no I/O, no clocks, no shared state.
// Callers (the access enforcer, the CLI) feed it roles read from the local
// cache and act on the answers.
package rbac

import (
	"fmt"
	"strings"
)

// Role is a project member's role. The zero value is RoleUnknown, which
// carries no weight and no permissions.
type Role int

const (
	// RoleUnknown is an unset or unrecognized role.
	RoleUnknown Role = iota
	// RoleMember is a regular project member.
	RoleMember
	// RoleManager can invite, assign and manage tasks.
	RoleManager
	// RoleAdmin has every permission.
	RoleAdmin
)

// Roles returns every assignable role, strongest first.
func Roles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleMember}
}

// Weight returns the strength of the role in the hierarchy.
// ADMIN=3, MANAGER=2, MEMBER=1, unknown=0.
func (r Role) Weight() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleManager:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	return r.Weight() > 0
}

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "ADMIN"
	case RoleManager:
		return "MANAGER"
	case RoleMember:
		return "MEMBER"
	default:
		return "UNKNOWN"
	}
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return RoleAdmin, nil
	case "MANAGER":
		return RoleManager, nil
	case "MEMBER":
		return RoleMember, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText encodes the role as its wire name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name. An empty string decodes to RoleUnknown.
func (r *Role) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RoleUnknown
		return nil
	}
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
