package rbac

// defaultPermissions is the fixed role -> permission table.
var defaultPermissions = map[Role]PermissionSet{
	RoleMember: NewPermissionSet(
		PermViewProject,
		PermViewTasks,
		PermCreateTasks,
		PermSendMessages,
	),
	RoleManager: NewPermissionSet(
		PermViewProject,
		PermEditProject,
		PermInviteMembers,
		PermRemoveMembers,
		PermViewTasks,
		PermCreateTasks,
		PermAssignTasks,
		PermEditAnyTask,
		PermCreateChatRooms,
		PermSendMessages,
	),
	RoleAdmin: universal,
}

// DefaultPermissions returns the baseline permission set of a role.
// RoleUnknown has none.
func DefaultPermissions(r Role) PermissionSet {
	return defaultPermissions[r]
}

// EffectivePermissions returns the role baseline plus any custom grants.
// Custom overrides only ever add permissions.
func EffectivePermissions(r Role, custom PermissionSet) PermissionSet {
	return DefaultPermissions(r).Union(custom)
}

// CanAssignTask reports whether a member holding assigner may assign a task
// to a member holding assignee.
func CanAssignTask(assigner, assignee Role) bool {
	if !assigner.Valid() || !assignee.Valid() {
		return false
	}
	return assigner.Weight() >= assignee.Weight()
}

// CanChangeRole reports whether changer may move a member from
// targetCurrent to targetNew. The changer must outrank both roles, so
// nobody can modify a peer or superior, or promote anyone to their own
// level.
func CanChangeRole(changer, targetCurrent, targetNew Role) bool {
	if !changer.Valid() || !targetCurrent.Valid() || !targetNew.Valid() {
		return false
	}
	w := changer.Weight()
	return w > targetCurrent.Weight() && w > targetNew.Weight()
}

// CanRemoveMember reports whether remover outranks or equals target.
// It does not know about the minimum-admin invariant; the access enforcer
// checks that separately.
func CanRemoveMember(remover, target Role) bool {
	if !remover.Valid() || !target.Valid() {
		return false
	}
	return remover.Weight() >= target.Weight()
}
