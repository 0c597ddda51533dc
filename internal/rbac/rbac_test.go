package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleWeights(t *testing.T) {
	assert.Equal(t, 3, RoleAdmin.Weight())
	assert.Equal(t, 2, RoleManager.Weight())
	assert.Equal(t, 1, RoleMember.Weight())
	assert.Equal(t, 0, RoleUnknown.Weight())

	roles := Roles()
	for i := 1; i < len(roles); i++ {
		assert.Greater(t, roles[i-1].Weight(), roles[i].Weight(), "weights must strictly decrease")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"ADMIN", RoleAdmin, false},
		{"manager", RoleManager, false},
		{" Member ", RoleMember, false},
		{"owner", RoleUnknown, true},
		{"", RoleUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleJSON(t *testing.T) {
	type wrapper struct {
		Role Role `json:"role,omitempty"`
	}

	data, err := json.Marshal(wrapper{Role: RoleManager})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"MANAGER"}`, string(data))

	data, err = json.Marshal(wrapper{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"role":"ADMIN"}`), &w))
	assert.Equal(t, RoleAdmin, w.Role)

	w = wrapper{}
	require.NoError(t, json.Unmarshal([]byte(`{"role":null}`), &w))
	assert.Equal(t, RoleUnknown, w.Role)

	require.Error(t, json.Unmarshal([]byte(`{"role":"OWNER"}`), &w))
}

func TestCanAssignTaskMatrix(t *testing.T) {
	want := map[[2]Role]bool{
		{RoleAdmin, RoleAdmin}:     true,
		{RoleAdmin, RoleManager}:   true,
		{RoleAdmin, RoleMember}:    true,
		{RoleManager, RoleAdmin}:   false,
		{RoleManager, RoleManager}: true,
		{RoleManager, RoleMember}:  true,
		{RoleMember, RoleAdmin}:    false,
		{RoleMember, RoleManager}:  false,
		{RoleMember, RoleMember}:   true,
	}

	allowed := 0
	for _, assigner := range Roles() {
		for _, assignee := range Roles() {
			got := CanAssignTask(assigner, assignee)
			assert.Equal(t, want[[2]Role{assigner, assignee}], got, "%s -> %s", assigner, assignee)
			assert.Equal(t, assigner.Weight() >= assignee.Weight(), got, "%s -> %s", assigner, assignee)
			if got {
				allowed++
			}
		}
	}
	assert.Equal(t, 6, allowed)

	assert.False(t, CanAssignTask(RoleUnknown, RoleMember))
	assert.False(t, CanAssignTask(RoleAdmin, RoleUnknown))
}

func TestCanChangeRole(t *testing.T) {
	tests := []struct {
		name          string
		changer       Role
		current, next Role
		want          bool
	}{
		{"admin promotes member to manager", RoleAdmin, RoleMember, RoleManager, true},
		{"admin demotes manager", RoleAdmin, RoleManager, RoleMember, true},
		{"admin cannot promote to admin", RoleAdmin, RoleManager, RoleAdmin, false},
		{"admin cannot touch peer", RoleAdmin, RoleAdmin, RoleMember, false},
		{"manager cannot promote to manager", RoleManager, RoleMember, RoleManager, false},
		{"manager cannot demote admin", RoleManager, RoleAdmin, RoleMember, false},
		{"member cannot change anything", RoleMember, RoleMember, RoleMember, false},
		{"unknown target role", RoleAdmin, RoleMember, RoleUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanChangeRole(tt.changer, tt.current, tt.next))
		})
	}
}

func TestCanRemoveMember(t *testing.T) {
	for _, remover := range Roles() {
		for _, target := range Roles() {
			assert.Equal(t, remover.Weight() >= target.Weight(), CanRemoveMember(remover, target),
				"%s removes %s", remover, target)
		}
	}
}

func TestEffectivePermissions(t *testing.T) {
	member := DefaultPermissions(RoleMember)
	assert.True(t, member.Has(PermCreateTasks))
	assert.False(t, member.Has(PermAssignTasks))

	custom := NewPermissionSet(PermAssignTasks)
	effective := EffectivePermissions(RoleMember, custom)
	assert.True(t, effective.Has(PermAssignTasks))
	assert.True(t, effective.Contains(member), "custom grants never remove role defaults")

	admin := DefaultPermissions(RoleAdmin)
	assert.Equal(t, len(AllPermissions()), admin.Len())
	for _, p := range AllPermissions() {
		assert.True(t, admin.Has(p), p.String())
	}

	assert.Equal(t, 0, DefaultPermissions(RoleUnknown).Len())
	assert.True(t, DefaultPermissions(RoleManager).Contains(member))
}

func TestDecodePermissionSet(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		want   PermissionSet
		wantOK bool
	}{
		{"array", `["ASSIGN_TASKS","invite_members"]`, NewPermissionSet(PermAssignTasks, PermInviteMembers), true},
		{"empty array", `[]`, 0, true},
		{"empty object", `{}`, 0, true},
		{"object flags", `{"ASSIGN_TASKS":true,"DELETE_ANY_TASK":false}`, NewPermissionSet(PermAssignTasks), true},
		{"null", `null`, 0, true},
		{"unknown names ignored", `["FLY"]`, 0, true},
		{"string", `"ASSIGN_TASKS"`, 0, false},
		{"number", `7`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodePermissionSet([]byte(tt.data))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestPermissionSetJSON(t *testing.T) {
	set := NewPermissionSet(PermSendMessages, PermViewProject)
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `["VIEW_PROJECT","SEND_MESSAGES"]`, string(data))

	var back PermissionSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, set, back)
}
