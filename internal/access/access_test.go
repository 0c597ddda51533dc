package access

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/crewsync/internal/auth"
	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	st  *cache.Store
	mem *remote.Memory
	co  *coordinator.Coordinator
	now time.Time
	ids atomic.Int64
}

// newFixture seeds project p1 with an admin (u1), a manager (u2) and a
// member (u3), a chat room and a task created by u3, and loads it all into
// the cache.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mem := remote.NewMemory()
	owner := "u1"
	require.NoError(t, mem.Seed(
		types.Project{ID: "p1", Name: "Apollo", OwnerID: owner},
		types.Member{ProjectID: "p1", UserID: "u1", DisplayName: "Ada", Role: rbac.RoleAdmin, IsActive: true},
		types.Member{ProjectID: "p1", UserID: "u2", DisplayName: "Max", Role: rbac.RoleManager, IsActive: true, InvitedBy: &owner},
		types.Member{ProjectID: "p1", UserID: "u3", DisplayName: "Sam", Role: rbac.RoleMember, IsActive: true, InvitedBy: &owner},
		types.ChatRoom{ID: "c1", ProjectID: "p1", Name: "general", Type: types.ChatGeneral},
		types.Task{ID: "t1", ProjectID: "p1", Title: "Draft plan", Status: types.TaskTodo, CreatedBy: "u3", CreatedByRole: rbac.RoleMember},
		types.Message{ID: "m1", RoomID: "c1", SenderID: "u3", Content: "hello", Type: types.MessageText, CreatedAt: base},
	))

	cfg := coordinator.DefaultConfig()
	cfg.RetryInterval = time.Hour
	co, err := coordinator.New(st, mem, cfg)
	require.NoError(t, err)

	f := &fixture{st: st, mem: mem, co: co, now: base}
	for _, typ := range types.Types() {
		_, err := co.Refresh(context.Background(), coordinator.ListOf(typ, filter.Filter{}))
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) enforcer(t *testing.T, userID string) *Enforcer {
	t.Helper()
	e, err := New(f.co, auth.NewStatic(userID, "tok"), Config{
		Clock: func() time.Time { return f.now },
		NewID: func() string { return fmt.Sprintf("id-%d", f.ids.Add(1)) },
	})
	require.NoError(t, err)
	return e
}

func member(t *testing.T, f *fixture, projectID, userID string) types.Member {
	t.Helper()
	m, err := coordinator.GetAs[types.Member](context.Background(), f.co, types.MemberKey(projectID, userID))
	require.NoError(t, err)
	return m
}

func TestAdminAssignsToManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enforcer(t, "u1").CreateTask(ctx, CreateTaskRequest{
		ProjectID:  "p1",
		Title:      "Ship release",
		AssigneeID: "u2",
	})
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())

	assert.Equal(t, "u2", res.Value.AssignedTo)
	assert.Equal(t, rbac.RoleManager, res.Value.AssignedToRole)
	assert.Equal(t, rbac.RoleAdmin, res.Value.CreatedByRole)
	assert.Equal(t, types.TaskTodo, res.Value.Status)
	assert.Equal(t, types.PriorityMedium, res.Value.Priority)

	stored, err := coordinator.GetAs[types.Task](ctx, f.co, res.Value.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleManager, stored.AssignedToRole)

	rec, err := f.st.Get(ctx, types.EntityTask, res.Value.ID)
	require.NoError(t, err)
	assert.True(t, rec.Pending)
}

func TestManagerCannotAssignToAdmin(t *testing.T) {
	f := newFixture(t)

	res, err := f.enforcer(t, "u2").AssignTask(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonInsufficientRoleWeight, res.Reason)
	assert.Equal(t, KindAuthorization, res.Kind)

	task, err := coordinator.GetAs[types.Task](context.Background(), f.co, "t1")
	require.NoError(t, err)
	assert.Empty(t, task.AssignedTo)
}

func TestAssignmentMatrix(t *testing.T) {
	f := newFixture(t)
	users := map[rbac.Role]string{rbac.RoleAdmin: "u1", rbac.RoleManager: "u2", rbac.RoleMember: "u3"}

	for _, assigner := range rbac.Roles() {
		for _, assignee := range rbac.Roles() {
			t.Run(fmt.Sprintf("%s->%s", assigner, assignee), func(t *testing.T) {
				res, err := f.enforcer(t, users[assigner]).AssignTask(context.Background(), "t1", users[assignee])
				require.NoError(t, err)

				// Members lack ASSIGN_TASKS but may take a task themselves.
				want := assigner.Weight() >= assignee.Weight() &&
					(assigner != rbac.RoleMember || assignee == rbac.RoleMember)
				assert.Equal(t, want, res.Allowed, res.Decision.String())
			})
		}
	}
}

func TestLastAdminCannotLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.enforcer(t, "u1")

	res, err := admin.RemoveMember(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonWouldRemoveLastAdmin, res.Reason)
	assert.Equal(t, KindInvariant, res.Kind)

	res, err = admin.ChangeRole(ctx, "p1", "u1", rbac.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, ReasonWouldRemoveLastAdmin, res.Reason)

	invite, err := admin.InviteMember(ctx, "p1", "u4", "Kim", rbac.RoleAdmin)
	require.NoError(t, err)
	require.True(t, invite.Allowed, invite.Decision.String())
	require.NotNil(t, invite.Value.InvitedBy)
	assert.Equal(t, "u1", *invite.Value.InvitedBy)

	res, err = admin.RemoveMember(ctx, "p1", "u1")
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())
	assert.False(t, member(t, f, "p1", "u1").IsActive)
}

func TestAdminCountRefreshesFromRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A second admin joined on another device after the cache was loaded.
	owner := "u1"
	require.NoError(t, f.mem.Seed(types.Member{ProjectID: "p1", UserID: "u5", Role: rbac.RoleAdmin, IsActive: true, InvitedBy: &owner}))

	res, err := f.enforcer(t, "u1").RemoveMember(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Decision.String())
}

func TestAdminCountFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	owner := "u1"
	require.NoError(t, f.mem.Seed(types.Member{ProjectID: "p1", UserID: "u5", Role: rbac.RoleAdmin, IsActive: true, InvitedBy: &owner}))
	f.mem.SetOffline(true)

	res, err := f.enforcer(t, "u1").RemoveMember(context.Background(), "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonWouldRemoveLastAdmin, res.Reason)
}

func TestAdminCountTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.enforcer(t, "u1")

	n, err := e.activeAdmins(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	selects := f.mem.Calls(remote.OpSelect, types.EntityMember)

	_, err = e.activeAdmins(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, selects, f.mem.Calls(remote.OpSelect, types.EntityMember), "refreshed inside the TTL")

	f.now = f.now.Add(time.Minute)
	_, err = e.activeAdmins(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, selects+1, f.mem.Calls(remote.OpSelect, types.EntityMember))
}

func TestAdminRefreshSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t)
	owner := "u1"
	require.NoError(t, f.mem.Seed(types.Member{ProjectID: "p1", UserID: "u5", Role: rbac.RoleAdmin, IsActive: true, InvitedBy: &owner}))
	selects := f.mem.Calls(remote.OpSelect, types.EntityMember)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.mem.SetHook(func(ctx context.Context, op remote.Op, typ types.EntityType) error {
		if op != remote.OpSelect || typ != types.EntityMember || calls.Add(1) != 1 {
			return nil
		}
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	e := f.enforcer(t, "u1")
	cctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := e.activeAdmins(cctx, "p1")
		first <- err
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("refresh never started")
	}

	second := make(chan int, 1)
	go func() {
		n, err := e.activeAdmins(context.Background(), "p1")
		assert.NoError(t, err)
		second <- n
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled caller kept waiting for the refresh")
	}

	close(release)
	select {
	case n := <-second:
		assert.Equal(t, 2, n, "the shared refresh finished for the remaining caller")
	case <-time.After(3 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, selects+1, f.mem.Calls(remote.OpSelect, types.EntityMember))
}

func TestChangeRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enforcer(t, "u1").ChangeRole(ctx, "p1", "u3", rbac.RoleManager)
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())
	assert.Equal(t, rbac.RoleManager, member(t, f, "p1", "u3").Role)

	// Managers lack CHANGE_ROLES.
	res, err = f.enforcer(t, "u2").ChangeRole(ctx, "p1", "u3", rbac.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)

	res, err = f.enforcer(t, "u1").ChangeRole(ctx, "p1", "u3", rbac.Role(42))
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, res.Reason)
	assert.Equal(t, KindInvalid, res.Kind)
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enforcer(t, "u3").RemoveMember(ctx, "p1", "u2")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)

	res, err = f.enforcer(t, "u2").RemoveMember(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Leaving needs no permission.
	res, err = f.enforcer(t, "u3").RemoveMember(ctx, "p1", "u3")
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())

	created, err := f.enforcer(t, "u3").CreateTask(ctx, CreateTaskRequest{ProjectID: "p1", Title: "Too late"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAMember, created.Reason)
}

func TestInviteMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enforcer(t, "u2").InviteMember(ctx, "p1", "u6", "Lee", rbac.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientRoleWeight, res.Reason)

	res, err = f.enforcer(t, "u2").InviteMember(ctx, "p1", "u3", "Sam", rbac.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, res.Reason)

	res, err = f.enforcer(t, "u3").InviteMember(ctx, "p1", "u6", "Lee", rbac.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)

	res, err = f.enforcer(t, "u2").InviteMember(ctx, "p1", "u6", "Lee", rbac.RoleManager)
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())
	assert.False(t, member(t, f, "p1", "u6").IsOwnerMembership())
}

func TestSessionAndMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := auth.NewStatic("u1", "tok")
	e, err := New(f.co, session, Config{})
	require.NoError(t, err)
	session.SignOut()

	res, err := e.CreateTask(ctx, CreateTaskRequest{ProjectID: "p1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionInvalid, res.Reason)

	res, err = f.enforcer(t, "stranger").CreateTask(ctx, CreateTaskRequest{ProjectID: "p1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAMember, res.Reason)

	res, err = f.enforcer(t, "u1").AssignTask(ctx, "missing", "u2")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)

	res, err = f.enforcer(t, "u1").CreateTask(ctx, CreateTaskRequest{ProjectID: "p1", Title: "  "})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, res.Reason)
}

func TestTaskStatusAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enforcer(t, "u3").UpdateTaskStatus(ctx, "t1", types.TaskInProgress)
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())

	res, err = f.enforcer(t, "u1").UpdateTaskStatus(ctx, "t1", "SHIPPED")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, res.Reason)

	// u2 did not create t1 and managers lack DELETE_ANY_TASK.
	res, err = f.enforcer(t, "u2").DeleteTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)

	res, err = f.enforcer(t, "u3").DeleteTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Decision.String())

	res, err = f.enforcer(t, "u3").UpdateTaskStatus(ctx, "t1", types.TaskDone)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.enforcer(t, "u2").SendMessage(ctx, SendMessageRequest{RoomID: "c1", Content: "standup in 5"})
	require.NoError(t, err)
	require.True(t, sent.Allowed, sent.Decision.String())
	assert.Equal(t, types.MessageText, sent.Value.Type)
	assert.Equal(t, "Max", sent.Value.SenderName)

	res, err := f.enforcer(t, "u2").SendMessage(ctx, SendMessageRequest{RoomID: "nope", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)

	res, err = f.enforcer(t, "u3").EditMessage(ctx, sent.Value.ID, "changed")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)

	res, err = f.enforcer(t, "u2").EditMessage(ctx, sent.Value.ID, "standup in 10")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.True(t, res.Value.IsEdited)

	res, err = f.enforcer(t, "u3").ReactToMessage(ctx, sent.Value.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, types.Reactions{"u3": "👍"}, res.Value.Reactions)
	res, err = f.enforcer(t, "u3").ReactToMessage(ctx, sent.Value.ID, "")
	require.NoError(t, err)
	assert.Empty(t, res.Value.Reactions)

	// Managers lack DELETE_ANY_MESSAGE, admins hold it.
	res, err = f.enforcer(t, "u2").DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingPermission, res.Reason)
	res, err = f.enforcer(t, "u1").DeleteMessage(ctx, "m1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	msg, err := coordinator.GetAs[types.Message](ctx, f.co, "m1")
	require.NoError(t, err)
	assert.True(t, msg.IsDeleted)
	assert.NotNil(t, msg.DeletedAt)
}
