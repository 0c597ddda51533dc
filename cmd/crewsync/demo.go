package main

import (
	"time"

	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

// seedDemo fills the in-memory store with one project owned by userID so
// every command has something to work on without a backend.
func seedDemo(mem *remote.Memory, userID string) error {
	if userID == "" {
		userID = "demo"
	}
	now := time.Now().UTC()
	owner := userID
	return mem.Seed(
		types.Project{ID: "demo-project", Name: "Demo project", Status: types.ProjectActive, Visibility: types.VisibilityPrivate, OwnerID: owner, CreatedAt: now, UpdatedAt: now},
		types.Member{ProjectID: "demo-project", UserID: owner, DisplayName: "You", Role: rbac.RoleAdmin, IsActive: true, JoinedAt: now, UpdatedAt: now},
		types.Member{ProjectID: "demo-project", UserID: "ava", DisplayName: "Ava", Role: rbac.RoleManager, IsActive: true, InvitedBy: &owner, JoinedAt: now, UpdatedAt: now},
		types.Member{ProjectID: "demo-project", UserID: "ben", DisplayName: "Ben", Role: rbac.RoleMember, IsActive: true, InvitedBy: &owner, JoinedAt: now, UpdatedAt: now},
		types.ChatRoom{ID: "demo-general", ProjectID: "demo-project", Name: "general", Type: types.ChatGeneral, CreatedBy: owner, CreatedAt: now},
		types.Task{ID: "demo-task-1", ProjectID: "demo-project", Title: "Write the launch checklist", Status: types.TaskTodo, Priority: types.PriorityHigh, CreatedBy: owner, CreatedByRole: rbac.RoleAdmin, CreatedAt: now, UpdatedAt: now},
		types.Task{ID: "demo-task-2", ProjectID: "demo-project", Title: "Review onboarding copy", Status: types.TaskInProgress, Priority: types.PriorityMedium, CreatedBy: "ava", CreatedByRole: rbac.RoleManager, AssignedTo: "ben", AssignedToRole: rbac.RoleMember, CreatedAt: now, UpdatedAt: now},
		types.Message{ID: "demo-msg-1", RoomID: "demo-general", SenderID: "ava", SenderName: "Ava", Content: "Welcome to the demo project!", Type: types.MessageText, Reactions: types.Reactions{}, CreatedAt: now},
	)
}
