// Package types defines the domain entities kept in the local cache and
// their mapping onto remote tables.
//
// Entities use snake_case JSON tags, which is both the remote wire format
// and the cached payload format. Collection fields whose stored shape has
// drifted over time decode leniently; see Tolerant.
package types

import (
	"fmt"
	"time"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/rbac"
)

// EntityType names a kind of cached entity.
type EntityType string

const (
	EntityProject  EntityType = "project"
	EntityMember   EntityType = "member"
	EntityTask     EntityType = "task"
	EntityChatRoom EntityType = "chat_room"
	EntityMessage  EntityType = "message"
)

// Entity is implemented by every cached domain value.
type Entity interface {
	EntityType() EntityType
	EntityID() string
}

// Tolerant is implemented by entities that can recover from shape
// mismatches while decoding. DecodeIssues lists the fields that were
// replaced by a safe default during the last decode.
type Tolerant interface {
	DecodeIssues() []string
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectArchived  ProjectStatus = "ARCHIVED"
	ProjectCompleted ProjectStatus = "COMPLETED"
	ProjectOnHold    ProjectStatus = "ON_HOLD"
)

// Visibility controls who can discover a project.
type Visibility string

const (
	VisibilityPrivate  Visibility = "PRIVATE"
	VisibilityInternal Visibility = "INTERNAL"
	VisibilityPublic   Visibility = "PUBLIC"
)

// Project is a collaborative workspace.
//
// The counters are a remote-owned read model maintained server side. The
// client reads them but never sends them: they are tagged read-only and
// stripped from outgoing rows.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	Visibility  Visibility    `json:"visibility"`
	OwnerID     string        `json:"owner_id"`

	MemberCount        int        `json:"member_count" crewsync:"readonly"`
	ChatCount          int        `json:"chat_count" crewsync:"readonly"`
	TaskCount          int        `json:"task_count" crewsync:"readonly"`
	CompletedTaskCount int        `json:"completed_task_count" crewsync:"readonly"`
	PendingTaskCount   int        `json:"pending_task_count" crewsync:"readonly"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty" crewsync:"readonly"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Project) EntityType() EntityType { return EntityProject }
func (p Project) EntityID() string       { return p.ID }

// Validate checks required fields.
func (p Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// ParseTaskStatus parses a status name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskTodo, TaskInProgress, TaskDone, TaskCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// Open reports whether the task still needs work.
func (s TaskStatus) Open() bool {
	return s == TaskTodo || s == TaskInProgress
}

// TaskPriority ranks tasks.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
	PriorityUrgent TaskPriority = "URGENT"
)

// Task is a unit of work inside a project.
//
// The creator and assignee role fields are snapshots taken when the task
// was created or assigned. They are never recomputed when the member's role
// changes later.
type Task struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	ChatRoomID   string       `json:"chat_room_id,omitempty"`
	ParentTaskID string       `json:"parent_task_id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`

	CreatedBy     string    `json:"created_by"`
	CreatedByName string    `json:"created_by_name,omitempty"`
	CreatedByRole rbac.Role `json:"created_by_role,omitempty"`

	AssignedTo     string    `json:"assigned_to,omitempty"`
	AssignedToName string    `json:"assigned_to_name,omitempty"`
	AssignedToRole rbac.Role `json:"assigned_to_role,omitempty"`

	DueAt     *time.Time `json:"due_at,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (t Task) EntityType() EntityType { return EntityTask }
func (t Task) EntityID() string       { return t.ID }

// Validate checks required fields.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if _, err := ParseTaskStatus(string(t.Status)); err != nil {
		return err
	}
	return nil
}

// ChatRoomType classifies chat rooms.
type ChatRoomType string

const (
	ChatGeneral ChatRoomType = "GENERAL"
	ChatTask    ChatRoomType = "TASK"
	ChatDirect  ChatRoomType = "DIRECT"
)

// ChatRoom is a conversation inside a project.
type ChatRoom struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"project_id"`
	Name          string       `json:"name"`
	Type          ChatRoomType `json:"type"`
	CreatedBy     string       `json:"created_by"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	IsArchived    bool         `json:"is_archived"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (c ChatRoom) EntityType() EntityType { return EntityChatRoom }
func (c ChatRoom) EntityID() string       { return c.ID }

// MemberKey returns the entity id of the membership of userID in projectID.
func MemberKey(projectID, userID string) string {
	return projectID + ":" + userID
}

// keyFor builds the remote key predicate of an entity.
func keyFor(e Entity) filter.Filter {
	if m, ok := e.(Member); ok {
		return filter.Eq("ProjectID", m.ProjectID).Eq("UserID", m.UserID)
	}
	if m, ok := e.(*Member); ok {
		return filter.Eq("ProjectID", m.ProjectID).Eq("UserID", m.UserID)
	}
	return filter.Eq("ID", e.EntityID())
}
