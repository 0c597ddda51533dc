package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// CreateTaskRequest describes a new task.
type CreateTaskRequest struct {
	ProjectID    string
	ChatRoomID   string
	ParentTaskID string
	Title        string
	Description  string
	Priority     types.TaskPriority
	DueAt        *time.Time
	// AssigneeID optionally assigns the task on creation.
	AssigneeID string
}

// CreateTask creates a task, optionally assigned. The creator's and the
// assignee's roles are recorded on the task as they are now.
func (e *Enforcer) CreateTask(ctx context.Context, req CreateTaskRequest) (Result[types.Task], error) {
	actor, d, err := e.actor(ctx, req.ProjectID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	if d := needs(actor, rbac.PermCreateTasks); !d.Allowed {
		return denied[types.Task](d), nil
	}

	now := e.now()
	task := types.Task{
		ID:            e.cfg.NewID(),
		ProjectID:     req.ProjectID,
		ChatRoomID:    req.ChatRoomID,
		ParentTaskID:  req.ParentTaskID,
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		Status:        types.TaskTodo,
		Priority:      req.Priority,
		CreatedBy:     actor.UserID,
		CreatedByName: actor.DisplayName,
		CreatedByRole: actor.Role,
		DueAt:         req.DueAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if task.Priority == "" {
		task.Priority = types.PriorityMedium
	}

	if req.AssigneeID != "" {
		d, err := e.checkAssign(ctx, actor, req.ProjectID, req.AssigneeID, &task)
		if err != nil || !d.Allowed {
			return denied[types.Task](d), err
		}
	}
	if err := task.Validate(); err != nil {
		return denied[types.Task](Deny(ReasonInvalidRequest, "%v", err)), nil
	}
	return write(ctx, e, task)
}

// AssignTask assigns an existing task to assigneeID.
func (e *Enforcer) AssignTask(ctx context.Context, taskID, assigneeID string) (Result[types.Task], error) {
	task, d, err := e.task(ctx, taskID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	actor, d, err := e.actor(ctx, task.ProjectID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}

	d, err = e.checkAssign(ctx, actor, task.ProjectID, assigneeID, &task)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	task.UpdatedAt = e.now()
	return write(ctx, e, task)
}

// checkAssign verifies that actor may assign to assigneeID and, if so,
// stamps the assignee on task.
func (e *Enforcer) checkAssign(ctx context.Context, actor types.Member, projectID, assigneeID string, task *types.Task) (Decision, error) {
	if assigneeID != actor.UserID {
		if d := needs(actor, rbac.PermAssignTasks); !d.Allowed {
			return d, nil
		}
	}
	assignee, ok, err := e.member(ctx, projectID, assigneeID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Deny(ReasonNotAMember, "the assignee is not a member of this project"), nil
	}
	if !rbac.CanAssignTask(actor.Role, assignee.Role) {
		return Deny(ReasonInsufficientRoleWeight,
			"a %s cannot assign tasks to a %s", actor.Role, assignee.Role), nil
	}
	task.AssignedTo = assignee.UserID
	task.AssignedToName = assignee.DisplayName
	task.AssignedToRole = assignee.Role
	return Allow(), nil
}

// UpdateTaskStatus moves a task to status. The assignee and the creator
// may always do so; others need EDIT_ANY_TASK.
func (e *Enforcer) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) (Result[types.Task], error) {
	if _, err := types.ParseTaskStatus(string(status)); err != nil {
		return denied[types.Task](Deny(ReasonInvalidRequest, "%v", err)), nil
	}
	task, d, err := e.task(ctx, taskID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	actor, d, err := e.actor(ctx, task.ProjectID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	if actor.UserID != task.AssignedTo && actor.UserID != task.CreatedBy {
		if d := needs(actor, rbac.PermEditAnyTask); !d.Allowed {
			return denied[types.Task](d), nil
		}
	}

	task.Status = status
	task.UpdatedAt = e.now()
	return write(ctx, e, task)
}

// DeleteTask soft-deletes a task. Creators may delete their own tasks;
// others need DELETE_ANY_TASK.
func (e *Enforcer) DeleteTask(ctx context.Context, taskID string) (Result[types.Task], error) {
	task, d, err := e.task(ctx, taskID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	actor, d, err := e.actor(ctx, task.ProjectID)
	if err != nil || !d.Allowed {
		return denied[types.Task](d), err
	}
	if actor.UserID != task.CreatedBy {
		if d := needs(actor, rbac.PermDeleteAnyTask); !d.Allowed {
			return denied[types.Task](d), nil
		}
	}

	task.IsDeleted = true
	task.UpdatedAt = e.now()
	return write(ctx, e, task)
}

func (e *Enforcer) task(ctx context.Context, id string) (types.Task, Decision, error) {
	task, err := coordinator.GetAs[types.Task](ctx, e.co, id)
	if coordinator.IsNotFound(err) {
		return types.Task{}, Deny(ReasonNotFound, "task %s does not exist", id), nil
	}
	if err != nil {
		return types.Task{}, Decision{}, fmt.Errorf("failed to read task: %w", err)
	}
	if task.IsDeleted {
		return types.Task{}, Deny(ReasonNotFound, "task %s was deleted", id), nil
	}
	return task, Allow(), nil
}
