package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/crewsync/internal/access"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// enforced opens the app, runs fn with an enforcer and pushes the result.
// A denial is reported as an error with the decision's message.
func enforced(cmd *cobra.Command, fn func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error)) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	e, err := a.enforcer()
	if err != nil {
		return err
	}
	d, summary, err := fn(ctx, e)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%s (%s)", d.Message, d.Reason)
	}
	a.flush(ctx)
	out.Printf("%s %s\n", out.Success("✓"), summary)
	return nil
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "collab",
	Short:   "Create and manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Long: `Create a task in a project, optionally assigned.

Assigning someone else needs the ASSIGN_TASKS permission, and nobody can
assign to a role above their own.

Examples:
  crewsync task create --project demo-project "Draft release notes"
  crewsync task create --project demo-project --assign ben --due "next friday" "Fix login"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		assignee, _ := cmd.Flags().GetString("assign")
		priority, _ := cmd.Flags().GetString("priority")
		description, _ := cmd.Flags().GetString("description")
		due, _ := cmd.Flags().GetString("due")

		req := access.CreateTaskRequest{
			ProjectID:   project,
			Title:       strings.Join(args, " "),
			Description: description,
			Priority:    types.TaskPriority(strings.ToUpper(priority)),
			AssigneeID:  assignee,
		}
		if due != "" {
			t, err := parseWhen(due, time.Now())
			if err != nil {
				return err
			}
			t = t.UTC()
			req.DueAt = &t
		}
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.CreateTask(ctx, req)
			return res.Decision, fmt.Sprintf("created task %s", res.Value.ID), err
		})
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <task-id> <user-id>",
	Short: "Assign a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.AssignTask(ctx, args[0], args[1])
			return res.Decision, fmt.Sprintf("assigned %s to %s (%s)", args[0], args[1], res.Value.AssignedToRole), err
		})
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <TODO|IN_PROGRESS|DONE|CANCELLED>",
	Short: "Change a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := types.TaskStatus(strings.ToUpper(args[1]))
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.UpdateTaskStatus(ctx, args[0], status)
			return res.Decision, fmt.Sprintf("%s is now %s", args[0], status), err
		})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.DeleteTask(ctx, args[0])
			return res.Decision, fmt.Sprintf("deleted %s", args[0]), err
		})
	},
}

var memberCmd = &cobra.Command{
	Use:     "member",
	GroupID: "collab",
	Short:   "Manage project members",
	Long: `Invite members, change roles and remove members.

Every project keeps at least one active ADMIN: demoting or removing the
last one is refused.`,
}

var memberInviteCmd = &cobra.Command{
	Use:   "invite <project-id> <user-id>",
	Short: "Invite a user to a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleName, _ := cmd.Flags().GetString("role")
		name, _ := cmd.Flags().GetString("name")
		role, err := rbac.ParseRole(roleName)
		if err != nil {
			return err
		}
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.InviteMember(ctx, args[0], args[1], name, role)
			return res.Decision, fmt.Sprintf("invited %s as %s", args[1], role), err
		})
	},
}

var memberRoleCmd = &cobra.Command{
	Use:   "role <project-id> <user-id> <ADMIN|MANAGER|MEMBER>",
	Short: "Change a member's role",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := rbac.ParseRole(args[2])
		if err != nil {
			return err
		}
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.ChangeRole(ctx, args[0], args[1], role)
			return res.Decision, fmt.Sprintf("%s is now %s", args[1], role), err
		})
	},
}

var memberRemoveCmd = &cobra.Command{
	Use:   "remove <project-id> <user-id>",
	Short: "Remove a member from a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.RemoveMember(ctx, args[0], args[1])
			return res.Decision, fmt.Sprintf("removed %s", args[1]), err
		})
	},
}

var messageCmd = &cobra.Command{
	Use:     "message",
	GroupID: "collab",
	Short:   "Send and manage chat messages",
}

var messageSendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replyTo, _ := cmd.Flags().GetString("reply-to")
		req := access.SendMessageRequest{RoomID: args[0], Content: strings.Join(args[1:], " "), ReplyToID: replyTo}
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.SendMessage(ctx, req)
			return res.Decision, fmt.Sprintf("sent %s", res.Value.ID), err
		})
	},
}

var messageEditCmd = &cobra.Command{
	Use:   "edit <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.EditMessage(ctx, args[0], strings.Join(args[1:], " "))
			return res.Decision, fmt.Sprintf("edited %s", args[0]), err
		})
	},
}

var messageDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.DeleteMessage(ctx, args[0])
			return res.Decision, fmt.Sprintf("deleted %s", args[0]), err
		})
	},
}

var messageReactCmd = &cobra.Command{
	Use:   "react <message-id> [emoji]",
	Short: "React to a message; omit the emoji to remove your reaction",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		emoji := ""
		if len(args) == 2 {
			emoji = args[1]
		}
		return enforced(cmd, func(ctx context.Context, e *access.Enforcer) (access.Decision, string, error) {
			res, err := e.ReactToMessage(ctx, args[0], emoji)
			return res.Decision, fmt.Sprintf("%d reaction(s) on %s", len(res.Value.Reactions), args[0]), err
		})
	},
}

func init() {
	taskCreateCmd.Flags().String("project", "", "Project id (required)")
	taskCreateCmd.Flags().String("assign", "", "Assignee user id")
	taskCreateCmd.Flags().String("priority", "medium", "low, medium, high or urgent")
	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().String("due", "", `Due date ("tomorrow", "next friday", RFC 3339)`)
	_ = taskCreateCmd.MarkFlagRequired("project")
	taskCmd.AddCommand(taskCreateCmd, taskAssignCmd, taskStatusCmd, taskDeleteCmd)

	memberInviteCmd.Flags().String("role", "member", "Role for the new member")
	memberInviteCmd.Flags().String("name", "", "Display name")
	memberCmd.AddCommand(memberInviteCmd, memberRoleCmd, memberRemoveCmd)

	messageSendCmd.Flags().String("reply-to", "", "Message id this replies to")
	messageCmd.AddCommand(messageSendCmd, messageEditCmd, messageDeleteCmd, messageReactCmd)

	rootCmd.AddCommand(taskCmd, memberCmd, messageCmd)
}
