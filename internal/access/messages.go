package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// SendMessageRequest describes a new chat message.
type SendMessageRequest struct {
	RoomID         string
	Content        string
	Type           types.MessageType
	ReplyToID      string
	AttachmentPath string
}

// SendMessage posts a message to a room of a project the user belongs to.
func (e *Enforcer) SendMessage(ctx context.Context, req SendMessageRequest) (Result[types.Message], error) {
	room, d, err := e.room(ctx, req.RoomID)
	if err != nil || !d.Allowed {
		return denied[types.Message](d), err
	}
	actor, d, err := e.actor(ctx, room.ProjectID)
	if err != nil || !d.Allowed {
		return denied[types.Message](d), err
	}
	if d := needs(actor, rbac.PermSendMessages); !d.Allowed {
		return denied[types.Message](d), nil
	}
	if room.IsArchived {
		return denied[types.Message](Deny(ReasonInvalidRequest, "room %s is archived", room.Name)), nil
	}
	if strings.TrimSpace(req.Content) == "" && req.AttachmentPath == "" {
		return denied[types.Message](Deny(ReasonInvalidRequest, "message is empty")), nil
	}

	msg := types.Message{
		ID:             e.cfg.NewID(),
		RoomID:         room.ID,
		SenderID:       actor.UserID,
		SenderName:     actor.DisplayName,
		Content:        req.Content,
		Type:           req.Type,
		ReplyToID:      req.ReplyToID,
		Reactions:      types.Reactions{},
		AttachmentPath: req.AttachmentPath,
		CreatedAt:      e.now(),
	}
	if msg.Type == "" {
		msg.Type = types.MessageText
	}
	return write(ctx, e, msg)
}

// EditMessage replaces the content of one of the user's own messages.
func (e *Enforcer) EditMessage(ctx context.Context, messageID, content string) (Result[types.Message], error) {
	msg, actor, d, err := e.message(ctx, messageID)
	if err != nil || !d.Allowed {
		return denied[types.Message](d), err
	}
	if msg.SenderID != actor.UserID {
		return denied[types.Message](Deny(ReasonMissingPermission, "only the sender can edit a message")), nil
	}
	if strings.TrimSpace(content) == "" {
		return denied[types.Message](Deny(ReasonInvalidRequest, "message is empty")), nil
	}

	now := e.now()
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now
	return write(ctx, e, msg)
}

// DeleteMessage soft-deletes a message. Senders may delete their own
// messages; others need DELETE_ANY_MESSAGE.
func (e *Enforcer) DeleteMessage(ctx context.Context, messageID string) (Result[types.Message], error) {
	msg, actor, d, err := e.message(ctx, messageID)
	if err != nil || !d.Allowed {
		return denied[types.Message](d), err
	}
	if msg.SenderID != actor.UserID {
		if d := needs(actor, rbac.PermDeleteAnyMessage); !d.Allowed {
			return denied[types.Message](d), nil
		}
	}

	now := e.now()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	return write(ctx, e, msg)
}

// ReactToMessage sets the user's reaction on a message. An empty emoji
// removes it.
func (e *Enforcer) ReactToMessage(ctx context.Context, messageID, emoji string) (Result[types.Message], error) {
	msg, actor, d, err := e.message(ctx, messageID)
	if err != nil || !d.Allowed {
		return denied[types.Message](d), err
	}

	reactions := make(types.Reactions, len(msg.Reactions)+1)
	for k, v := range msg.Reactions {
		reactions[k] = v
	}
	if emoji == "" {
		delete(reactions, actor.UserID)
	} else {
		reactions[actor.UserID] = emoji
	}
	msg.Reactions = reactions
	return write(ctx, e, msg)
}

func (e *Enforcer) room(ctx context.Context, id string) (types.ChatRoom, Decision, error) {
	room, err := coordinator.GetAs[types.ChatRoom](ctx, e.co, id)
	if coordinator.IsNotFound(err) {
		return types.ChatRoom{}, Deny(ReasonNotFound, "chat room %s does not exist", id), nil
	}
	if err != nil {
		return types.ChatRoom{}, Decision{}, fmt.Errorf("failed to read chat room: %w", err)
	}
	return room, Allow(), nil
}

// message loads a live message together with the acting member of the
// project it belongs to.
func (e *Enforcer) message(ctx context.Context, id string) (types.Message, types.Member, Decision, error) {
	msg, err := coordinator.GetAs[types.Message](ctx, e.co, id)
	if coordinator.IsNotFound(err) {
		return types.Message{}, types.Member{}, Deny(ReasonNotFound, "message %s does not exist", id), nil
	}
	if err != nil {
		return types.Message{}, types.Member{}, Decision{}, fmt.Errorf("failed to read message: %w", err)
	}
	if msg.IsDeleted {
		return types.Message{}, types.Member{}, Deny(ReasonNotFound, "message %s was deleted", id), nil
	}
	room, d, err := e.room(ctx, msg.RoomID)
	if err != nil || !d.Allowed {
		return types.Message{}, types.Member{}, d, err
	}
	actor, d, err := e.actor(ctx, room.ProjectID)
	if err != nil || !d.Allowed {
		return types.Message{}, types.Member{}, d, err
	}
	return msg, actor, Allow(), nil
}
