package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies chat messages.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
	MessageVoice  MessageType = "VOICE"
	MessageSystem MessageType = "SYSTEM"
)

// Reactions maps a user id to the emoji they reacted with.
type Reactions map[string]string

// MarshalJSON always encodes an object, never null.
func (r Reactions) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(r))
}

// UnmarshalJSON decodes leniently, see DecodeReactions.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	*r, _ = DecodeReactions(data)
	return nil
}

// DecodeReactions decodes a stored reactions column.
//
// Older rows stored reactions as an empty array, and some stored null. Any
// shape other than an object of strings decodes to an empty map; ok is false
// when that substitution happened for a non-empty value.
func DecodeReactions(data []byte) (Reactions, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Reactions{}, true
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil && len(items) == 0 {
			return Reactions{}, true
		}
		return Reactions{}, false
	}
	out := map[string]string{}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return Reactions{}, false
	}
	return Reactions(out), true
}

// Message is a chat message. Deleted messages keep their id and are hidden
// from active reads.
type Message struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	Reactions      Reactions   `json:"reactions"`
	AttachmentPath string      `json:"attachment_path,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`

	issues []string
}

func (m Message) EntityType() EntityType { return EntityMessage }
func (m Message) EntityID() string       { return m.ID }

// DecodeIssues lists fields replaced by defaults during decoding.
func (m Message) DecodeIssues() []string { return m.issues }

// UnmarshalJSON decodes a message and records a reactions shape mismatch
// instead of failing the record.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Reactions json.RawMessage `json:"reactions"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	m.issues = nil

	reactions, ok := DecodeReactions(aux.Reactions)
	if !ok {
		m.issues = append(m.issues, fmt.Sprintf("reactions: unexpected shape %s", aux.Reactions))
	}
	m.Reactions = reactions
	return nil
}
