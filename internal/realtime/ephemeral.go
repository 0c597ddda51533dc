package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/steveyegge/crewsync/internal/channel"
)

// Broadcast event names.
const (
	EventTyping   = "typing"
	EventPresence = "presence"
)

// TypingUser is someone currently typing in a room.
type TypingUser struct {
	UserID string `json:"user_id"`
	Name   string `json:"user_name,omitempty"`
}

type typingSignal struct {
	TypingUser
	Typing bool `json:"typing"`
}

type typingEntry struct {
	user TypingUser
	at   time.Time
}

// PresenceStatus is a user's announced availability.
type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceAway   PresenceStatus = "away"
)

// Presence is a user's presence in a room.
type Presence struct {
	UserID string         `json:"user_id"`
	Name   string         `json:"user_name,omitempty"`
	Status PresenceStatus `json:"status"`
	SeenAt time.Time      `json:"-"`
}

type presenceEntry struct {
	p  Presence
	at time.Time
}

// SendTyping tells the other members of room whether user is typing.
func (m *Manager) SendTyping(ctx context.Context, room Room, user TypingUser, typing bool) error {
	sub, err := m.subscription(room)
	if err != nil {
		return err
	}
	return sub.Send(ctx, EventTyping, typingSignal{TypingUser: user, Typing: typing})
}

// SendPresence announces p to the other members of room.
func (m *Manager) SendPresence(ctx context.Context, room Room, p Presence) error {
	sub, err := m.subscription(room)
	if err != nil {
		return err
	}
	return sub.Send(ctx, EventPresence, p)
}

// TypingUsers returns the users typing in room whose last signal is newer
// than the typing timeout, ordered by user id.
func (m *Manager) TypingUsers(room Room) []TypingUser {
	now := m.cfg.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.typing[room]
	out := make([]TypingUser, 0, len(entries))
	for id, e := range entries {
		if now.Sub(e.at) >= m.cfg.TypingTimeout {
			delete(entries, id)
			continue
		}
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Presence returns the unexpired presence entries of room, ordered by
// user id.
func (m *Manager) Presence(room Room) []Presence {
	now := m.cfg.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.presence[room]
	out := make([]Presence, 0, len(entries))
	for id, e := range entries {
		if now.Sub(e.at) >= m.cfg.TypingTimeout {
			delete(entries, id)
			continue
		}
		p := e.p
		p.SeenAt = e.at
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Manager) receive(room Room, b channel.Broadcast) {
	now := m.cfg.Clock()
	switch b.Event {
	case EventTyping:
		var sig typingSignal
		if err := json.Unmarshal(b.Payload, &sig); err != nil || sig.UserID == "" {
			m.log.Debug().Str("room", room.Topic()).Msg("ignoring malformed typing signal")
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.rooms[room]; !ok {
			return
		}
		entries := m.typing[room]
		if entries == nil {
			entries = map[string]typingEntry{}
			m.typing[room] = entries
		}
		if sig.Typing {
			entries[sig.UserID] = typingEntry{user: sig.TypingUser, at: now}
		} else {
			delete(entries, sig.UserID)
		}

	case EventPresence:
		var p Presence
		if err := json.Unmarshal(b.Payload, &p); err != nil || p.UserID == "" {
			m.log.Debug().Str("room", room.Topic()).Msg("ignoring malformed presence signal")
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.rooms[room]; !ok {
			return
		}
		entries := m.presence[room]
		if entries == nil {
			entries = map[string]presenceEntry{}
			m.presence[room] = entries
		}
		entries[p.UserID] = presenceEntry{p: p, at: now}

	default:
		m.log.Debug().Str("event", b.Event).Msg("ignoring unknown broadcast")
	}
}
