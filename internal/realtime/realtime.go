// Package realtime manages event channel subscriptions for the rooms the
// user is looking at.
//
// Each room has one subscription carrying a binding per relevant table.
// Row changes are applied straight to the cache as authoritative rows and
// cancel any in-flight coordinator fetch for the same entity. Typing and
// presence signals are kept in memory only.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/channel"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: manager closed")
	// ErrNotActive is returned when sending on a room that is not active.
	ErrNotActive = errors.New("realtime: room not active")
)

// RoomKind selects the tables a room subscribes to.
type RoomKind string

const (
	// KindChat receives the messages of one chat room.
	KindChat RoomKind = "chat"
	// KindProject receives the tasks, members and chat rooms of a project.
	KindProject RoomKind = "project"
)

// Room identifies a subscription target.
type Room struct {
	Kind RoomKind
	ID   string
}

// ChatRoom returns the room for chat room id.
func ChatRoom(id string) Room { return Room{Kind: KindChat, ID: id} }

// ProjectRoom returns the room for project id.
func ProjectRoom(id string) Room { return Room{Kind: KindProject, ID: id} }

// Topic is the channel topic of the room.
func (r Room) Topic() string { return string(r.Kind) + ":" + r.ID }

func (r Room) String() string { return r.Topic() }

// Bindings returns one binding per table relevant to the room, each
// filtered to the room id.
func (r Room) Bindings() []channel.Binding {
	switch r.Kind {
	case KindChat:
		return []channel.Binding{
			{Type: types.EntityMessage, Filter: filter.Eq("RoomID", r.ID)},
		}
	case KindProject:
		return []channel.Binding{
			{Type: types.EntityTask, Filter: filter.Eq("ProjectID", r.ID)},
			{Type: types.EntityMember, Filter: filter.Eq("ProjectID", r.ID)},
			{Type: types.EntityChatRoom, Filter: filter.Eq("ProjectID", r.ID)},
		}
	}
	return nil
}

// State is the subscription state of a room.
type State string

const (
	StateUnsubscribed State = "UNSUBSCRIBED"
	StateSubscribing  State = "SUBSCRIBING"
	StateActive       State = "ACTIVE"
	StateError        State = "ERROR"
)

// Cache is the part of the cache the manager writes.
type Cache interface {
	ApplyRemote(ctx context.Context, t types.EntityType, id string, data json.RawMessage) (int64, error)
	Purge(ctx context.Context, t types.EntityType, id string) (bool, error)
}

// JobCanceler aborts in-flight fetches superseded by an event.
// *coordinator.Coordinator implements it.
type JobCanceler interface {
	CancelJob(t types.EntityType, id string) bool
}

// Config holds manager settings.
type Config struct {
	// TypingTimeout is how long a typing or presence signal lasts without
	// a refresh. Default 5s.
	TypingTimeout time.Duration
	Logger        zerolog.Logger
	Clock         func() time.Time
}

// Applied describes an event written to the cache.
type Applied struct {
	Room      Room
	Type      types.EntityType
	ID        string
	Operation channel.Operation
}

// RoomStatus is a snapshot of one room.
type RoomStatus struct {
	Room  Room
	State State
	Err   error
}

type roomState struct {
	state State
	sub   channel.Subscription
	err   error
	done  chan struct{}
}

// Manager tracks rooms. It is safe for concurrent use.
type Manager struct {
	ch    channel.Channel
	cache Cache
	jobs  JobCanceler
	cfg   Config
	log   zerolog.Logger

	mu       sync.Mutex
	rooms    map[Room]*roomState
	typing   map[Room]map[string]typingEntry
	presence map[Room]map[string]presenceEntry
	closed   bool

	wmu      sync.Mutex
	watchers []chan Applied
}

// New creates a manager. jobs may be nil.
func New(ch channel.Channel, c Cache, jobs JobCanceler, cfg Config) (*Manager, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if c == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		ch:       ch,
		cache:    c,
		jobs:     jobs,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "realtime").Logger(),
		rooms:    map[Room]*roomState{},
		typing:   map[Room]map[string]typingEntry{},
		presence: map[Room]map[string]presenceEntry{},
	}, nil
}

// Enter subscribes to room and returns once the subscription is confirmed.
// Entering an active or subscribing room does nothing. On failure the room
// is left in StateError.
func (m *Manager) Enter(ctx context.Context, room Room) error {
	bindings := room.Bindings()
	if len(bindings) == 0 {
		return fmt.Errorf("unknown room kind %q", room.Kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if rs, ok := m.rooms[room]; ok && (rs.state == StateActive || rs.state == StateSubscribing) {
		m.mu.Unlock()
		return nil
	}
	rs := &roomState{state: StateSubscribing, done: make(chan struct{})}
	m.rooms[room] = rs
	m.mu.Unlock()

	sub, err := m.ch.Subscribe(ctx, room.Topic(), bindings...)

	m.mu.Lock()
	if m.rooms[room] != rs {
		m.mu.Unlock()
		close(rs.done)
		if sub != nil {
			_ = sub.Close()
		}
		return nil
	}
	if err != nil {
		rs.state = StateError
		rs.err = err
		m.mu.Unlock()
		close(rs.done)
		m.log.Warn().Err(err).Str("room", room.Topic()).Msg("subscription failed, room degraded")
		return fmt.Errorf("failed to enter %s: %w", room, err)
	}
	rs.state = StateActive
	rs.sub = sub
	m.mu.Unlock()

	m.log.Debug().Str("room", room.Topic()).Msg("room active")
	go m.pump(room, rs)
	return nil
}

// Leave unsubscribes from room and forgets its ephemeral state.
func (m *Manager) Leave(room Room) error {
	m.mu.Lock()
	rs, ok := m.rooms[room]
	if ok {
		delete(m.rooms, room)
	}
	delete(m.typing, room)
	delete(m.presence, room)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if rs.sub != nil {
		if err := rs.sub.Close(); err != nil {
			m.log.Debug().Err(err).Str("room", room.Topic()).Msg("close subscription")
		}
		<-rs.done
	}
	return nil
}

// State returns the state of room.
func (m *Manager) State(room Room) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.rooms[room]; ok {
		return rs.state
	}
	return StateUnsubscribed
}

// Rooms lists every known room, ordered by topic.
func (m *Manager) Rooms() []RoomStatus {
	m.mu.Lock()
	out := make([]RoomStatus, 0, len(m.rooms))
	for room, rs := range m.rooms {
		out = append(out, RoomStatus{Room: room, State: rs.state, Err: rs.err})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room.Topic() < out[j].Room.Topic() })
	return out
}

// Degraded reports whether any room is in StateError.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.rooms {
		if rs.state == StateError {
			return true
		}
	}
	return false
}

// Watch returns a channel of events applied to the cache. Slow readers
// miss events. The returned func stops the watch.
func (m *Manager) Watch(buffer int) (<-chan Applied, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Applied, buffer)
	m.wmu.Lock()
	m.watchers = append(m.watchers, ch)
	m.wmu.Unlock()
	return ch, func() {
		m.wmu.Lock()
		defer m.wmu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Close leaves every room. Enter fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	rooms := make([]Room, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	for _, room := range rooms {
		_ = m.Leave(room)
	}
	return nil
}

func (m *Manager) pump(room Room, rs *roomState) {
	defer close(rs.done)
	sub := rs.sub
	for {
		select {
		case c := <-sub.Changes():
			m.apply(room, c)
		case b := <-sub.Broadcasts():
			m.receive(room, b)
		case <-sub.Done():
			m.mu.Lock()
			if m.rooms[room] == rs {
				rs.state = StateError
				rs.err = sub.Err()
				m.mu.Unlock()
				m.log.Warn().Err(rs.err).Str("room", room.Topic()).Msg("subscription lost, room degraded")
				return
			}
			m.mu.Unlock()
			return
		}
	}
}

// apply writes one change to the cache. Deletes purge the row; inserts and
// updates overwrite it as authoritative.
func (m *Manager) apply(room Room, c channel.Change) {
	schema, err := types.Lookup(c.Type)
	if err != nil {
		m.log.Warn().Err(err).Msg("dropping change for unknown type")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw := c.Record
	if c.Operation == channel.OpDelete {
		raw = c.OldRecord
	}
	d, err := schema.Decode(raw)
	if err != nil {
		m.log.Warn().Err(err).Str("room", room.Topic()).Str("op", string(c.Operation)).Msg("dropping undecodable change")
		return
	}
	id := d.Entity.EntityID()
	if len(d.Issues) > 0 {
		m.log.Warn().Str("type", string(c.Type)).Str("id", id).Strs("fields", d.Issues).Msg("change decoded with defaults")
	}

	switch c.Operation {
	case channel.OpDelete:
		_, err = m.cache.Purge(ctx, c.Type, id)
	default:
		_, err = m.cache.ApplyRemote(ctx, c.Type, id, d.Data)
	}
	if err != nil {
		m.log.Error().Err(err).Str("type", string(c.Type)).Str("id", id).Msg("failed to apply change")
		return
	}
	if m.jobs != nil {
		m.jobs.CancelJob(c.Type, id)
	}

	a := Applied{Room: room, Type: c.Type, ID: id, Operation: c.Operation}
	m.wmu.Lock()
	for _, w := range m.watchers {
		select {
		case w <- a:
		default:
		}
	}
	m.wmu.Unlock()
}

func (m *Manager) subscription(room Room) (channel.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rooms[room]
	if !ok || rs.state != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, room)
	}
	return rs.sub, nil
}
