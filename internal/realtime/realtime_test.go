package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/channel"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

type cancelLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *cancelLog) CancelJob(t types.EntityType, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, string(t)+"/"+id)
	return false
}

func (c *cancelLog) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.calls {
		if k == key {
			return true
		}
	}
	return false
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	hub   *channel.Hub
	st    *cache.Store
	jobs  *cancelLog
	clock *clock
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		hub:   channel.NewHub(zerolog.Nop()),
		st:    st,
		jobs:  &cancelLog{},
		clock: &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.mgr = f.newManager(t)
	return f
}

func (f *fixture) newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(f.hub, f.st, f.jobs, Config{TypingTimeout: 5 * time.Second, Clock: f.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func waitApplied(t *testing.T, ch <-chan Applied) Applied {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for applied event")
		return Applied{}
	}
}

func TestRoomBindings(t *testing.T) {
	chat := ChatRoom("r1").Bindings()
	require.Len(t, chat, 1)
	assert.Equal(t, types.EntityMessage, chat[0].Type)

	project := ProjectRoom("p1").Bindings()
	require.Len(t, project, 3)
	assert.Equal(t, "project:p1", ProjectRoom("p1").Topic())

	assert.Empty(t, Room{Kind: "bogus", ID: "x"}.Bindings())
}

func TestEnterAppliesChangesToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")
	applied, stop := f.mgr.Watch(8)
	defer stop()

	require.NoError(t, f.mgr.Enter(ctx, room))
	assert.Equal(t, StateActive, f.mgr.State(room))

	f.hub.Publish(types.EntityMessage, channel.OpInsert,
		mustJSON(t, types.Message{ID: "m1", RoomID: "r1", Content: "hello"}), nil)
	a := waitApplied(t, applied)
	assert.Equal(t, "m1", a.ID)

	rec, err := f.st.Get(ctx, types.EntityMessage, "m1")
	require.NoError(t, err)
	assert.Equal(t, cache.OriginRemote, rec.Origin)
	assert.NotNil(t, rec.RemoteAt)
	assert.True(t, f.jobs.has("message/m1"), "event cancels the coordinator job")

	f.hub.Publish(types.EntityMessage, channel.OpInsert,
		mustJSON(t, types.Message{ID: "m2", RoomID: "r2", Content: "elsewhere"}), nil)
	f.hub.Publish(types.EntityMessage, channel.OpDelete, nil,
		mustJSON(t, types.Message{ID: "m1", RoomID: "r1"}))
	a = waitApplied(t, applied)
	assert.Equal(t, channel.OpDelete, a.Operation)

	_, err = f.st.Get(ctx, types.EntityMessage, "m1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.st.Get(ctx, types.EntityMessage, "m2")
	assert.ErrorIs(t, err, cache.ErrNotFound, "other rooms are not bound")
}

func TestProjectRoomAppliesAllTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applied, stop := f.mgr.Watch(8)
	defer stop()
	require.NoError(t, f.mgr.Enter(ctx, ProjectRoom("p1")))

	f.hub.Publish(types.EntityTask, channel.OpInsert,
		mustJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "Plan", Status: types.TaskTodo}), nil)
	f.hub.Publish(types.EntityMember, channel.OpUpdate,
		mustJSON(t, types.Member{ProjectID: "p1", UserID: "u1", Role: rbac.RoleManager, IsActive: true}), nil)
	f.hub.Publish(types.EntityChatRoom, channel.OpInsert,
		mustJSON(t, types.ChatRoom{ID: "c1", ProjectID: "p1", Name: "general"}), nil)

	seen := map[types.EntityType]string{}
	for i := 0; i < 3; i++ {
		a := waitApplied(t, applied)
		seen[a.Type] = a.ID
	}
	assert.Equal(t, "t1", seen[types.EntityTask])
	assert.Equal(t, "p1:u1", seen[types.EntityMember])
	assert.Equal(t, "c1", seen[types.EntityChatRoom])

	_, err := f.st.Get(ctx, types.EntityMember, types.MemberKey("p1", "u1"))
	assert.NoError(t, err)
}

func TestMalformedChangeUsesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applied, stop := f.mgr.Watch(8)
	defer stop()
	require.NoError(t, f.mgr.Enter(ctx, ChatRoom("r1")))

	f.hub.Publish(types.EntityMessage, channel.OpInsert,
		json.RawMessage(`{"id":"m1","room_id":"r1","content":"hi","reactions":["x"]}`), nil)
	waitApplied(t, applied)

	rec, err := f.st.Get(ctx, types.EntityMessage, "m1")
	require.NoError(t, err)
	msg, err := types.DecodeAs[types.Message](rec.Data)
	require.NoError(t, err)
	assert.Empty(t, msg.Reactions)
}

func TestEnterIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")

	require.NoError(t, f.mgr.Enter(ctx, room))
	require.NoError(t, f.mgr.Enter(ctx, room))
	assert.Equal(t, 1, f.hub.Subscribers(room.Topic()))
}

func TestSubscriptionFailureDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")
	boom := errors.New("forbidden")

	f.hub.FailSubscribe(room.Topic(), boom)
	err := f.mgr.Enter(ctx, room)
	require.ErrorIs(t, err, channel.ErrRejected)
	assert.Equal(t, StateError, f.mgr.State(room))
	assert.True(t, f.mgr.Degraded())

	rooms := f.mgr.Rooms()
	require.Len(t, rooms, 1)
	assert.Error(t, rooms[0].Err)

	f.hub.FailSubscribe(room.Topic(), nil)
	require.NoError(t, f.mgr.Enter(ctx, room), "an errored room can be re-entered")
	assert.Equal(t, StateActive, f.mgr.State(room))
	assert.False(t, f.mgr.Degraded())
}

func TestDisconnectMovesRoomToError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")
	require.NoError(t, f.mgr.Enter(ctx, room))

	f.hub.Disconnect(room.Topic(), errors.New("socket closed"))
	require.Eventually(t, func() bool {
		return f.mgr.State(room) == StateError
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.mgr.Degraded())
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")
	require.NoError(t, f.mgr.Enter(ctx, room))
	require.NoError(t, f.mgr.Leave(room))

	assert.Equal(t, StateUnsubscribed, f.mgr.State(room))
	assert.Equal(t, 0, f.hub.Subscribers(room.Topic()))
	assert.Empty(t, f.mgr.Rooms())
	assert.False(t, f.mgr.Degraded(), "leaving is not a failure")

	f.hub.Publish(types.EntityMessage, channel.OpInsert,
		mustJSON(t, types.Message{ID: "m1", RoomID: "r1"}), nil)
	time.Sleep(50 * time.Millisecond)
	_, err := f.st.Get(ctx, types.EntityMessage, "m1")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	assert.NoError(t, f.mgr.Leave(room), "leaving twice is fine")
}

func TestTypingExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ChatRoom("r1")
	alice := f.mgr
	bob := f.newManager(t)
	require.NoError(t, alice.Enter(ctx, room))
	require.NoError(t, bob.Enter(ctx, room))

	assert.ErrorIs(t, alice.SendTyping(ctx, ChatRoom("nope"), TypingUser{UserID: "u1"}, true), ErrNotActive)

	require.NoError(t, alice.SendTyping(ctx, room, TypingUser{UserID: "u1", Name: "Alice"}, true))
	require.Eventually(t, func() bool { return len(bob.TypingUsers(room)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice", bob.TypingUsers(room)[0].Name)
	assert.Empty(t, alice.TypingUsers(room), "senders do not see their own signal")

	f.clock.Advance(6 * time.Second)
	assert.Empty(t, bob.TypingUsers(room))

	require.NoError(t, alice.SendTyping(ctx, room, TypingUser{UserID: "u1"}, true))
	require.Eventually(t, func() bool { return len(bob.TypingUsers(room)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.SendTyping(ctx, room, TypingUser{UserID: "u1"}, false))
	require.Eventually(t, func() bool { return len(bob.TypingUsers(room)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := ProjectRoom("p1")
	alice := f.mgr
	bob := f.newManager(t)
	require.NoError(t, alice.Enter(ctx, room))
	require.NoError(t, bob.Enter(ctx, room))

	require.NoError(t, alice.SendPresence(ctx, room, Presence{UserID: "u1", Status: PresenceOnline}))
	require.Eventually(t, func() bool { return len(bob.Presence(room)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PresenceOnline, bob.Presence(room)[0].Status)

	f.clock.Advance(10 * time.Second)
	assert.Empty(t, bob.Presence(room))
}

func TestCloseLeavesAllRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Enter(ctx, ChatRoom("r1")))
	require.NoError(t, f.mgr.Enter(ctx, ProjectRoom("p1")))

	require.NoError(t, f.mgr.Close())
	assert.Empty(t, f.mgr.Rooms())
	assert.Equal(t, 0, f.hub.Subscribers("chat:r1"))
	assert.ErrorIs(t, f.mgr.Enter(ctx, ChatRoom("r1")), ErrClosed)
}
