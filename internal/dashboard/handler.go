package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/bootstrap"
	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/realtime"
)

// Source is the cache surface the monitor reads.
type Source interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Watch(buffer int) (<-chan cache.Change, func())
}

// ChangeData describes one cache change.
type ChangeData struct {
	Type     string `json:"entity_type"`
	ID       string `json:"id"`
	Action   string `json:"action"` // put, delete
	Origin   string `json:"origin,omitempty"`
	Revision int64  `json:"revision"`
}

// StatsData contains cache statistics
type StatsData struct {
	Rows       map[string]int `json:"rows"`
	Pending    int            `json:"pending"`
	Tombstones int            `json:"tombstones"`
}

// OutcomeData is one bootstrap domain result.
type OutcomeData struct {
	Domain   string        `json:"domain"`
	Count    int           `json:"count"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SyncCompleteData summarizes a bootstrap run.
type SyncCompleteData struct {
	Outcomes []OutcomeData `json:"outcomes"`
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`
}

// RoomData is the state of one realtime room.
type RoomData struct {
	Topic string `json:"topic"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Handler turns cache, bootstrap and realtime activity into monitor
// messages.
type Handler struct {
	server   *Server
	src      Source
	interval time.Duration
	log      zerolog.Logger
}

// NewHandler creates a handler that publishes through server. Stats are
// broadcast every interval; zero disables periodic stats.
func NewHandler(server *Server, src Source, interval time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		server:   server,
		src:      src,
		interval: interval,
		log:      logger.With().Str("component", "dashboard").Logger(),
	}
}

// Start subscribes to cache changes and forwards them until ctx ends.
// The returned channel is closed when forwarding stops.
func (h *Handler) Start(ctx context.Context) <-chan struct{} {
	changes, stop := h.src.Watch(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()
		h.run(ctx, changes)
	}()
	return done
}

func (h *Handler) run(ctx context.Context, changes <-chan cache.Change) {
	var tick <-chan time.Time
	if h.interval > 0 {
		t := time.NewTicker(h.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			h.OnChange(ch)
		case <-tick:
			h.BroadcastStats(ctx)
		}
	}
}

// OnChange broadcasts a cache change.
func (h *Handler) OnChange(ch cache.Change) {
	h.publish(MessageTypeChange, ChangeData{
		Type:     string(ch.Type),
		ID:       ch.ID,
		Action:   string(ch.Kind),
		Origin:   string(ch.Origin),
		Revision: ch.Revision,
	})
}

// OnBootstrap broadcasts a bootstrap report followed by fresh stats.
func (h *Handler) OnBootstrap(ctx context.Context, rep bootstrap.Report) {
	data := SyncCompleteData{OK: rep.OK(), Duration: rep.Duration}
	for _, o := range rep.Outcomes {
		od := OutcomeData{Domain: string(o.Domain), Count: o.Count, Duration: o.Duration}
		if o.Err != nil {
			od.Error = o.Err.Error()
		}
		data.Outcomes = append(data.Outcomes, od)
	}
	h.publish(MessageTypeSyncComplete, data)
	h.BroadcastStats(ctx)
}

// OnRooms broadcasts realtime room states.
func (h *Handler) OnRooms(rooms []realtime.RoomStatus) {
	data := make([]RoomData, 0, len(rooms))
	for _, r := range rooms {
		rd := RoomData{Topic: r.Room.Topic(), State: string(r.State)}
		if r.Err != nil {
			rd.Error = r.Err.Error()
		}
		data = append(data, rd)
	}
	h.publish(MessageTypeRooms, data)
}

// BroadcastStats reads and broadcasts cache statistics.
func (h *Handler) BroadcastStats(ctx context.Context) {
	if msg, ok := h.StatsMessage(ctx); ok {
		h.server.Broadcast(msg)
	}
}

// StatsMessage builds a stats message. It can serve as the server's
// welcome message.
func (h *Handler) StatsMessage(ctx context.Context) (Message, bool) {
	st, err := h.src.Stats(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read cache stats")
		return Message{}, false
	}
	data := StatsData{Rows: map[string]int{}, Pending: st.Pending, Tombstones: st.Tombstones}
	for t, n := range st.Rows {
		data.Rows[string(t)] = n
	}
	return h.message(MessageTypeStats, data)
}

func (h *Handler) publish(t MessageType, v any) {
	if msg, ok := h.message(t, v); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(t MessageType, v any) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal message data")
		return Message{}, false
	}
	return Message{Type: t, Timestamp: time.Now().UTC(), Data: data}, true
}
