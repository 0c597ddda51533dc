package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

// Hub is an in-process Channel. Row changes are published into it
// (typically from remote.Memory) and routed to every subscription whose
// bindings match the row.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	fail   map[string]error
	closed bool
	log    zerolog.Logger
	clock  func() time.Time
}

var _ Channel = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:  map[string]map[*subscription]struct{}{},
		fail:  map[string]error{},
		log:   log,
		clock: time.Now,
	}
}

// Subscribe implements Channel.
func (h *Hub) Subscribe(ctx context.Context, topic string, bindings ...Binding) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, b := range bindings {
		schema, err := types.Lookup(b.Type)
		if err != nil {
			return nil, err
		}
		if _, err := b.Filter.Resolve(schema); err != nil {
			return nil, fmt.Errorf("invalid binding for %s: %w", topic, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if err := h.fail[topic]; err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRejected, topic, err)
	}

	sub := newSubscription(topic, bindings)
	sub.send = func(ctx context.Context, b Broadcast) error {
		h.relay(sub, b)
		return nil
	}
	sub.release = func() { h.remove(sub) }

	if h.subs[topic] == nil {
		h.subs[topic] = map[*subscription]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
	return sub, nil
}

// FailSubscribe makes subscriptions to topic fail with err. A nil err clears
// the failure.
func (h *Hub) FailSubscribe(topic string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.fail, topic)
		return
	}
	h.fail[topic] = err
}

// Disconnect ends every subscription to topic with err.
func (h *Hub) Disconnect(topic string, err error) {
	for _, sub := range h.snapshot(topic) {
		sub.end(err)
	}
}

// Subscribers returns the number of live subscriptions to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Publish routes a row change to matching subscriptions.
func (h *Hub) Publish(t types.EntityType, op Operation, record, old json.RawMessage) {
	schema, err := types.Lookup(t)
	if err != nil {
		h.log.Warn().Err(err).Msg("dropping change for unknown type")
		return
	}

	row := record
	if op == OpDelete || len(row) == 0 {
		row = old
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		h.log.Warn().Err(err).Str("type", string(t)).Msg("dropping undecodable change")
		return
	}

	now := h.clock()
	for _, sub := range h.all() {
		for _, b := range sub.bindings {
			if b.Type != t {
				continue
			}
			resolved, err := b.Filter.Resolve(schema)
			if err != nil || !resolved.Match(fields) {
				continue
			}
			sub.deliverChange(Change{
				Topic:      sub.topic,
				Type:       t,
				Operation:  op,
				Record:     record,
				OldRecord:  old,
				CommitTime: now,
			})
			break
		}
	}
}

// Feed adapts a remote.Memory change callback onto Publish.
func (h *Hub) Feed(c remote.RowChange) {
	h.Publish(c.Type, Operation(c.Op), c.Record, c.Old)
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var subs []*subscription
	for _, set := range h.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrClosed)
	}
	return nil
}

func (h *Hub) relay(from *subscription, b Broadcast) {
	for _, sub := range h.snapshot(b.Topic) {
		if sub != from {
			sub.deliverBroadcast(b)
		}
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.topic)
		}
	}
}

func (h *Hub) snapshot(topic string) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscription, 0, len(h.subs[topic]))
	for sub := range h.subs[topic] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) all() []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*subscription
	for _, set := range h.subs {
		for sub := range set {
			out = append(out, sub)
		}
	}
	return out
}
