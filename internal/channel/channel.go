// Package channel is the push-based event channel client.
//
// A Channel multiplexes topic subscriptions. Each subscription carries one
// or more table bindings, each filtered to a set of rows, and delivers
// row changes for those bindings plus ephemeral broadcasts (typing,
// presence) exchanged by clients on the same topic.
//
// Two implementations are provided: WSClient speaks JSON frames over a
// websocket, Hub routes in process and is fed by the in-memory remote.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

var (
	// ErrClosed is returned once a channel or subscription is closed.
	ErrClosed = errors.New("channel: closed")
	// ErrRejected is returned when the server refuses a subscription.
	ErrRejected = errors.New("channel: subscription rejected")
)

// Operation is the kind of row change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Binding selects the rows of one table a subscription receives.
type Binding struct {
	Type   types.EntityType
	Filter filter.Filter
}

// Change is a row change delivered to a subscription. Record is empty for
// deletes; OldRecord is set for updates and deletes when known.
type Change struct {
	Topic      string
	Type       types.EntityType
	Operation  Operation
	Record     json.RawMessage
	OldRecord  json.RawMessage
	CommitTime time.Time
}

// Broadcast is an ephemeral client-to-client message on a topic.
type Broadcast struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Subscription is one confirmed topic subscription.
//
// Changes and Broadcasts are never closed; readers select on Done, after
// which Err reports why the subscription ended.
type Subscription interface {
	Topic() string
	Changes() <-chan Change
	Broadcasts() <-chan Broadcast
	Done() <-chan struct{}
	Err() error
	// Send broadcasts an event to the other subscribers of the topic.
	Send(ctx context.Context, event string, payload any) error
	Close() error
}

// Channel opens subscriptions.
type Channel interface {
	// Subscribe blocks until the subscription is confirmed or rejected.
	Subscribe(ctx context.Context, topic string, bindings ...Binding) (Subscription, error)
	Close() error
}

const subscriptionBuffer = 256

// subscription is the Subscription shared by both implementations.
type subscription struct {
	topic      string
	bindings   []Binding
	changes    chan Change
	broadcasts chan Broadcast
	done       chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error

	send    func(ctx context.Context, b Broadcast) error
	release func()
}

func newSubscription(topic string, bindings []Binding) *subscription {
	return &subscription{
		topic:      topic,
		bindings:   bindings,
		changes:    make(chan Change, subscriptionBuffer),
		broadcasts: make(chan Broadcast, subscriptionBuffer),
		done:       make(chan struct{}),
	}
}

func (s *subscription) Topic() string                { return s.topic }
func (s *subscription) Changes() <-chan Change       { return s.changes }
func (s *subscription) Broadcasts() <-chan Broadcast { return s.broadcasts }
func (s *subscription) Done() <-chan struct{}        { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Send(ctx context.Context, event string, payload any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.send(ctx, Broadcast{Topic: s.topic, Event: event, Payload: data})
}

func (s *subscription) Close() error {
	s.end(ErrClosed)
	return nil
}

// end terminates the subscription once with err.
func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		release := s.release
		s.mu.Unlock()
		close(s.done)
		if release != nil {
			release()
		}
	})
}

// detach drops the release hook, for owners that already forgot the
// subscription.
func (s *subscription) detach() {
	s.mu.Lock()
	s.release = nil
	s.mu.Unlock()
}

func (s *subscription) deliverChange(c Change) bool {
	select {
	case s.changes <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) deliverBroadcast(b Broadcast) bool {
	select {
	case s.broadcasts <- b:
		return true
	case <-s.done:
		return false
	default:
		// Broadcasts are ephemeral; a slow reader loses them.
		return false
	}
}
