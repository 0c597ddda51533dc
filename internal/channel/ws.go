package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

// Frame types of the wire protocol.
const (
	FrameSubscribe   = "subscribe"
	FrameSubscribed  = "subscribed"
	FrameError       = "error"
	FrameChange      = "change"
	FrameBroadcast   = "broadcast"
	FrameUnsubscribe = "unsubscribe"
)

// Frame is one JSON message on the websocket, in either direction.
type Frame struct {
	Type     string          `json:"type"`
	Ref      string          `json:"ref,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Bindings []WireBinding   `json:"bindings,omitempty"`
	Message  string          `json:"message,omitempty"`
	Table    string          `json:"table,omitempty"`
	Op       Operation       `json:"operation,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
	Old      json.RawMessage `json:"old_record,omitempty"`
	Commit   *time.Time      `json:"commit_timestamp,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// WireBinding is a Binding as sent to the server: a table name and a
// PostgREST-style filter such as "room_id=eq.r1".
type WireBinding struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// EncodeBinding converts a Binding to its wire form.
func EncodeBinding(b Binding) (WireBinding, error) {
	schema, err := types.Lookup(b.Type)
	if err != nil {
		return WireBinding{}, err
	}
	resolved, err := b.Filter.Resolve(schema)
	if err != nil {
		return WireBinding{}, err
	}
	return WireBinding{Table: schema.Table, Filter: remote.EncodeQuery(resolved).Encode()}, nil
}

// WSConfig configures a websocket channel client.
type WSConfig struct {
	URL string
	// APIKey is sent as the apikey header.
	APIKey string
	Tokens remote.TokenSource
	Logger zerolog.Logger
	// WriteTimeout bounds each frame write. Default 10s.
	WriteTimeout time.Duration
}

// WSClient is a Channel over a websocket connection.
type WSClient struct {
	conn         *websocket.Conn
	log          zerolog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	repliesMu sync.Mutex
	replies   map[string]chan Frame

	subsMu sync.RWMutex
	subs   map[string]*subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ Channel = (*WSClient)(nil)

// Dial connects to the event channel server.
func Dial(ctx context.Context, cfg WSConfig) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime URL is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("apikey", cfg.APIKey)
	}
	if cfg.Tokens != nil {
		token, err := cfg.Tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:         conn,
		log:          cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		replies:      map[string]chan Frame{},
		subs:         map[string]*subscription{},
		ctx:          cctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe implements Channel.
func (c *WSClient) Subscribe(ctx context.Context, topic string, bindings ...Binding) (Subscription, error) {
	wire := make([]WireBinding, 0, len(bindings))
	for _, b := range bindings {
		wb, err := EncodeBinding(b)
		if err != nil {
			return nil, fmt.Errorf("invalid binding for %s: %w", topic, err)
		}
		wire = append(wire, wb)
	}

	sub := newSubscription(topic, bindings)
	sub.send = func(ctx context.Context, b Broadcast) error {
		return c.write(ctx, Frame{Type: FrameBroadcast, Topic: b.Topic, Event: b.Event, Payload: b.Payload})
	}
	sub.release = func() {
		c.subsMu.Lock()
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
		c.subsMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.write(ctx, Frame{Type: FrameUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Debug().Err(err).Str("topic", topic).Msg("unsubscribe failed")
		}
	}

	c.subsMu.Lock()
	if _, exists := c.subs[topic]; exists {
		c.subsMu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", topic)
	}
	c.subs[topic] = sub
	c.subsMu.Unlock()

	ref := uuid.NewString()
	reply := make(chan Frame, 1)
	c.repliesMu.Lock()
	c.replies[ref] = reply
	c.repliesMu.Unlock()
	defer func() {
		c.repliesMu.Lock()
		delete(c.replies, ref)
		c.repliesMu.Unlock()
	}()

	fail := func(err error) (Subscription, error) {
		c.subsMu.Lock()
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
		c.subsMu.Unlock()
		sub.detach()
		sub.end(err)
		return nil, err
	}

	if err := c.write(ctx, Frame{Type: FrameSubscribe, Ref: ref, Topic: topic, Bindings: wire}); err != nil {
		return fail(fmt.Errorf("failed to subscribe to %s: %w", topic, err))
	}

	select {
	case f := <-reply:
		if f.Type == FrameError {
			return fail(fmt.Errorf("%w: %s: %s", ErrRejected, topic, f.Message))
		}
		return sub, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-c.done:
		return fail(c.closedErr())
	}
}

// Close ends every subscription and closes the connection.
func (c *WSClient) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.shutdown(ErrClosed)
	if err != nil && websocket.CloseStatus(err) == -1 {
		c.log.Debug().Err(err).Msg("websocket close")
	}
	return nil
}

// Done is closed when the connection ends.
func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) write(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

func (c *WSClient) readLoop() {
	for {
		var f Frame
		if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		c.dispatch(f)
	}
}

func (c *WSClient) dispatch(f Frame) {
	switch f.Type {
	case FrameSubscribed, FrameError:
		if f.Ref != "" {
			c.repliesMu.Lock()
			reply, ok := c.replies[f.Ref]
			c.repliesMu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
				return
			}
		}
		if f.Type == FrameError {
			c.log.Warn().Str("topic", f.Topic).Str("message", f.Message).Msg("channel error")
			if sub := c.lookup(f.Topic); sub != nil {
				sub.end(fmt.Errorf("%w: %s", ErrRejected, f.Message))
			}
		}

	case FrameChange:
		sub := c.lookup(f.Topic)
		if sub == nil {
			return
		}
		schema, err := types.LookupTable(f.Table)
		if err != nil {
			c.log.Warn().Err(err).Str("topic", f.Topic).Msg("dropping change")
			return
		}
		ch := Change{
			Topic:     f.Topic,
			Type:      schema.Type,
			Operation: f.Op,
			Record:    f.Record,
			OldRecord: f.Old,
		}
		if f.Commit != nil {
			ch.CommitTime = *f.Commit
		}
		sub.deliverChange(ch)

	case FrameBroadcast:
		if sub := c.lookup(f.Topic); sub != nil {
			sub.deliverBroadcast(Broadcast{Topic: f.Topic, Event: f.Event, Payload: f.Payload})
		}

	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
	}
}

func (c *WSClient) lookup(topic string) *subscription {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[topic]
}

func (c *WSClient) closedErr() error {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// shutdown ends the client once. Subscriptions end with err.
func (c *WSClient) shutdown(err error) {
	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		return
	default:
	}
	c.err = err
	close(c.done)
	subs := make([]*subscription, 0, len(c.subs))
	for topic, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.detach()
		sub.end(err)
	}
}
