// Package client is the client half of the switchboard protocol: it owns one
// channel to the broker, correlates requests with their responses and fans
// topic pushes out to local listeners.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/dispatch"
	"github.com/billm/switchboard/pkg/types"
)

// Dialer opens a new channel to the broker
type Dialer func(ctx context.Context) (channel.Channel, error)

// Listener receives the payload of every push on a topic. Listeners run on
// the client's receive goroutine and must not block.
type Listener func(payload json.RawMessage)

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the default request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.logger = log
		}
	}
}

// pendingCall is one request awaiting its response. It is settled exactly
// once by whoever removes it from the pending table.
type pendingCall struct {
	command string
	timer   *time.Timer
	result  chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Client talks to one broker over one channel
type Client struct {
	dial    Dialer
	timeout time.Duration
	logger  *logger.Logger

	// subMu serializes dials and orders listener-map changes with the
	// subscribe and unsubscribe frames they cause.
	subMu sync.Mutex

	mu         sync.Mutex
	ch         channel.Channel
	pending    map[string]*pendingCall
	listeners  map[string][]listenerEntry
	nextListen uint64
	closed     bool

	wg sync.WaitGroup
}

// New creates a client. No channel is opened until first use.
func New(dial Dialer, opts ...Option) (*Client, error) {
	if dial == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "dialer is required")
	}
	c := &Client{
		dial:      dial,
		timeout:   config.DefaultRequestTimeout,
		logger:    logger.NewNop(),
		pending:   make(map[string]*pendingCall),
		listeners: make(map[string][]listenerEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c, nil
}

// DialWebSocket returns a Dialer for a broker listening at url.
func DialWebSocket(url string, opts channel.WebSocketOptions) Dialer {
	return func(ctx context.Context) (channel.Channel, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to broker at "+url, err)
		}
		return channel.NewWebSocket(conn, opts), nil
	}
}

// Connect returns the open channel, dialing one if needed. Calling it again
// while connected returns the same channel. After a channel is lost the next
// Connect dials again and re-subscribes every topic that still has listeners.
func (c *Client) Connect(ctx context.Context) (channel.Channel, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.connect(ctx)
}

// connect is Connect for callers already holding subMu.
func (c *Client) connect(ctx context.Context) (channel.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if c.ch != nil {
		ch := c.ch
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	ch, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return nil, types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	c.ch = ch
	topics := make([]string, 0, len(c.listeners))
	for topic := range c.listeners {
		topics = append(topics, topic)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.demux(ch)

	sort.Strings(topics)
	for _, topic := range topics {
		if err := ch.Send(ctx, types.NewSubscribe(topic)); err != nil {
			c.logger.Warn("Failed to restore subscription", "topic", topic, "error", err)
		}
	}

	c.logger.Debug("Connected to broker", "channel_id", ch.ID(), "topics", len(topics))
	return ch, nil
}

// demux is the single inbound handler for a channel.
func (c *Client) demux(ch channel.Channel) {
	defer c.wg.Done()

	for {
		msg, err := ch.Receive(context.Background())
		if err != nil {
			if channel.IsMalformed(err) {
				c.logger.Warn("Dropping malformed frame", "error", err)
				continue
			}
			c.lost(ch, err)
			return
		}

		switch {
		case msg.IsResponse():
			c.resolve(msg)
		case msg.IsPush():
			c.deliver(msg.Topic, msg.Payload)
		default:
			c.logger.Debug("Ignoring unexpected frame", "type", msg.Type, "topic", msg.Topic)
		}
	}
}

func (c *Client) resolve(msg *types.Message) {
	p := c.take(msg.RequestID)
	if p == nil {
		c.logger.Warn("Response for unknown request", "request_id", msg.RequestID, "type", msg.Type)
		return
	}
	if msg.IsErrorResponse() {
		p.result <- callResult{err: types.NewError(types.ErrCodeHandlerFailed, msg.Error)}
		return
	}
	p.result <- callResult{payload: msg.Payload}
}

func (c *Client) deliver(topic string, payload json.RawMessage) {
	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[topic]...)
	c.mu.Unlock()

	for _, e := range entries {
		e.fn(payload)
	}
}

// lost rejects every pending request once the channel is gone.
func (c *Client) lost(ch channel.Channel, err error) {
	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	ch.Close()
	for id, p := range pending {
		p.timer.Stop()
		p.result <- callResult{err: types.WrapError(types.ErrCodeUnavailable,
			fmt.Sprintf("request %s (%s) lost its channel", p.command, id), err)}
	}
	if len(pending) > 0 || !c.isClosed() {
		c.logger.Info("Channel to broker lost", "channel_id", ch.ID(), "rejected", len(pending), "error", err)
	}
}

// take removes and returns the pending call for id, or nil if it was
// already settled.
func (c *Client) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// Call sends command with payload and waits for its response. A timeout of
// zero uses the client default. Exactly one of result or error is returned
// per request; a response arriving after the timeout is dropped.
func (c *Client) Call(ctx context.Context, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if command == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "command cannot be empty")
	}
	if strings.EqualFold(command, types.MessageTypeSubscribe) || strings.EqualFold(command, types.MessageTypeUnsubscribe) {
		return nil, types.NewError(types.ErrCodeInvalidArgument, command+" is not a request command")
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	ch, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}

	id := types.GenerateID()
	msg, err := types.NewRequest(command, id, payload)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{command: command, result: make(chan callResult, 1)}
	c.mu.Lock()
	c.pending[id.String()] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.take(id.String()) == nil {
			return
		}
		p.result <- callResult{err: types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("request %s timed out after %s", command, timeout))}
	})
	c.mu.Unlock()

	if err := ch.Send(ctx, msg); err != nil {
		if c.take(id.String()) != nil {
			p.timer.Stop()
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to send request", err)
		}
		// settled concurrently; fall through to read the outcome
	}

	select {
	case res := <-p.result:
		return res.payload, res.err
	case <-ctx.Done():
		if c.take(id.String()) != nil {
			p.timer.Stop()
			return nil, types.WrapError(types.ErrCodeCanceled, "request "+command+" canceled", ctx.Err())
		}
		res := <-p.result
		return res.payload, res.err
	}
}

// CallAs calls command and decodes the result into T.
func CallAs[T any](ctx context.Context, c *Client, command string, payload any, timeout time.Duration) (T, error) {
	var out T
	raw, err := c.Call(ctx, command, payload, timeout)
	if err != nil {
		return out, err
	}
	return dispatch.Decode[T](raw)
}

// Subscribe registers fn for pushes on topic and returns a function that
// removes it. The broker is told about a topic when its first local
// listener arrives and again when its last one leaves.
func (c *Client) Subscribe(ctx context.Context, topic string, fn Listener) (func(), error) {
	if topic == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "topic cannot be empty")
	}
	if fn == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "listener cannot be nil")
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	// Connect before registering so a fresh dial does not restore this topic
	// and then subscribe it a second time.
	ch, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextListen++
	id := c.nextListen
	first := len(c.listeners[topic]) == 0
	c.listeners[topic] = append(c.listeners[topic], listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	if first {
		if err := ch.Send(ctx, types.NewSubscribe(topic)); err != nil {
			c.dropListener(topic, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(topic, id) })
	}, nil
}

// dropListener removes one listener and reports whether the topic has none
// left, along with the current channel.
func (c *Client) dropListener(topic string, id uint64) (bool, channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.listeners[topic]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.listeners, topic)
		return true, c.ch
	}
	c.listeners[topic] = entries
	return false, c.ch
}

func (c *Client) removeListener(topic string, id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	last, ch := c.dropListener(topic, id)
	if !last || ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := ch.Send(ctx, types.NewUnsubscribe(topic)); err != nil {
		c.logger.Debug("Failed to send unsubscribe", "topic", topic, "error", err)
	}
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the channel and rejects every pending request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.wg.Wait()
	return nil
}
