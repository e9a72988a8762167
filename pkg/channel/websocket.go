package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/billm/switchboard/pkg/types"
)

const (
	defaultWriteWait = 10 * time.Second
	inboxSize        = 64
)

// WebSocketOptions tunes a WebSocket channel.
type WebSocketOptions struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings when positive. The read deadline
	// is then extended on every pong to twice the interval.
	PingInterval time.Duration
}

type inbound struct {
	msg *types.Message
	err error
}

// WebSocket is a Channel over a gorilla/websocket connection carrying JSON
// text frames.
type WebSocket struct {
	id   string
	conn *websocket.Conn
	opts WebSocketOptions

	writeMu sync.Mutex
	inbox   chan inbound
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	readErr   error
}

// NewWebSocket wraps conn. The connection is owned by the returned channel.
func NewWebSocket(conn *websocket.Conn, opts WebSocketOptions) *WebSocket {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	ws := &WebSocket{
		id:    types.GenerateID().String(),
		conn:  conn,
		opts:  opts,
		inbox: make(chan inbound, inboxSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		wait := 2 * opts.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go ws.pingLoop()
	}

	go ws.readLoop()
	return ws
}

// ID returns the channel identifier
func (w *WebSocket) ID() string { return w.id }

// Done is closed once the connection is gone
func (w *WebSocket) Done() <-chan struct{} { return w.done }

// Send writes msg as a single JSON text frame.
func (w *WebSocket) Send(ctx context.Context, msg *types.Message) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode message", err)
	}

	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write frame", err)
	}
	return nil
}

// Receive returns the next decoded frame.
func (w *WebSocket) Receive(ctx context.Context) (*types.Message, error) {
	select {
	case in, ok := <-w.inbox:
		if !ok {
			return nil, w.closedErr()
		}
		return in.msg, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a normal close frame and closes the connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		close(w.stop)
		err = w.conn.Close()
	})
	<-w.done
	return err
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	defer close(w.inbox)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.readErr = err
			w.closeOnce.Do(func() { w.conn.Close() })
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if !w.deliver(inbound{err: types.WrapError(types.ErrCodeInvalid, "malformed frame", err)}) {
				return
			}
			continue
		}
		if !w.deliver(inbound{msg: &msg}) {
			return
		}
	}
}

func (w *WebSocket) deliver(in inbound) bool {
	select {
	case w.inbox <- in:
		return true
	case <-w.stop:
		return false
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) closedErr() error {
	if w.readErr != nil && !websocket.IsCloseError(w.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return types.WrapError(types.ErrCodeUnavailable, "channel closed", w.readErr)
	}
	return ErrClosed
}
