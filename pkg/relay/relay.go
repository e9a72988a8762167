package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

// Topic is the topic inbound frames and status changes are published on.
const Topic = "websocket"

// State is the relay connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is the payload published on Topic when the connection changes.
type Status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Publisher delivers a payload to a topic
type Publisher func(ctx context.Context, topic string, payload any) int

// Options configures a Relay
type Options struct {
	// Endpoint resolves the URL to dial. It is called on every attempt.
	Endpoint func() string
	// Publish receives status changes and inbound frames.
	Publish Publisher
	// Backoff yields the delay before each reconnect attempt. It is Reset
	// after every successful connect. Returning backoff.Stop leaves the
	// relay disconnected until the next Connect.
	Backoff      backoff.BackOff
	Dialer       *websocket.Dialer
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *logger.Logger
}

// Relay owns the single outbound socket connection. Only one connection
// exists at a time; a reconnect replaces it.
type Relay struct {
	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	epoch   uint64
	timer   *time.Timer
	backoff backoff.BackOff
	closed  bool

	writeMu sync.Mutex
	wg      sync.WaitGroup

	endpoint     func() string
	publish      Publisher
	dialer       *websocket.Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *logger.Logger

	attempts   int64
	reconnects int64
}

// Stats reports relay activity
type Stats struct {
	State      State  `json:"state"`
	Attempts   int64  `json:"attempts"`
	Reconnects int64  `json:"reconnects"`
	Endpoint   string `json:"endpoint"`
}

// New creates a disconnected relay
func New(opts Options) (*Relay, error) {
	if opts.Endpoint == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "relay endpoint resolver is required")
	}
	if opts.Publish == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "relay publisher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewConstantBackOff(config.DefaultReconnectDelay)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Relay{
		state:        StateDisconnected,
		backoff:      opts.Backoff,
		endpoint:     opts.Endpoint,
		publish:      opts.Publish,
		dialer:       opts.Dialer,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With("component", "relay"),
	}, nil
}

// NewBackOff builds the reconnect policy described by cfg.
func NewBackOff(cfg config.RelayConfig) backoff.BackOff {
	if cfg.ReconnectStrategy == "exponential" {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(cfg.ReconnectDelay),
			backoff.WithMaxInterval(cfg.MaxReconnectDelay),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return backoff.NewConstantBackOff(cfg.ReconnectDelay)
}

// Connect starts a connection attempt unless one is open or in progress.
func (r *Relay) Connect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.state != StateDisconnected {
		return
	}
	r.startLocked()
}

func (r *Relay) startLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.epoch++
	r.state = StateConnecting
	atomic.AddInt64(&r.attempts, 1)

	r.wg.Add(1)
	go r.dial(r.epoch)
}

func (r *Relay) dial(epoch uint64) {
	defer r.wg.Done()

	url := r.endpoint()
	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
	conn, _, err := r.dialer.DialContext(ctx, url, nil)
	cancel()

	r.mu.Lock()
	if epoch != r.epoch {
		// closed or superseded while dialing
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		r.state = StateDisconnected
		r.scheduleLocked(epoch)
		r.mu.Unlock()

		r.logger.Warn("Upstream connect failed", "url", url, "error", err)
		r.emit(Status{Status: "error", Error: err.Error()})
		r.emit(Status{Status: "disconnected"})
		return
	}
	r.conn = conn
	r.state = StateConnected
	r.backoff.Reset()
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Upstream connected", "url", url)
	r.emit(Status{Status: "connected"})
	go r.readLoop(epoch, conn)
}

func (r *Relay) readLoop(epoch uint64, conn *websocket.Conn) {
	defer r.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.dropped(epoch, conn, err)
			return
		}
		if !json.Valid(data) {
			r.logger.Warn("Dropping malformed upstream frame", "size", len(data))
			continue
		}
		r.publish(context.Background(), Topic, json.RawMessage(data))
	}
}

func (r *Relay) dropped(epoch uint64, conn *websocket.Conn, err error) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.state = StateDisconnected
	r.scheduleLocked(epoch)
	r.mu.Unlock()

	conn.Close()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		r.logger.Warn("Upstream connection lost", "error", err)
		r.emit(Status{Status: "error", Error: err.Error()})
	} else {
		r.logger.Info("Upstream closed the connection")
	}
	r.emit(Status{Status: "disconnected"})
}

func (r *Relay) scheduleLocked(epoch uint64) {
	if r.closed {
		return
	}
	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		r.logger.Warn("Reconnect policy exhausted, staying disconnected")
		return
	}
	r.logger.Debug("Reconnect scheduled", "delay", delay.String())
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || epoch != r.epoch || r.state != StateDisconnected {
			return
		}
		atomic.AddInt64(&r.reconnects, 1)
		r.startLocked()
	})
}

// Send writes payload to the upstream as a JSON text frame. It fails unless
// the relay is connected.
func (r *Relay) Send(ctx context.Context, payload any) error {
	r.mu.Lock()
	conn := r.conn
	connected := r.state == StateConnected
	r.mu.Unlock()

	if !connected || conn == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "websocket is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode upstream payload", err)
	}

	deadline := time.Now().Add(r.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "upstream write failed", err)
	}
	return nil
}

// Close drops the connection without scheduling a reconnect and reports
// whether there was anything to close.
func (r *Relay) Close() bool {
	r.mu.Lock()
	had := r.state != StateDisconnected
	conn := r.conn
	r.epoch++
	r.conn = nil
	r.state = StateDisconnected
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	if conn != nil {
		r.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		conn.Close()
	}
	if had {
		r.logger.Info("Upstream connection closed")
		r.emit(Status{Status: "disconnected"})
	}
	return had
}

// Shutdown closes the relay for good and waits for its goroutines.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.Close()
	r.wg.Wait()
}

// State returns the current connection state
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns relay statistics
func (r *Relay) Stats() Stats {
	return Stats{
		State:      r.State(),
		Attempts:   atomic.LoadInt64(&r.attempts),
		Reconnects: atomic.LoadInt64(&r.reconnects),
		Endpoint:   r.endpoint(),
	}
}

func (r *Relay) emit(s Status) {
	r.publish(context.Background(), Topic, s)
}
