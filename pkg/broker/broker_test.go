package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/client"
	"github.com/billm/switchboard/pkg/dispatch"
	"github.com/billm/switchboard/pkg/metrics"
	"github.com/billm/switchboard/pkg/relay"
	"github.com/billm/switchboard/pkg/store"
)

type harness struct {
	t      *testing.T
	broker *Broker
	fetch  atomic.Int32
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Poller.Interval = 20 * time.Millisecond
	cfg.Broker.WriteTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t}
	opts := Options{
		Config: cfg,
		Open:   store.OpenMemory(),
		FetchMetrics: func(context.Context) (any, error) {
			n := h.fetch.Add(1)
			return []metrics.Metric{{Key: "requests_total", Value: float64(n)}}, nil
		},
		RelayEndpoint: func() string { return "ws://127.0.0.1:1/unused" },
		RelayBackoff:  backoff.NewConstantBackOff(20 * time.Millisecond),
		Commands: map[string]dispatch.Handler{
			"echo": dispatch.HandlerFunc(func(_ context.Context, p json.RawMessage) (any, error) {
				return p, nil
			}),
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	h.broker = b
	return h
}

// connect attaches a client to the broker over an in-memory pipe.
func (h *harness) connect() *client.Client {
	h.t.Helper()
	c, err := client.New(func(context.Context) (channel.Channel, error) {
		clientEnd, brokerEnd := channel.Pipe()
		go h.broker.Serve(context.Background(), brokerEnd)
		return clientEnd, nil
	}, client.WithTimeout(2*time.Second))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

// inbox collects pushes for one topic.
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) listen(p json.RawMessage) {
	i.mu.Lock()
	i.msgs = append(i.msgs, string(p))
	i.mu.Unlock()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) hasJSON(want string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range i.msgs {
		var a, b any
		if json.Unmarshal([]byte(m), &a) != nil || json.Unmarshal([]byte(want), &b) != nil {
			continue
		}
		if assert.ObjectsAreEqual(a, b) {
			return true
		}
	}
	return false
}

func TestEchoRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	raw, err := c.Call(context.Background(), "echo", map[string]int{"x": 1}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(raw))
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	_, err := c.Call(context.Background(), "launch_rockets", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown request type: launch_rockets")
	assert.Equal(t, int64(1), h.broker.Stats().Failures)
}

func TestMissingBuiltinIsStartupError(t *testing.T) {
	_, err := New(Options{Config: testConfig(), Open: store.OpenMemory(), Commands: map[string]dispatch.Handler{
		dispatch.CommandPanel: nil,
	}})
	assert.Error(t, err)
}

func TestPollerRunsWhileSubscribed(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b := h.connect(), h.connect()

	var got inbox
	unsubA, err := a.Subscribe(ctx, TopicMetrics, got.listen)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.poller.Active(TopicMetrics) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return got.len() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, got.hasJSON(`[{"key":"requests_total","value":1}]`))

	unsubB, err := b.Subscribe(ctx, TopicMetrics, func(json.RawMessage) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.topics.Subscribers(TopicMetrics) == 2 }, time.Second, 5*time.Millisecond)

	unsubA()
	require.Eventually(t, func() bool { return h.broker.topics.Subscribers(TopicMetrics) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.broker.poller.Active(TopicMetrics))

	unsubB()
	require.Eventually(t, func() bool { return !h.broker.poller.Active(TopicMetrics) }, time.Second, 5*time.Millisecond)

	ticks := h.fetch.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, ticks, h.fetch.Load())
}

func TestChannelExitUnsubscribes(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	_, err := c.Subscribe(context.Background(), TopicMetrics, func(json.RawMessage) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.poller.Active(TopicMetrics) }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return !h.broker.poller.Active(TopicMetrics) && h.broker.Stats().Channels == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStatsReportsChannelsAndStore(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.broker.Stats().ChannelIDs) == 1 }, time.Second, 5*time.Millisecond)

	stats := h.broker.Stats()
	assert.Equal(t, 1, stats.Channels)
	assert.Equal(t, config.Default().Store.Collections, stats.StoreCollections)
	assert.Contains(t, stats.Commands, "echo")
}

func TestFetchMetricsCommand(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	got, err := client.CallAs[[]metrics.Metric](context.Background(), c, dispatch.CommandFetchMetrics, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "requests_total", got[0].Key)
}

// upstreamServer is a socket endpoint for the relay to dial.
type upstreamServer struct {
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	recv  chan string
}

func newUpstreamServer(t *testing.T) *upstreamServer {
	u := &upstreamServer{recv: make(chan string, 8)}
	up := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, conn)
		u.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			u.recv <- string(data)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstreamServer) url() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *upstreamServer) accepted() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.conns)
}

func (u *upstreamServer) latest() *websocket.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns[len(u.conns)-1]
}

func TestRelayFollowsWebSocketTopic(t *testing.T) {
	up := newUpstreamServer(t)
	h := newHarness(t, testConfig(), func(o *Options) {
		o.RelayEndpoint = up.url
	})
	ctx := context.Background()
	c := h.connect()

	var got inbox
	unsub, err := c.Subscribe(ctx, TopicWebSocket, got.listen)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.hasJSON(`{"status":"connected"}`) }, 2*time.Second, 5*time.Millisecond)

	// inbound frames are forwarded verbatim
	require.NoError(t, up.latest().WriteMessage(websocket.TextMessage, []byte(`{"event":"hello"}`)))
	require.Eventually(t, func() bool { return got.hasJSON(`{"event":"hello"}`) }, 2*time.Second, 5*time.Millisecond)

	// outbound through the command
	_, err = c.Call(ctx, dispatch.CommandSendWebSocket, map[string]string{"ping": "1"}, 0)
	require.NoError(t, err)
	select {
	case frame := <-up.recv:
		assert.JSONEq(t, `{"ping":"1"}`, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream did not receive frame")
	}

	// an unexpected drop is announced and followed by a reconnect
	up.latest().UnderlyingConn().Close()
	require.Eventually(t, func() bool { return got.hasJSON(`{"status":"disconnected"}`) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return up.accepted() == 2 && h.broker.relay.State() == relay.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// last subscriber leaving closes the relay for good
	unsub()
	require.Eventually(t, func() bool { return h.broker.relay.State() == relay.StateDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, up.accepted())
}

func TestSendWebSocketRequiresConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()

	_, err := c.Call(context.Background(), dispatch.CommandSendWebSocket, map[string]int{"x": 1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket is not connected")

	closed, err := client.CallAs[bool](context.Background(), c, dispatch.CommandCloseWebSocket, nil, 0)
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestStoreCommands(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	c := h.connect()

	var events inbox
	_, err := c.Subscribe(ctx, TopicDB, events.listen)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.topics.Subscribers(TopicDB) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Set(ctx, "meta", "theme", map[string]string{"mode": "dark"}))
	raw, err := c.Get(ctx, "meta", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"dark"}`, string(raw))

	require.NoError(t, c.Set(ctx, "meta", "a", 1))
	values, err := c.List(ctx, "meta")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.JSONEq(t, "1", string(values[0]))

	require.NoError(t, c.Delete(ctx, "meta", "theme"))
	raw, err = c.Get(ctx, "meta", "theme")
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	require.Eventually(t, func() bool {
		return events.hasJSON(`{"store":"meta","key":"theme","value":{"mode":"dark"}}`) &&
			events.hasJSON(`{"store":"meta","key":"theme","deleted":true}`)
	}, time.Second, 5*time.Millisecond)

	_, err = c.Get(ctx, "nope", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object store "nope" does not exist`)

	_, err = c.Call(ctx, dispatch.CommandDBGet, map[string]string{"store": "meta"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid store or key")
}

func TestPanelToggle(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, b := h.connect(), h.connect()

	var seen inbox
	_, err := b.Subscribe(ctx, TopicPanel, seen.listen)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.broker.topics.Subscribers(TopicPanel) == 1 }, time.Second, 5*time.Millisecond)

	steps := []struct {
		req  PanelRequest
		want PanelState
	}{
		{PanelRequest{Type: PanelToggle, ID: "settings"}, PanelState{Open: true, ID: "settings"}},
		{PanelRequest{Type: PanelToggle, ID: "settings"}, PanelState{Open: false, ID: "settings"}},
		{PanelRequest{Type: PanelToggle, ID: "profile"}, PanelState{Open: true, ID: "profile"}},
		{PanelRequest{Type: PanelToggle, ID: "settings"}, PanelState{Open: true, ID: "settings"}},
		{PanelRequest{Type: PanelClose, ID: "settings"}, PanelState{Open: false, ID: "settings"}},
		{PanelRequest{Type: PanelOpen, ID: "chat", Payload: json.RawMessage(`{"room":1}`)},
			PanelState{Open: true, ID: "chat", Payload: json.RawMessage(`{"room":1}`)}},
	}
	for _, step := range steps {
		got, err := client.CallAs[PanelState](ctx, a, dispatch.CommandPanel, step.req, 0)
		require.NoError(t, err)
		assert.Equal(t, step.want.Open, got.Open)
		assert.Equal(t, step.want.ID, got.ID)
		if step.want.Payload != nil {
			assert.JSONEq(t, string(step.want.Payload), string(got.Payload))
		}
	}
	require.Eventually(t, func() bool { return seen.len() == len(steps) }, time.Second, 5*time.Millisecond)

	_, err = a.Call(ctx, dispatch.CommandPanel, PanelRequest{Type: "explode"}, 0)
	assert.Error(t, err)
}

func TestSeedOnFirstConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Seed = true
	h := newHarness(t, cfg)
	ctx := context.Background()
	c := h.connect()

	require.Eventually(t, func() bool {
		raw, err := c.Get(ctx, "meta", seedMetaKey)
		return err == nil && string(raw) == "true"
	}, 2*time.Second, 10*time.Millisecond)

	servers, err := c.List(ctx, "jsonservers")
	require.NoError(t, err)
	assert.Len(t, servers, seedServerCount)

	cards, err := c.List(ctx, "htmlservers")
	require.NoError(t, err)
	require.Len(t, cards, seedServerCount)
	var card string
	require.NoError(t, json.Unmarshal(cards[0], &card))
	assert.Contains(t, card, `<a href="https://discord.gg/fakeinvite1"`)

	// a second seed is a no-op
	require.NoError(t, h.broker.Seed(ctx))
}

func TestSampleServers(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	servers := SampleServers(now)
	require.Len(t, servers, 20)

	first, second := servers[0], servers[1]
	assert.Equal(t, "server-1", first.ServerID)
	assert.Equal(t, 1, first.Lang)
	assert.Equal(t, 0, first.Status)
	assert.Nil(t, first.Website)
	assert.Equal(t, 2, first.Categories)
	assert.Equal(t, "2024-01-01T11:00:00Z", first.UpdatedAt)

	assert.Equal(t, 1, second.Status)
	require.NotNil(t, second.Website)
	assert.Equal(t, "https://server2.com", *second.Website)

	card, err := RenderServerCard(first)
	require.NoError(t, err)
	assert.Contains(t, card, "<h3 class=\"text-lg font-bold\">Server 1</h3>")
}

func TestCloseDisconnectsChannels(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.connect()
	_, err := c.Call(context.Background(), "echo", 1, 0)
	require.NoError(t, err)

	require.NoError(t, h.broker.Close())
	require.NoError(t, h.broker.Close())
	assert.Equal(t, 0, h.broker.Stats().Channels)

	a, b := channel.Pipe()
	defer a.Close()
	assert.Error(t, h.broker.Serve(context.Background(), b))
}
