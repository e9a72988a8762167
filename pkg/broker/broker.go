package broker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/dispatch"
	"github.com/billm/switchboard/pkg/metrics"
	"github.com/billm/switchboard/pkg/poller"
	"github.com/billm/switchboard/pkg/relay"
	"github.com/billm/switchboard/pkg/store"
	"github.com/billm/switchboard/pkg/topic"
	"github.com/billm/switchboard/pkg/types"
)

// Topics with built-in producers.
const (
	TopicMetrics   = "metrics"
	TopicWebSocket = relay.Topic
	TopicPanel     = "panel"
	TopicDB        = "db"
)

// Options configures a Broker. Only Config is required; the rest replace
// collaborators that are otherwise built from it.
type Options struct {
	Config *config.Config
	Logger *logger.Logger

	// Open replaces the store open primitive chosen by Config.Store.Driver.
	Open store.OpenFunc
	// FetchMetrics replaces the HTTP metrics fetch.
	FetchMetrics poller.FetchFunc
	// RelayEndpoint replaces the upstream socket URL resolver.
	RelayEndpoint func() string
	// RelayBackoff replaces the reconnect policy built from Config.Relay.
	RelayBackoff backoff.BackOff
	HTTPClient   *http.Client

	// Commands adds handlers beyond the built-in ones. A name that clashes
	// with a built-in command replaces it.
	Commands map[string]dispatch.Handler
}

// Broker is the single shared hub every client channel talks to. It owns
// the topic table, the pollers, the upstream relay and the store.
type Broker struct {
	cfg    *config.Config
	logger *logger.Logger

	registry *channel.Registry
	topics   *topic.Table
	poller   *poller.Scheduler
	relay    *relay.Relay
	store    *store.Facade
	commands *dispatch.Table
	panel    *panelState
	fetcher  *metrics.Fetcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	seedMu sync.Mutex
	seeded atomic.Bool

	requests atomic.Int64
	failures atomic.Int64
	dropped  atomic.Int64
}

// Stats reports broker activity
type Stats struct {
	Channels         int                   `json:"channels"`
	ChannelIDs       []string              `json:"channel_ids"`
	Topics           map[string]int        `json:"topics"`
	Poller           poller.SchedulerStats `json:"poller"`
	Relay            relay.Stats           `json:"relay"`
	StoreOpen        bool                  `json:"store_open"`
	StoreCollections []string              `json:"store_collections"`
	Commands         []string              `json:"commands"`
	Requests         int64                 `json:"requests"`
	Failures         int64                 `json:"failures"`
	Dropped          int64                 `json:"dropped"`
}

// New builds a broker and every component it owns. Nothing touches the
// network or disk until the first channel asks for it.
func New(opts Options) (*Broker, error) {
	if opts.Config == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config is required")
	}
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	b := &Broker{
		cfg:      cfg,
		logger:   log.With("component", "broker"),
		registry: channel.NewRegistry(cfg.Broker.MaxChannels),
		panel:    &panelState{},
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.topics = topic.NewTable(log,
		topic.WithActivator(b),
		topic.WithSendTimeout(cfg.Broker.WriteTimeout))

	var err error
	b.poller, err = poller.New(cfg.Poller, b.topics.Broadcast, log)
	if err != nil {
		return nil, err
	}

	fetch := opts.FetchMetrics
	if fetch == nil {
		b.fetcher = metrics.NewFetcher(cfg.Upstream.ResolveMetricsURL(), cfg.Poller.MetricLimit, opts.HTTPClient)
		fetch = func(ctx context.Context) (any, error) { return b.fetcher.Fetch(ctx) }
		b.logger.Debug("Metrics fetcher configured", "url", b.fetcher.URL())
	}
	if err := b.poller.Register(TopicMetrics, fetch); err != nil {
		return nil, err
	}

	endpoint := opts.RelayEndpoint
	if endpoint == nil {
		upstream := cfg.Upstream
		endpoint = upstream.ResolveWebSocketURL
	}
	bo := opts.RelayBackoff
	if bo == nil {
		bo = relay.NewBackOff(cfg.Relay)
	}
	b.relay, err = relay.New(relay.Options{
		Endpoint:     endpoint,
		Publish:      b.topics.Broadcast,
		Backoff:      bo,
		DialTimeout:  cfg.Relay.DialTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	open := opts.Open
	if open == nil {
		open, err = store.OpenerFor(cfg.Store, log)
		if err != nil {
			return nil, err
		}
	}
	b.store, err = store.NewFacade(store.Options{
		Name:        cfg.Store.Name,
		Version:     cfg.Store.Version,
		Collections: cfg.Store.Collections,
		Open:        open,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	handlers := b.builtinHandlers(fetch)
	for name, h := range opts.Commands {
		handlers[name] = h
	}
	b.commands, err = dispatch.NewTable(handlers, dispatch.Commands, log)
	if err != nil {
		return nil, err
	}

	b.logger.Info("Broker initialized",
		"store_driver", cfg.Store.Driver,
		"commands", len(handlers),
		"poll_interval", cfg.Poller.Interval.String())
	return b, nil
}

// TopicSubscribed starts the resource behind a topic when it gains its
// first subscriber. The relay is nudged on every websocket subscribe so a
// subscriber can revive a relay whose reconnect policy gave up.
func (b *Broker) TopicSubscribed(name string, first bool) {
	if b.poller.Has(name) {
		if first {
			b.poller.Start(name)
		}
		return
	}
	if name == TopicWebSocket {
		b.relay.Connect()
	}
}

// TopicEmptied stops the resource behind a topic once nobody listens.
func (b *Broker) TopicEmptied(name string) {
	if b.poller.Has(name) {
		b.poller.Stop(name)
		return
	}
	if name == TopicWebSocket {
		b.relay.Close()
	}
}

// Serve runs the demultiplexer for one channel until the channel closes or
// ctx is canceled. The channel is registered for its lifetime and removed
// from every topic on exit. Requests run concurrently; Serve waits for
// them before returning.
func (b *Broker) Serve(ctx context.Context, ch channel.Channel) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch.Close()
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	if err := b.registry.Add(ch); err != nil {
		ch.Close()
		return err
	}

	log := b.logger.With("channel_id", ch.ID())
	log.Info("Channel connected", "channels", b.registry.Len())

	serveCtx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		left := b.topics.UnsubscribeAll(ch)
		b.registry.Remove(ch.ID())
		ch.Close()
		log.Info("Channel disconnected", "topics", left, "channels", b.registry.Len())
	}()

	b.seedAsync()

	for {
		msg, err := ch.Receive(serveCtx)
		if err != nil {
			if channel.IsMalformed(err) {
				b.dropped.Add(1)
				log.Warn("Dropping malformed frame", "error", err)
				continue
			}
			if serveCtx.Err() != nil {
				return nil
			}
			log.Debug("Channel receive ended", "error", err)
			return nil
		}

		switch msg.Type {
		case types.MessageTypeSubscribe:
			if _, err := b.topics.Subscribe(ch, msg.Topic); err != nil {
				log.Warn("Subscribe rejected", "topic", msg.Topic, "error", err)
			}
		case types.MessageTypeUnsubscribe:
			b.topics.Unsubscribe(ch, msg.Topic)
		default:
			if msg.RequestID == "" {
				b.dropped.Add(1)
				log.Debug("Dropping frame without requestId", "type", msg.Type)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				b.handleRequest(serveCtx, ch, msg)
			}()
		}
	}
}

func (b *Broker) handleRequest(ctx context.Context, ch channel.Channel, msg *types.Message) {
	b.requests.Add(1)
	start := time.Now()

	hctx := ctx
	if b.cfg.Broker.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, b.cfg.Broker.HandlerTimeout)
		defer cancel()
	}

	result, err := b.commands.Dispatch(hctx, msg.Type, msg.Payload)
	var reply *types.Message
	if err == nil {
		reply, err = types.NewResult(msg.Type, msg.RequestID, result)
	}
	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("Request failed",
			"type", msg.Type,
			"request_id", msg.RequestID,
			"channel_id", ch.ID(),
			"error", err)
		reply = types.NewErrorResult(msg.Type, msg.RequestID, err)
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Broker.WriteTimeout)
	defer cancel()
	if err := ch.Send(sendCtx, reply); err != nil {
		b.logger.Debug("Failed to deliver response",
			"type", msg.Type,
			"request_id", msg.RequestID,
			"error", err)
		return
	}

	b.logger.Debug("Request handled",
		"type", msg.Type,
		"request_id", msg.RequestID,
		"duration", time.Since(start).String())
}

// Reconfigure applies the settings that may change while running.
func (b *Broker) Reconfigure(cfg *config.Config) {
	if cfg.Poller.Interval > 0 && cfg.Poller.Interval != b.cfg.Poller.Interval {
		b.poller.SetInterval(cfg.Poller.Interval)
		b.logger.Info("Poll interval updated", "interval", cfg.Poller.Interval.String())
	}
}

// Stats returns broker statistics
func (b *Broker) Stats() Stats {
	topics := make(map[string]int)
	for _, name := range b.topics.Topics() {
		topics[name] = b.topics.Subscribers(name)
	}
	ids := b.registry.IDs()
	return Stats{
		Channels:         len(ids),
		ChannelIDs:       ids,
		Topics:           topics,
		Poller:           b.poller.Stats(),
		Relay:            b.relay.Stats(),
		StoreOpen:        b.store.Opened(),
		StoreCollections: b.store.Collections(),
		Commands:         b.commands.Names(),
		Requests:         b.requests.Load(),
		Failures:         b.failures.Load(),
		Dropped:          b.dropped.Load(),
	}
}

// Close disconnects every channel, then stops the pollers, the relay and
// the store, in that order.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.registry.CloseAll()
	b.wg.Wait()

	var errs []error
	if err := b.poller.Close(); err != nil {
		errs = append(errs, err)
	}
	b.relay.Shutdown()
	if err := b.store.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("Broker closed")
	if len(errs) > 0 {
		return types.WrapError(types.ErrCodeInternal, "broker close failed", errs[0])
	}
	return nil
}
