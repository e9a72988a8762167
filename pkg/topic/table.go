package topic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/types"
)

const defaultSendTimeout = 5 * time.Second

// Activator is notified when a topic's subscriber set changes shape. It is
// how pollers and the relay are started and stopped with their topic.
//
// Hooks run after the table is updated and outside its lock, so they may
// Broadcast. They must not call Subscribe or Unsubscribe.
type Activator interface {
	// TopicSubscribed is called for every new (channel, topic) membership.
	// first is true when the topic had no subscribers before.
	TopicSubscribed(topic string, first bool)
	// TopicEmptied is called when the last subscriber leaves a topic.
	TopicEmptied(topic string)
}

// Table maps topic names to the set of subscribed channels.
type Table struct {
	// opMu serializes membership changes together with their hooks so that
	// resource start/stop transitions are strictly ordered.
	opMu sync.Mutex

	mu     sync.RWMutex
	topics map[string]map[string]channel.Channel

	activator   Activator
	sendTimeout time.Duration
	logger      *logger.Logger
}

// Option configures a Table
type Option func(*Table)

// WithActivator installs lifecycle hooks
func WithActivator(a Activator) Option {
	return func(t *Table) { t.activator = a }
}

// WithSendTimeout bounds each per-channel push during Broadcast
func WithSendTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.sendTimeout = d
		}
	}
}

// NewTable creates an empty subscription table
func NewTable(log *logger.Logger, opts ...Option) *Table {
	if log == nil {
		log = logger.NewNop()
	}
	t := &Table{
		topics:      make(map[string]map[string]channel.Channel),
		sendTimeout: defaultSendTimeout,
		logger:      log.With("component", "topic_table"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe adds ch to topic. Subscribing twice is a no-op and reports false.
func (t *Table) Subscribe(ch channel.Channel, topic string) (bool, error) {
	if topic == "" {
		return false, types.NewError(types.ErrCodeInvalidArgument, "topic cannot be empty")
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	subs, ok := t.topics[topic]
	if !ok {
		subs = make(map[string]channel.Channel)
		t.topics[topic] = subs
	}
	if _, dup := subs[ch.ID()]; dup {
		t.mu.Unlock()
		return false, nil
	}
	first := len(subs) == 0
	subs[ch.ID()] = ch
	t.mu.Unlock()

	t.logger.Debug("Channel subscribed", "topic", topic, "channel_id", ch.ID(), "first", first)

	if t.activator != nil {
		t.activator.TopicSubscribed(topic, first)
	}
	return true, nil
}

// Unsubscribe removes ch from topic and reports whether it was subscribed.
func (t *Table) Unsubscribe(ch channel.Channel, topic string) bool {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.unsubscribeLocked(ch.ID(), topic)
}

// UnsubscribeAll removes ch from every topic and returns the topics it left.
// Used when a channel disappears.
func (t *Table) UnsubscribeAll(ch channel.Channel) []string {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	var joined []string
	for topic, subs := range t.topics {
		if _, ok := subs[ch.ID()]; ok {
			joined = append(joined, topic)
		}
	}
	t.mu.RUnlock()
	sort.Strings(joined)

	for _, topic := range joined {
		t.unsubscribeLocked(ch.ID(), topic)
	}
	return joined
}

func (t *Table) unsubscribeLocked(id, topic string) bool {
	t.mu.Lock()
	subs, ok := t.topics[topic]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if _, member := subs[id]; !member {
		t.mu.Unlock()
		return false
	}
	delete(subs, id)
	emptied := len(subs) == 0
	if emptied {
		delete(t.topics, topic)
	}
	t.mu.Unlock()

	t.logger.Debug("Channel unsubscribed", "topic", topic, "channel_id", id, "emptied", emptied)

	if emptied && t.activator != nil {
		t.activator.TopicEmptied(topic)
	}
	return true
}

// Broadcast pushes {topic, payload} to the subscribers of topic as they were
// when Broadcast was called. A channel that unsubscribes after the snapshot
// may still receive this push. Returns the number of successful deliveries.
func (t *Table) Broadcast(ctx context.Context, topic string, payload any) int {
	targets := t.snapshot(topic)
	if len(targets) == 0 {
		return 0
	}

	msg, err := types.NewPush(topic, payload)
	if err != nil {
		t.logger.Error("Failed to encode broadcast", "topic", topic, "error", err)
		return 0
	}

	delivered := 0
	for _, ch := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		err := ch.Send(sendCtx, msg)
		cancel()
		if err != nil {
			t.logger.Debug("Broadcast delivery failed", "topic", topic, "channel_id", ch.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (t *Table) snapshot(topic string) []channel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.topics[topic]
	out := make([]channel.Channel, 0, len(subs))
	for _, ch := range subs {
		out = append(out, ch)
	}
	return out
}

// Subscribers returns the number of channels subscribed to topic
func (t *Table) Subscribers(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}

// Topics returns the topics that currently have subscribers, sorted
func (t *Table) Topics() []string {
	t.mu.RLock()
	topics := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		topics = append(topics, topic)
	}
	t.mu.RUnlock()
	sort.Strings(topics)
	return topics
}
