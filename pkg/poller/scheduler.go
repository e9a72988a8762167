package poller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

// FetchFunc produces the payload broadcast on each tick.
type FetchFunc func(ctx context.Context) (any, error)

// Publisher delivers a tick's payload to a topic and returns the number of
// channels reached.
type Publisher func(ctx context.Context, topic string, payload any) int

// Scheduler runs at most one ticker per topic. Fetch handlers are
// registered up front; Start and Stop follow the topic's subscriber set.
type Scheduler struct {
	mu       sync.Mutex
	fetchers map[string]FetchFunc
	active   map[string]*poll
	closed   bool

	interval     time.Duration
	fetchTimeout time.Duration
	publish      Publisher
	logger       *logger.Logger
	wg           sync.WaitGroup

	tickCount    int64
	failureCount int64
}

type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerStats reports polling activity
type SchedulerStats struct {
	Registered int      `json:"registered"`
	Active     []string `json:"active"`
	Ticks      int64    `json:"ticks"`
	Failures   int64    `json:"failures"`
}

// New creates a scheduler that hands every successful fetch to publish
func New(cfg config.PollerConfig, publish Publisher, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Interval <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "poll interval must be positive")
	}
	if publish == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "publisher cannot be nil")
	}

	s := &Scheduler{
		fetchers:     make(map[string]FetchFunc),
		active:       make(map[string]*poll),
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		publish:      publish,
		logger:       log.With("component", "poller"),
	}
	if s.fetchTimeout <= 0 || s.fetchTimeout > s.interval {
		s.fetchTimeout = s.interval
	}

	s.logger.Info("Poller initialized", "interval", s.interval.String())
	return s, nil
}

// Register binds a fetch handler to topic. Each topic may be registered once.
func (s *Scheduler) Register(topic string, fetch FetchFunc) error {
	if topic == "" || fetch == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "topic and fetch handler are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "poller is closed")
	}
	if _, exists := s.fetchers[topic]; exists {
		return types.NewError(types.ErrCodeInvalidArgument, "fetch handler already registered for topic: "+topic)
	}
	s.fetchers[topic] = fetch
	return nil
}

// Has reports whether topic has a fetch handler
func (s *Scheduler) Has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fetchers[topic]
	return ok
}

// Start begins polling topic. It returns false when the topic has no fetch
// handler, is already being polled, or the scheduler is closed.
func (s *Scheduler) Start(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	fetch, ok := s.fetchers[topic]
	if !ok || s.closed {
		return false
	}
	if _, running := s.active[topic]; running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poll{cancel: cancel, done: make(chan struct{})}
	s.active[topic] = p

	s.wg.Add(1)
	go s.run(ctx, topic, fetch, s.interval, p.done)

	s.logger.Debug("Polling started", "topic", topic)
	return true
}

// Stop stops polling topic and waits for an in-flight tick to finish.
func (s *Scheduler) Stop(topic string) bool {
	s.mu.Lock()
	p, ok := s.active[topic]
	if ok {
		delete(s.active, topic)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.cancel()
	<-p.done

	s.logger.Debug("Polling stopped", "topic", topic)
	return true
}

// Active reports whether topic is currently being polled
func (s *Scheduler) Active(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[topic]
	return ok
}

// SetInterval changes the interval used by pollers started from now on.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// Stats returns polling statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	active := make([]string, 0, len(s.active))
	for topic := range s.active {
		active = append(active, topic)
	}
	registered := len(s.fetchers)
	s.mu.Unlock()
	sort.Strings(active)

	return SchedulerStats{
		Registered: registered,
		Active:     active,
		Ticks:      atomic.LoadInt64(&s.tickCount),
		Failures:   atomic.LoadInt64(&s.failureCount),
	}
}

// Close stops every poller. Registered handlers are kept but Start fails.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = make(map[string]*poll)
	s.mu.Unlock()

	for _, p := range active {
		p.cancel()
	}
	s.wg.Wait()

	s.logger.Info("Poller shut down")
	return nil
}

func (s *Scheduler) run(ctx context.Context, topic string, fetch FetchFunc, interval time.Duration, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, topic, fetch)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, topic string, fetch FetchFunc) {
	atomic.AddInt64(&s.tickCount, 1)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	payload, err := fetch(fetchCtx)
	if err != nil {
		atomic.AddInt64(&s.failureCount, 1)
		if ctx.Err() == nil {
			s.logger.Warn("Poll failed, skipping tick", "topic", topic, "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.publish(ctx, topic, payload)
}
