package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/switchboard/internal/config"
)

type published struct {
	topic   string
	payload any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) publish(_ context.Context, topic string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, payload})
	return 1
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newTestScheduler(t *testing.T, rec *recorder) *Scheduler {
	t.Helper()
	s, err := New(config.PollerConfig{Interval: 10 * time.Millisecond}, rec.publish, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(config.PollerConfig{}, func(context.Context, string, any) int { return 0 }, nil)
	assert.Error(t, err)
	_, err = New(config.PollerConfig{Interval: time.Second}, nil, nil)
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	s := newTestScheduler(t, &recorder{})
	fetch := func(context.Context) (any, error) { return 1, nil }

	require.NoError(t, s.Register("metrics", fetch))
	assert.Error(t, s.Register("metrics", fetch))
	assert.Error(t, s.Register("", fetch))
	assert.Error(t, s.Register("x", nil))
	assert.True(t, s.Has("metrics"))
	assert.False(t, s.Has("panel"))
}

func TestStartStopFollowsActivity(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)
	require.NoError(t, s.Register("metrics", func(context.Context) (any, error) {
		return []string{"up"}, nil
	}))

	assert.False(t, s.Start("unregistered"))
	assert.True(t, s.Start("metrics"))
	assert.False(t, s.Start("metrics"), "second start is a no-op")
	assert.True(t, s.Active("metrics"))

	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Stop("metrics"))
	assert.False(t, s.Active("metrics"))
	assert.False(t, s.Stop("metrics"))

	after := rec.count()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, rec.count(), "no ticks after stop")

	rec.mu.Lock()
	assert.Equal(t, "metrics", rec.msgs[0].topic)
	assert.Equal(t, []string{"up"}, rec.msgs[0].payload)
	rec.mu.Unlock()
}

func TestFailedTickIsSkipped(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)

	var calls int32
	require.NoError(t, s.Register("metrics", func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1)%2 == 1 {
			return nil, errors.New("upstream down")
		}
		return "ok", nil
	}))
	require.True(t, s.Start("metrics"))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 4 }, time.Second, 5*time.Millisecond)
	s.Stop("metrics")

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.Failures, int64(2))
	assert.Less(t, int64(rec.count()), stats.Ticks)
	assert.Empty(t, stats.Active)
	assert.Equal(t, 1, stats.Registered)
}

func TestCloseStopsEverything(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec)
	fetch := func(context.Context) (any, error) { return 1, nil }
	require.NoError(t, s.Register("a", fetch))
	require.NoError(t, s.Register("b", fetch))
	s.Start("a")
	s.Start("b")

	require.NoError(t, s.Close())
	assert.False(t, s.Active("a"))
	assert.False(t, s.Start("a"))
	assert.Error(t, s.Register("c", fetch))
	require.NoError(t, s.Close())
}
