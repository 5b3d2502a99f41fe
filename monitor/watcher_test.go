package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubDepths struct {
	mu     sync.Mutex
	depths map[string]int
	err    error
	calls  int
}

func (s *stubDepths) QueueDepths(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int, len(s.depths))
	for k, v := range s.depths {
		out[k] = v
	}
	return out, nil
}

func (s *stubDepths) set(name string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depths[name] = depth
}

func TestQueueWatcher(t *testing.T) {
	t.Run("Sample records depth gauges", func(t *testing.T) {
		c := NewCollector()
		reader := &stubDepths{depths: map[string]int{"digest.ready": 4, "digest.ready.dlq": -1}}
		w := NewQueueWatcher(reader, c, time.Second)

		depths, err := w.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 4, depths["digest.ready"])

		v, ok := c.Gauge(DepthGauge("digest.ready"))
		assert.True(t, ok)
		assert.Equal(t, 4.0, v)
		v, _ = c.Gauge(DepthGauge("digest.ready.dlq"))
		assert.Equal(t, -1.0, v)
	})

	t.Run("Sample returns reader errors", func(t *testing.T) {
		boom := errors.New("boom")
		w := NewQueueWatcher(&stubDepths{err: boom}, NewCollector(), time.Second)

		_, err := w.Sample(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Watch samples until cancelled", func(t *testing.T) {
		defer leaktest.Check(t)()

		c := NewCollector()
		reader := &stubDepths{depths: map[string]int{"a": 1}}
		w := NewQueueWatcher(reader, c, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		seen := make(chan map[string]int, 100)
		done := make(chan error, 1)
		go func() {
			done <- w.Watch(ctx, func(d map[string]int) { seen <- d })
		}()

		first := <-seen
		assert.Equal(t, 1, first["a"])

		reader.set("a", 9)
		assert.Eventually(t, func() bool {
			v, _ := c.Gauge(DepthGauge("a"))
			return v == 9
		}, time.Second, 5*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("Watch keeps going after a failed sample", func(t *testing.T) {
		reader := &stubDepths{err: errors.New("down"), depths: map[string]int{}}
		w := NewQueueWatcher(reader, NewCollector(), 5*time.Millisecond, WithWatcherLogger(quietLogger()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := w.Watch(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		reader.mu.Lock()
		defer reader.mu.Unlock()
		assert.Greater(t, reader.calls, 1)
	})

	t.Run("Non-positive interval falls back to default", func(t *testing.T) {
		w := NewQueueWatcher(&stubDepths{}, NewCollector(), 0)
		assert.Equal(t, 15*time.Second, w.interval)
	})
}
