package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/metric"
)

type testWork struct {
	key   string
	seq   int
	delay time.Duration
	fail  bool
}

func workKey(w testWork) string { return w.key }

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(4, 16, workKey, processor)
	assert.Equal(t, 4, pool.lanes)
	assert.Equal(t, 16, pool.queueSize)

	pool = NewPool(0, 0, workKey, processor)
	assert.Equal(t, 8, pool.lanes)
	assert.Equal(t, 256, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, workKey, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(2, 4, workKey, func(context.Context, testWork) error { return nil })

	assert.ErrorIs(t, pool.Submit(testWork{key: "a"}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Submit(testWork{key: "a"}))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second), "stop is idempotent")

	assert.ErrorIs(t, pool.Submit(testWork{key: "a"}), ErrPoolStopped)
	assert.Equal(t, int64(1), pool.Stats().Processed)
}

func TestPool_SameKeyIsOrdered(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	pool := NewPool(4, 100, workKey, func(_ context.Context, w testWork) error {
		mu.Lock()
		seen[w.key] = append(seen[w.key], w.seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		for _, k := range []string{"net-1", "net-2", "net-3"} {
			require.NoError(t, pool.Submit(testWork{key: k, seq: i}))
		}
	}
	require.NoError(t, pool.Stop(5*time.Second))

	for _, k := range []string{"net-1", "net-2", "net-3"} {
		require.Len(t, seen[k], 50)
		for i, s := range seen[k] {
			assert.Equal(t, i, s, "key %s out of order", k)
		}
	}
}

func TestPool_SlowKeyDoesNotBlockOtherLanes(t *testing.T) {
	pool := NewPool(16, 10, workKey, func(_ context.Context, w testWork) error {
		time.Sleep(w.delay)
		return nil
	})

	slow, fast := "", ""
	for i := 0; i < 100 && (slow == "" || fast == ""); i++ {
		k := fmt.Sprintf("tenant-%d", i)
		if slow == "" {
			slow = k
			continue
		}
		if pool.Lane(k) != pool.Lane(slow) {
			fast = k
		}
	}
	require.NotEmpty(t, fast)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	require.NoError(t, pool.Submit(testWork{key: slow, delay: 500 * time.Millisecond}))
	require.NoError(t, pool.Submit(testWork{key: fast}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&pool.processed) >= 1
	}, 250*time.Millisecond, 5*time.Millisecond)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, workKey, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{key: "a"}))
	// Wait until the worker has taken the first item off the lane.
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{key: "a"}))

	err := pool.Submit(testWork{key: "a"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_FailuresCounted(t *testing.T) {
	pool := NewPool(2, 10, workKey, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{key: "a", fail: true}))
	require.NoError(t, pool.Submit(testWork{key: "b"}))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(1, 1, workKey, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{key: "a"}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_MetricsRegistered(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, workKey, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](registry, "frames"))
	require.NotNil(t, pool.metrics)

	// Registering the same prefix twice is rejected by the registry.
	err := registry.RegisterCounter("worker_pool", "frames_submitted_total", pool.metrics.submitted)
	assert.Error(t, err)
}
