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

	"github.com/mark-sch/GpsdTracking/metric"
)

type testWork struct {
	key  string
	seq  int
	fail bool
}

func TestNewPool(t *testing.T) {
	noop := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, noop)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)
	assert.Len(t, pool.shards, 5)
	assert.Equal(t, 20, cap(pool.shards[0]))

	pool = NewPool(0, 0, noop)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	pool = NewPool(8, 2, noop)
	assert.Equal(t, 1, cap(pool.shards[0]), "each worker keeps at least one slot")
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](5, 100, nil)
	})
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, testWork) error { return nil })

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_ProcessesAndCountsFailures(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(3, 30, func(_ context.Context, w testWork) error {
		processed.Add(1)
		if w.fail {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 9; i++ {
		require.NoError(t, pool.Submit(testWork{seq: i, fail: i%3 == 0}))
	}
	require.NoError(t, pool.Stop(2*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(9), processed.Load())
	assert.Equal(t, int64(9), stats.Submitted)
	assert.Equal(t, int64(9), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestPool_KeyedOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}

	pool := NewPool(4, 400, func(_ context.Context, w testWork) error {
		mu.Lock()
		seen[w.key] = append(seen[w.key], w.seq)
		mu.Unlock()
		return nil
	}, WithKey(func(w testWork) string { return w.key }))
	require.NoError(t, pool.Start(context.Background()))

	for seq := 0; seq < 50; seq++ {
		for d := 0; d < 5; d++ {
			require.NoError(t, pool.Submit(testWork{key: fmt.Sprintf("dev-%d", d), seq: seq}))
		}
	}
	require.NoError(t, pool.Stop(2*time.Second))

	for key, seqs := range seen {
		require.Len(t, seqs, 50, key)
		for i, s := range seqs {
			assert.Equal(t, i, s, "out of order for %s", key)
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{seq: 1}))
	// The worker may or may not have taken the first item yet; fill until full.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = pool.Submit(testWork{seq: 2 + i})
	}
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, pool.Stats().Dropped, int64(1))

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ContextCancelStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 10, func(ctx context.Context, _ testWork) error { return ctx.Err() })
	require.NoError(t, pool.Start(ctx))
	cancel()
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](reg, "test_pool"))
	require.NotNil(t, pool.metrics)

	// Same prefix again: registration conflicts and the pool runs without metrics.
	again := NewPool(1, 4, func(context.Context, testWork) error { return nil },
		WithMetricsRegistry[testWork](reg, "test_pool"))
	assert.Nil(t, again.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Processed)
}
