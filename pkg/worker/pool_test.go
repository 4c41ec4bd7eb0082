package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/metric"
)

type command struct {
	name  string
	delay time.Duration
	fail  bool
	panic bool
}

func run(_ context.Context, c command) error {
	time.Sleep(c.delay)
	if c.panic {
		panic("boom in " + c.name)
	}
	if c.fail {
		return errors.New("failed " + c.name)
	}
	return nil
}

func newPool(t *testing.T, workers, queue int, fn func(context.Context, command) error, opts ...Option[command]) *Pool[command] {
	t.Helper()
	pool, err := NewPool(workers, queue, fn, opts...)
	require.NoError(t, err)
	return pool
}

func TestNewPool_Defaults(t *testing.T) {
	pool := newPool(t, 0, 0, run)
	stats := pool.Stats()
	assert.Equal(t, DefaultWorkers, stats.Workers)
	assert.Equal(t, DefaultQueueSize, stats.QueueSize)

	_, err := NewPool[command](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := newPool(t, 2, 10, run)

	assert.ErrorIs(t, pool.Submit(command{name: "early"}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(command{name: "ok"}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.ErrorIs(t, pool.Submit(command{}), ErrPoolStopped)
}

func TestPool_QueueFull(t *testing.T) {
	pool := newPool(t, 1, 1, run)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	var full bool
	for i := 0; i < 10; i++ {
		if errors.Is(pool.Submit(command{delay: 50 * time.Millisecond}), ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full)
	assert.Greater(t, pool.Stats().Dropped, int64(0))
}

func TestPool_SubmitWaitBlocks(t *testing.T) {
	pool := newPool(t, 1, 1, run)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(time.Second)

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), command{delay: 5 * time.Millisecond}))
	}

	blocker := newPool(t, 1, 1, run)
	require.NoError(t, blocker.Start(context.Background()))
	defer blocker.Stop(time.Second)
	require.NoError(t, blocker.Submit(command{delay: 200 * time.Millisecond}))
	_ = blocker.Submit(command{delay: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := blocker.SubmitWait(ctx, command{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var failed []string

	pool := newPool(t, 2, 10, run, WithErrorHandler(func(c command, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, c.name)
		if c.panic {
			assert.ErrorIs(t, err, ErrWorkPanicked)
		}
	}))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(command{name: "good"}))
	require.NoError(t, pool.Submit(command{name: "bad", fail: true}))
	require.NoError(t, pool.Submit(command{name: "crash", panic: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.ElementsMatch(t, []string{"bad", "crash"}, failed)
	assert.Equal(t, int64(2), pool.Stats().Failed)
}

func TestPool_ContextCancellation(t *testing.T) {
	var processed int64
	pool := newPool(t, 1, 10, func(ctx context.Context, _ command) error {
		atomic.AddInt64(&processed, 1)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(command{}))
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), atomic.LoadInt64(&processed))
}

func TestPool_StopDrainsQueue(t *testing.T) {
	var done atomic.Int64
	pool := newPool(t, 1, 8, func(context.Context, command) error {
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(command{}))
	}
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(5), done.Load())
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), command{}), ErrPoolStopped)
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStopped)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := newPool(t, 1, 4, run, WithMetrics[command](registry, "device/CMD_1"))
	require.NoError(t, pool.Start(context.Background()))
	require.NotNil(t, pool.metrics)
	require.NoError(t, pool.Submit(command{}))
	require.NoError(t, pool.Submit(command{fail: true}))

	require.Eventually(t, func() bool { return pool.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.failed))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "karabo_worker_submitted_total")

	// A second pool of the same name runs without metrics until the
	// first one stops.
	twin := newPool(t, 1, 4, run, WithMetrics[command](registry, "device/CMD_1"))
	assert.Error(t, twin.Start(context.Background()))
	assert.NoError(t, twin.Submit(command{}))
	require.NoError(t, twin.Stop(time.Second))

	require.NoError(t, pool.Stop(time.Second))
	again := newPool(t, 1, 4, run, WithMetrics[command](registry, "device/CMD_1"))
	require.NoError(t, again.Start(context.Background()))
	require.NoError(t, again.Stop(time.Second))
}
