package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

// failing returns fn failing the first n calls, and its call counter.
func failing(n int) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return errDown
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	t.Run("recovers", func(t *testing.T) {
		fn, calls := failing(2)
		require.NoError(t, Do(context.Background(), cfg, fn))
		assert.Equal(t, 3, *calls)
	})

	t.Run("gives up", func(t *testing.T) {
		fn, calls := failing(10)
		err := Do(context.Background(), cfg, fn)
		require.ErrorIs(t, err, errDown)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.Equal(t, 3, *calls)
	})

	t.Run("non-retryable", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return NonRetryable(errDown)
		})
		assert.True(t, IsNonRetryable(err))
		assert.ErrorIs(t, err, errDown)
		assert.Equal(t, 1, calls)
	})

	t.Run("single attempt", func(t *testing.T) {
		fn, calls := failing(1)
		assert.Error(t, Do(context.Background(), Config{}, fn))
		assert.Equal(t, 1, *calls)
	})
}

func TestDo_InvalidConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"negative delay":      {InitialDelay: -time.Second},
		"negative max":        {MaxDelay: -time.Second},
		"negative multiplier": {Multiplier: -1},
		"initial above max":   {InitialDelay: time.Second, MaxDelay: time.Millisecond},
	} {
		t.Run(name, func(t *testing.T) {
			fn, calls := failing(0)
			assert.Error(t, Do(context.Background(), cfg, fn))
			assert.Zero(t, *calls)
		})
	}
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	cfg := Config{MaxAttempts: 50, InitialDelay: 20 * time.Millisecond, MaxDelay: time.Second}

	fn, calls := failing(100)
	err := Do(ctx, cfg, fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, *calls, 50)
}

func TestBackoff(t *testing.T) {
	b := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 3}.backoff()
	var got []time.Duration
	for range 4 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}, got)

	b = Config{}.backoff()
	assert.Equal(t, defaultInitialDelay, b.Next())
	assert.Equal(t, 2*defaultInitialDelay, b.Next())

	b = Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, AddJitter: true}.backoff()
	d := b.Next()
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 125*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.AddJitter)
	assert.NoError(t, cfg.validate())
}

func TestSchedule_Delay(t *testing.T) {
	want := map[int]time.Duration{
		-1:  100 * time.Millisecond,
		0:   100 * time.Millisecond,
		2:   500 * time.Millisecond,
		4:   2 * time.Second,
		5:   5 * time.Second,
		100: 5 * time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, BrokerReconnect.Delay(n), "attempt %d", n)
	}
	assert.Zero(t, Schedule(nil).Delay(3))
}

func TestSchedule_Forever(t *testing.T) {
	var seen []int
	fn, calls := failing(3)
	err := Schedule{time.Millisecond, 2 * time.Millisecond}.Forever(context.Background(), fn,
		func(attempt int, _ error) { seen = append(seen, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSchedule_ForeverCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	fn, _ := failing(1 << 20)
	err := Schedule{5 * time.Millisecond}.Forever(ctx, fn, nil)
	require.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestUntil(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	t.Run("counts retries", func(t *testing.T) {
		fn, _ := failing(2)
		retries, err := Until(context.Background(), cfg, time.Second, fn)
		require.NoError(t, err)
		assert.Equal(t, 2, retries)
	})

	t.Run("times out", func(t *testing.T) {
		start := time.Now()
		fn, _ := failing(1 << 20)
		retries, err := Until(context.Background(), cfg, 30*time.Millisecond, fn)
		require.ErrorIs(t, err, errDown)
		assert.Contains(t, err.Error(), "retry timed out")
		assert.Positive(t, retries)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("non-retryable", func(t *testing.T) {
		calls := 0
		_, err := Until(context.Background(), DefaultConfig(), time.Second, func() error {
			calls++
			return NonRetryable(errors.New("400 bad request"))
		})
		assert.True(t, IsNonRetryable(err))
		assert.Equal(t, 1, calls)
	})
}
