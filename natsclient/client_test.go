package natsclient

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, "disconnected", c.Status().String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
	assert.False(t, c.IsHealthy())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]ClientOption{
		"empty schedule": WithReconnectSchedule(retry.Schedule{}),
		"zero timeout":   WithTimeout(0),
		"zero threshold": WithCircuitBreaker(0, time.Minute),
		"short backoff":  WithCircuitBreaker(3, time.Millisecond),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", opt)
			assert.Error(t, err)
		})
	}
}

func TestBreaker(t *testing.T) {
	b := newBreaker(3, 4*time.Second)
	for range 2 {
		opened, _ := b.fail()
		assert.False(t, opened)
	}
	assert.True(t, b.allow())

	opened, wait := b.fail()
	assert.True(t, opened)
	assert.Equal(t, time.Second, wait)
	assert.False(t, b.allow())

	// further rounds while open only grow the backoff
	for range 3 {
		opened, _ = b.fail()
	}
	assert.False(t, opened)
	assert.Equal(t, 4*time.Second, b.nextBackoff())
	for range 3 {
		b.fail()
	}
	assert.Equal(t, 4*time.Second, b.nextBackoff())

	assert.True(t, b.halfOpen())
	assert.True(t, b.allow())
	assert.Equal(t, 9, b.failures())

	assert.False(t, b.reset())
	assert.Zero(t, b.failures())
	assert.Equal(t, time.Second, b.nextBackoff())
}

func TestCircuitOpensOnClient(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []bool
	)
	c, err := NewClient("nats://127.0.0.1:1",
		WithMetrics(metric.NewMetricsRegistry()),
		WithCircuitBreaker(2, time.Minute),
		WithConnectionHandler(func(up bool) {
			mu.Lock()
			changes = append(changes, up)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	c.failed()
	assert.Equal(t, StatusDisconnected, c.Status())
	c.failed()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	_, err = c.GetKeyValueBucket(context.Background(), "b")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	c.halfOpen()
	assert.Equal(t, StatusDisconnected, c.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, changes)
}

func TestConcurrentFailures(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreaker(1000, time.Minute))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				c.failed()
				_ = c.Status()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, c.Failures())
}

func TestConnect_UnreachableServer(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, 1, c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestNotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "a", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Flush(context.Background()), ErrNotConnected)
	_, err = c.Subscribe("a", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetKeyValueBucket(context.Background(), "b")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close(context.Background()))
	assert.NoError(t, c.Close(context.Background()))
}

func TestNATSOptions(t *testing.T) {
	cfg := defaultSettings()
	assert.Len(t, cfg.natsOptions(), 5)

	for _, opt := range []ClientOption{
		WithCredentials("user", "pass"),
		WithToken("tok"),
		WithName("karabo-test"),
		WithTLS("", "", "ca.pem"),
	} {
		require.NoError(t, opt(&cfg))
	}
	// name, token (credentials are shadowed) and CA
	assert.Len(t, cfg.natsOptions(), 8)
}

func TestPubSub(t *testing.T) {
	ts := StartTestServer(t)

	got := make(chan string, 3)
	_, err := ts.Client.Subscribe("karabo.test.>", func(subject string, data []byte) {
		got <- subject + "=" + string(data)
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, ts.Client.Publish(ctx, "karabo.test.slots", []byte(s)))
	}
	require.NoError(t, ts.Client.Flush(ctx))

	for _, want := range []string{"1", "2", "3"} {
		select {
		case m := <-got:
			assert.Equal(t, "karabo.test.slots="+want, m)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestChanSubscribeKeepsOrderAcrossSubjects(t *testing.T) {
	ts := StartTestServer(t)

	ch := make(chan *nats.Msg, 64)
	for _, subject := range []string{"karabo.test.slots.r", "karabo.test.signals.s.x"} {
		_, err := ts.Client.ChanSubscribe(subject, ch)
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		subject := "karabo.test.slots.r"
		if i%2 == 1 {
			subject = "karabo.test.signals.s.x"
		}
		require.NoError(t, ts.Client.Publish(ctx, subject, []byte(strconv.Itoa(i))))
	}
	require.NoError(t, ts.Client.Flush(ctx))

	for i := 0; i < 20; i++ {
		select {
		case m := <-ch:
			assert.Equal(t, strconv.Itoa(i), string(m.Data))
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}
