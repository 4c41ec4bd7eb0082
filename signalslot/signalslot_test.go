package signalslot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/broker"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

type event struct {
	kind string
	id   string
	info *hash.Hash
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(kind, id string, info *hash.Hash) {
	r.mu.Lock()
	r.events = append(r.events, event{kind, id, info})
	r.mu.Unlock()
}

func (r *recorder) InstanceNew(id string, info *hash.Hash)     { r.add("new", id, info) }
func (r *recorder) InstanceUpdated(id string, info *hash.Hash) { r.add("updated", id, info) }
func (r *recorder) InstanceGone(id string, info *hash.Hash)    { r.add("gone", id, info) }
func (r *recorder) Heartbeat(id string, _ time.Duration, info *hash.Hash) {
	r.add("beat", id, info)
}

func (r *recorder) has(kind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.kind == kind && e.id == id {
			return true
		}
	}
	return false
}

func (r *recorder) last(kind, id string) *hash.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if e := r.events[i]; e.kind == kind && e.id == id {
			return e.info
		}
	}
	return nil
}

func testOptions() []Option {
	return []Option{
		WithPingTimeout(50 * time.Millisecond),
		WithDiscoverDelay(0),
		WithRequestTimeout(2 * time.Second),
	}
}

func start(t *testing.T, hub *broker.Hub, id string, opts ...Option) (*SignalSlotable, *broker.Memory) {
	t.Helper()
	b := hub.Broker("test")
	require.NoError(t, b.Connect(context.Background()))
	s, err := New(b, id, hash.New("type", "device"), append(testOptions(), opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		_ = b.Close(context.Background())
	})
	return s, b
}

func TestRequestReply(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "adder")
	client, _ := start(t, hub, "client")

	server.RegisterSlot("slotAdd", func(_ context.Context, c *SlotCall) ([]any, error) {
		a, err := Arg[int32](c.Args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[int32](c.Args, 1)
		if err != nil {
			return nil, err
		}
		return []any{a + b, c.Sender}, nil
	})

	out, err := client.Request(context.Background(), "adder", "slotAdd", int32(2), int32(40))
	require.NoError(t, err)
	assert.Equal(t, []any{int32(42), "client"}, out)

	_, err = client.Request(context.Background(), "adder", "slotAdd", "x")
	var remote *kerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "adder", remote.Instance)
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestErrorReplyCarriesReasonAndDetails(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "dev")
	client, _ := start(t, hub, "client")

	server.RegisterSlot("slotMove", func(context.Context, *SlotCall) ([]any, error) {
		return nil, kerrors.New(kerrors.KindStateForbidden, "state MOVING does not allow slotMove").WithDetails("allowed: ON, OFF")
	})

	_, err := client.Request(context.Background(), "dev", "slotMove")
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrStateForbidden)
	assert.Equal(t, "StateForbidden: state MOVING does not allow slotMove", err.Error())
	var remote *kerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "allowed: ON, OFF", remote.Details)

	_, err = client.Request(context.Background(), "dev", "slotMissing")
	assert.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestPanickingSlotReplies(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "dev")
	client, _ := start(t, hub, "client")
	server.RegisterSlot("slotBoom", func(context.Context, *SlotCall) ([]any, error) { panic("boom") })

	_, err := client.Request(context.Background(), "dev", "slotBoom")
	var remote *kerrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Reason, "boom")
	assert.NotEmpty(t, remote.Details)
}

func TestRequestTimeoutAndLateReply(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "slow")
	client, _ := start(t, hub, "client")

	release := make(chan struct{})
	server.RegisterSlot("slotSlow", func(context.Context, *SlotCall) ([]any, error) {
		<-release
		return []any{"late"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, "slow", "slotSlow")
	assert.ErrorIs(t, err, kerrors.ErrTimeout)
	assert.Equal(t, kerrors.KindTimeout, kerrors.KindOf(err))

	close(release)
	// the late reply is dropped, the next request gets its own answer
	server.RegisterSlot("slotFast", func(context.Context, *SlotCall) ([]any, error) { return []any{"fast"}, nil })
	out, err := client.Request(context.Background(), "slow", "slotFast")
	require.NoError(t, err)
	assert.Equal(t, []any{"fast"}, out)

	client.pendingMu.Lock()
	assert.Empty(t, client.pending)
	client.pendingMu.Unlock()
}

func TestCancelFuture(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "slow")
	client, _ := start(t, hub, "client")
	block := make(chan struct{})
	defer close(block)
	server.RegisterSlot("slotSlow", func(context.Context, *SlotCall) ([]any, error) {
		<-block
		return nil, nil
	})

	f, err := client.RequestAsync(context.Background(), "slow", "slotSlow")
	require.NoError(t, err)
	f.Cancel()
	_, err = f.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrCancelled))
	select {
	case <-f.Done():
	default:
		t.Fatal("future not resolved")
	}
}

func TestKeepaliveExpiresFutures(t *testing.T) {
	hub := broker.NewHub()
	start(t, hub, "silent")
	client, _ := start(t, hub, "client", WithKeepalive(80*time.Millisecond))

	f, err := client.RequestAsync(context.Background(), "nobody", "slotX")
	require.NoError(t, err)
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("future not expired")
	}
	_, err = f.Result()
	assert.ErrorIs(t, err, kerrors.ErrTimeout)
}

func TestPerSenderOrder(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "sink")
	client, _ := start(t, hub, "source")

	const n = 300
	var mu sync.Mutex
	var got []int32
	done := make(chan struct{})
	server.RegisterSlot("slotCollect", func(_ context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
		if len(got) == n {
			close(done)
		}
		return nil, nil
	})
	for i := int32(0); i < n; i++ {
		require.NoError(t, client.Call(context.Background(), "sink", "slotCollect", i))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("calls not delivered")
	}
	for i, v := range got {
		require.Equal(t, int32(i), v)
	}
}

func TestPerSenderOrderAcrossCallsAndSignals(t *testing.T) {
	hub := broker.NewHub()
	sink, _ := start(t, hub, "sink")
	source, _ := start(t, hub, "source")

	const n = 300
	var mu sync.Mutex
	var got []int32
	done := make(chan struct{})
	sink.RegisterSlot("slotCollect", func(_ context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
		if len(got) == n {
			close(done)
		}
		return nil, nil
	})
	require.NoError(t, sink.Connect("source", "signalCount", "slotCollect"))

	ctx := context.Background()
	for i := int32(0); i < n; i++ {
		if i%2 == 0 {
			require.NoError(t, source.Call(ctx, "sink", "slotCollect", i))
		} else {
			require.NoError(t, source.Emit(ctx, "signalCount", i))
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	inversions := 0
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			inversions++
		}
	}
	assert.Zero(t, inversions, "order: %v", got)
}

func TestSignalHandledBeforeReplyReturns(t *testing.T) {
	hub := broker.NewHub()
	dev, _ := start(t, hub, "dev")
	client, _ := start(t, hub, "client")

	dev.RegisterSlot("slotApply", func(ctx context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		if err := dev.Emit(ctx, "signalChanged", v); err != nil {
			return nil, err
		}
		return []any{v}, nil
	})
	var mu sync.Mutex
	var seen int32
	client.RegisterSlot("slotChanged", func(_ context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = v
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, client.Connect("dev", "signalChanged", "slotChanged"))

	for i := int32(1); i <= 10; i++ {
		_, err := client.Request(context.Background(), "dev", "slotApply", i)
		require.NoError(t, err)
		mu.Lock()
		got := seen
		mu.Unlock()
		require.Equal(t, i, got)
	}
}

func TestNestedRequestFromSlot(t *testing.T) {
	hub := broker.NewHub()
	back, _ := start(t, hub, "backend")
	front, _ := start(t, hub, "frontend")
	client, _ := start(t, hub, "client")

	back.RegisterSlot("slotDouble", func(_ context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		return []any{2 * v}, nil
	})
	front.RegisterSlot("slotRelay", func(ctx context.Context, c *SlotCall) ([]any, error) {
		v, _ := Arg[int32](c.Args, 0)
		return front.Request(ctx, "backend", "slotDouble", v)
	})

	out, err := client.Request(context.Background(), "frontend", "slotRelay", int32(21))
	require.NoError(t, err)
	assert.Equal(t, []any{int32(42)}, out)
}

func TestSignalsAndConnections(t *testing.T) {
	hub := broker.NewHub()
	emitter, _ := start(t, hub, "motor")
	listener, _ := start(t, hub, "logger")

	got := make(chan string, 10)
	listener.RegisterSlot("slotChanged", func(_ context.Context, c *SlotCall) ([]any, error) {
		cfg, err := Arg[*hash.Hash](c.Args, 0)
		if err != nil {
			return nil, err
		}
		id, _ := Arg[string](c.Args, 1)
		pos, _ := cfg.Get("position")
		got <- fmt.Sprintf("%s:%v", id, pos)
		return nil, nil
	})

	assert.ErrorIs(t, listener.Connect("motor", "signalChanged", "slotNope"), kerrors.ErrNotFound)
	require.NoError(t, listener.Connect("motor", "signalChanged", "slotChanged"))
	require.NoError(t, listener.Connect("motor", "signalChanged", "slotChanged"))

	require.NoError(t, emitter.Emit(context.Background(), "signalChanged", hash.New("position", 1.5), "motor"))
	select {
	case v := <-got:
		assert.Equal(t, "motor:1.5", v)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}
	select {
	case v := <-got:
		t.Fatalf("duplicate delivery %s", v)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, listener.Disconnect("motor", "signalChanged", "slotChanged"))
	assert.Error(t, listener.Disconnect("motor", "signalChanged", "slotChanged"))
	require.NoError(t, emitter.Emit(context.Background(), "signalChanged", hash.New("position", 2.5), "motor"))
	select {
	case v := <-got:
		t.Fatalf("delivery after disconnect %s", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallReplyNoWait(t *testing.T) {
	hub := broker.NewHub()
	echo, _ := start(t, hub, "echo")
	caller, _ := start(t, hub, "caller")
	sink, _ := start(t, hub, "sink")

	echo.RegisterSlot("slotEcho", func(_ context.Context, c *SlotCall) ([]any, error) { return c.Args, nil })
	got := make(chan []any, 1)
	sink.RegisterSlot("slotSink", func(_ context.Context, c *SlotCall) ([]any, error) {
		got <- c.Args
		return nil, nil
	})

	require.NoError(t, caller.CallReplyNoWait(context.Background(), "echo", "slotEcho", "sink", "slotSink", "hello", int32(7)))
	select {
	case args := <-got:
		assert.Equal(t, []any{"hello", int32(7)}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded reply not delivered")
	}
}

func TestUniqueInstanceID(t *testing.T) {
	hub := broker.NewHub()
	start(t, hub, "unique")

	b := hub.Broker("test")
	require.NoError(t, b.Connect(context.Background()))
	dup, err := New(b, "unique", nil, testOptions()...)
	require.NoError(t, err)
	err = dup.Start(context.Background())
	assert.ErrorIs(t, err, kerrors.ErrNameTaken)

	_, err = New(b, "bad id", nil)
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestInstanceTracking(t *testing.T) {
	hub := broker.NewHub()
	old, _ := start(t, hub, "old")
	oldEvents := &recorder{}
	old.AddListener(oldEvents)

	b := hub.Broker("test")
	require.NoError(t, b.Connect(context.Background()))
	newcomer, err := New(b, "newcomer", hash.New("type", "server"), testOptions()...)
	require.NoError(t, err)
	newEvents := &recorder{}
	newcomer.AddListener(newEvents)
	require.NoError(t, newcomer.Start(context.Background()))

	assert.Eventually(t, func() bool { return oldEvents.has("new", "newcomer") }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return newEvents.has("new", "old") }, 2*time.Second, 10*time.Millisecond)
	info := oldEvents.last("new", "newcomer")
	require.NotNil(t, info)
	typ, _ := info.GetString("type")
	assert.Equal(t, "server", typ)

	require.NoError(t, newcomer.UpdateInstanceInfo(context.Background(), hash.New("status", "busy")))
	assert.Eventually(t, func() bool { return oldEvents.has("updated", "newcomer") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "busy", newcomer.Info().Value("status"))

	require.NoError(t, newcomer.Stop(context.Background()))
	assert.Eventually(t, func() bool { return oldEvents.has("gone", "newcomer") }, time.Second, 5*time.Millisecond)
	_, err = newcomer.Request(context.Background(), "old", "slotPing")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDiscover(t *testing.T) {
	hub := broker.NewHub()
	start(t, hub, "a")
	start(t, hub, "b")
	client, _ := start(t, hub, "client")
	events := &recorder{}
	client.AddListener(events)

	require.NoError(t, client.Discover(context.Background()))
	assert.Eventually(t, func() bool { return events.has("new", "a") && events.has("new", "b") }, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeats(t *testing.T) {
	hub := broker.NewHub()
	observer, _ := start(t, hub, "observer")
	events := &recorder{}
	observer.AddListener(events)
	require.NoError(t, observer.TrackInstances())

	start(t, hub, "beating", WithHeartbeatInterval(30*time.Millisecond))
	assert.Eventually(t, func() bool { return events.has("beat", "beating") }, 2*time.Second, 10*time.Millisecond)
}

func TestPingAndHasSlot(t *testing.T) {
	hub := broker.NewHub()
	start(t, hub, "target")
	client, _ := start(t, hub, "client")

	out, err := client.Request(context.Background(), "target", "slotPing", "target", int32(1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	info, ok := out[0].(*hash.Hash)
	require.True(t, ok)
	assert.Equal(t, "device", info.Value("type"))
	assert.Equal(t, int32(10), info.Value("heartbeatInterval"))

	out, err = client.Request(context.Background(), "target", "slotHasSlot", "slotPing")
	require.NoError(t, err)
	assert.Equal(t, []any{true}, out)
}

func TestAccessLevelHeader(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "dev")
	client, _ := start(t, hub, "client", WithAccessLevel(schema.Operator), WithUserName("alice"))

	server.RegisterSlot("slotWho", func(_ context.Context, c *SlotCall) ([]any, error) {
		user, _ := c.Message.Header.GetString("userName")
		return []any{int32(c.AccessLevel), user}, nil
	})
	out, err := client.Request(context.Background(), "dev", "slotWho")
	require.NoError(t, err)
	assert.Equal(t, []any{int32(schema.Operator), "alice"}, out)
}

func TestBrokerLossFailsPendingAndPublishesStatus(t *testing.T) {
	hub := broker.NewHub()
	server, _ := start(t, hub, "dev")
	events := &recorder{}
	server.AddListener(events)
	client, session := start(t, hub, "client")

	server.RegisterSlot("slotSilent", func(context.Context, *SlotCall) ([]any, error) {
		return nil, ErrNoReply
	})
	f, err := client.RequestAsync(context.Background(), "dev", "slotSilent")
	require.NoError(t, err)

	session.SetConnected(false)
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, kerrors.ErrTimeout)
	assert.Equal(t, StatusError, client.Info().Value("status"))
	assert.False(t, client.Connected())

	session.SetConnected(true)
	assert.Equal(t, StatusOK, client.Info().Value("status"))
	assert.Eventually(t, func() bool {
		info := events.last("updated", "client")
		return info != nil && info.Value("status") == StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}
