package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/broker"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAccumulate(t *testing.T) {
	tr := New()
	tr.InstanceNew("server", hash.New("type", "server", "host", "H1"))
	tr.InstanceNew("device", hash.New("type", "device", "serverId", "server", "classId", "C"))
	tr.InstanceUpdated("device", hash.New("status", "ok"))
	tr.InstanceGone("device", hash.New())

	topo := tr.Topology()
	assert.True(t, topo.Has("server.server"))
	assert.False(t, topo.Has("device"))
	host, err := topo.Attr("server.server", "host")
	require.NoError(t, err)
	assert.Equal(t, "H1", host)
}

func TestUpdateMergesInfo(t *testing.T) {
	tr := New()
	tr.InstanceNew("dev", hash.New("type", "device", "status", "ok", "classId", "Motor"))
	tr.InstanceUpdated("dev", hash.New("status", "error"))

	a, err := tr.Attributes("device.dev")
	require.NoError(t, err)
	assert.Equal(t, "error", a.Get("status"))
	assert.Equal(t, "Motor", a.Get("classId"))

	_, err = tr.Attributes("device.nope")
	assert.Error(t, err)

	tr.InstanceUpdated("late", hash.New("type", "client"))
	assert.True(t, tr.Has("late"))
}

func TestOneEntryPerID(t *testing.T) {
	tr := New()
	events := []string{
		"new:x:device", "new:x:server", "updated:x:macro", "new:y:device", "gone:x:", "new:x:client",
	}
	for _, ev := range events {
		parts := splitEvent(ev)
		kind, id, typ := parts[0], parts[1], parts[2]
		info := hash.New()
		if typ != "" {
			info.Set("type", typ)
		}
		switch kind {
		case "new":
			tr.InstanceNew(id, info)
		case "updated":
			tr.InstanceUpdated(id, info)
		case "gone":
			tr.InstanceGone(id, info)
		}
		assertExclusive(t, tr.Topology())
	}
	assert.Equal(t, []string{"x"}, tr.Instances("client"))
	assert.Equal(t, []string{"y"}, tr.Instances("device"))
	assert.Empty(t, tr.Instances("server"))
	assert.Empty(t, tr.Instances("macro"))
}

func splitEvent(s string) []string {
	out := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func assertExclusive(t *testing.T, topo *hash.Hash) {
	t.Helper()
	seen := map[string]string{}
	for _, typ := range topo.Nodes() {
		sub, ok := typ.Hash()
		require.True(t, ok)
		for _, inst := range sub.Nodes() {
			prev, dup := seen[inst.Key()]
			assert.False(t, dup, "%s under %s and %s", inst.Key(), prev, typ.Key())
			seen[inst.Key()] = typ.Key()
		}
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(WithClock(clock.Now), WithCountdown(3))
	var gone []string
	tr.OnGone(func(id string, _ *hash.Hash) { gone = append(gone, id) })

	tr.InstanceNew("x", hash.New("type", "device", "heartbeatInterval", int32(1)))
	tr.InstanceNew("y", hash.New("type", "device", "heartbeatInterval", int32(10)))

	clock.Advance(2 * time.Second)
	tr.Heartbeat("x", time.Second, nil)
	clock.Advance(2 * time.Second)
	assert.Empty(t, tr.Expire())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"x"}, tr.Expire())
	assert.Equal(t, []string{"x"}, gone)
	assert.False(t, tr.Has("x"))
	assert.True(t, tr.Has("y"))
}

func TestHeartbeatRevivesUnknown(t *testing.T) {
	tr := New()
	var added []string
	tr.OnNew(func(id string, _ *hash.Hash) { added = append(added, id) })

	tr.Heartbeat("ghost", 5*time.Second, hash.New("type", "server"))
	assert.Equal(t, []string{"ghost"}, tr.Instances("server"))
	assert.Equal(t, []string{"ghost"}, added)
}

func TestSearch(t *testing.T) {
	tr := New()
	tr.InstanceNew("srv", hash.New("type", "server"))
	tr.InstanceNew("m1", hash.New("type", "device", "serverId", "srv", "classId", "Motor"))
	tr.InstanceNew("m2", hash.New("type", "device", "serverId", "srv", "classId", "Camera"))
	tr.InstanceNew("m3", hash.New("type", "device", "serverId", "other", "classId", "Motor"))

	assert.Equal(t, []string{"m1", "m2"}, tr.DevicesOf("srv"))
	motors := tr.Search("", func(_ string, a *hash.Attributes) bool { return a.Get("classId") == "Motor" })
	assert.Equal(t, []string{"device.m1", "device.m3"}, motors)
	assert.Nil(t, tr.Search("macro", func(string, *hash.Attributes) bool { return true }))

	assert.Equal(t, []string{"m1", "m3"}, tr.Find(map[string]string{"classId": "motor"}))
	path, ok := tr.Path("m2")
	assert.True(t, ok)
	assert.Equal(t, "device.m2", path)
}

func TestTrackerOnSignalSlotable(t *testing.T) {
	hub := broker.NewHub()
	connect := func(id string) *signalslot.SignalSlotable {
		b := hub.Broker("topo")
		require.NoError(t, b.Connect(context.Background()))
		s, err := signalslot.New(b, id, hash.New("type", "device"),
			signalslot.WithPingTimeout(30*time.Millisecond), signalslot.WithDiscoverDelay(0))
		require.NoError(t, err)
		return s
	}

	observer := connect("observer")
	tr := New(WithCheckInterval(20 * time.Millisecond))
	observer.AddListener(tr)
	require.NoError(t, observer.TrackInstances())
	require.NoError(t, observer.Start(context.Background()))
	defer observer.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	goneAt := make(chan time.Time, 1)
	tr.OnGone(func(id string, _ *hash.Hash) {
		if id == "x" {
			goneAt <- time.Now()
		}
	})

	x := connect("x")
	require.NoError(t, x.Start(context.Background()))
	assert.Eventually(t, func() bool { return tr.Has("x") }, 2*time.Second, 10*time.Millisecond)

	stopped := time.Now()
	require.NoError(t, x.Stop(context.Background()))
	select {
	case at := <-goneAt:
		assert.Less(t, at.Sub(stopped), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("instanceGone not observed")
	}
	assert.False(t, tr.Has("x"))
}
