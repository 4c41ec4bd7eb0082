package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/broker"
	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

var quiet = []signalslot.Option{
	signalslot.WithPingTimeout(30 * time.Millisecond),
	signalslot.WithDiscoverDelay(0),
	signalslot.WithoutHeartbeats(),
	signalslot.WithRequestTimeout(3 * time.Second),
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Karabo.Topic = "rttest"
	cfg.Karabo.HostName = "testhost"
	cfg.Server.Visibility = "expert"
	return cfg
}

func newRuntime(t *testing.T, hub *broker.Hub) *Runtime {
	t.Helper()
	rt, err := New(testConfig(),
		WithHub(hub),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSignalSlotOptions(quiet...),
		WithLogOutput(io.Discard),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil)
	assert.True(t, kerrors.IsInvalid(err))

	cfg := testConfig()
	cfg.Heartbeat.Interval = 0
	_, err = New(cfg)
	assert.ErrorIs(t, err, kerrors.ErrInvalidConfig)
}

func TestBrokerConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.User = "karabo"
	cfg.Broker.TLS = config.TLSConfig{Cert: "c.pem", Key: "k.pem", CA: "ca.pem"}
	rt, err := New(cfg)
	require.NoError(t, err)

	bc := rt.BrokerConfig("cli")
	assert.Equal(t, broker.TransportNATS, bc.Transport)
	assert.Equal(t, "rttest", bc.Topic)
	assert.Equal(t, "cli", bc.ClientID)
	assert.Equal(t, "karabo", bc.User)
	assert.Equal(t, "k.pem", bc.TLSKey)

	rt, err = New(cfg, WithHub(broker.NewHub()))
	require.NoError(t, err)
	assert.Equal(t, broker.TransportMemory, rt.BrokerConfig("cli").Transport)

	sc := rt.ServerConfig()
	assert.Equal(t, schema.Expert, sc.Visibility)
	assert.Equal(t, "testhost", sc.HostName)
	assert.Equal(t, cfg.Heartbeat.Interval, sc.HeartbeatInterval)
}

func TestClientsAndTopology(t *testing.T) {
	hub := broker.NewHub()
	rt := newRuntime(t, hub)
	ctx := context.Background()

	b1, err := rt.Connect(ctx, "watcher")
	require.NoError(t, err)
	assert.Nil(t, NATS(b1))
	watcher, err := rt.NewClient(ctx, b1, "watcher")
	require.NoError(t, err)
	tracker, err := rt.NewTracker(watcher)
	require.NoError(t, err)

	b2, err := rt.Connect(ctx, "other")
	require.NoError(t, err)
	_, err = rt.NewClient(ctx, b2, "other")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tracker.Has("other") }, 3*time.Second, 10*time.Millisecond)
	info, ok := tracker.Info("other")
	require.True(t, ok)
	host, _ := info.GetString("host")
	assert.Equal(t, "testhost", host)
}

func TestServerOnRuntime(t *testing.T) {
	hub := broker.NewHub()
	rt := newRuntime(t, hub)
	ctx := context.Background()

	registry := device.NewRegistry()
	require.NoError(t, registry.Register(&device.Class{
		ClassID:  "Nop",
		Describe: func(*schema.Schema) {},
		Factory:  func(*device.Device) (any, error) { return struct{}{}, nil },
	}))
	b, err := rt.Connect(ctx, "srv")
	require.NoError(t, err)
	cfg := rt.ServerConfig()
	cfg.ServerID = "rtServer"
	srv, err := rt.NewServer(b, registry, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	assert.Equal(t, "rtServer", srv.ID())

	bs, ok := rt.Health().Get("broker/srv")
	require.True(t, ok)
	assert.True(t, bs.IsHealthy())
	ss, ok := rt.Health().Get("server/rtServer")
	require.True(t, ok)
	assert.True(t, ss.IsHealthy(), ss.Message)

	_, err = srv.StartDevice(ctx, "Nop", "NOP/1", nil)
	require.NoError(t, err)
	require.NoError(t, srv.Kill(ctx))
}

func TestCloseOrderAndErrors(t *testing.T) {
	rt, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	var order []string
	boom := errors.New("boom")
	rt.OnClose("first", func(context.Context) error { order = append(order, "first"); return nil })
	rt.OnClose("second", func(context.Context) error { order = append(order, "second"); return boom })

	err = rt.Close(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.NoError(t, rt.Close(context.Background()))

	_, err = rt.Connect(context.Background(), "late")
	assert.ErrorIs(t, err, kerrors.ErrShuttingDown)
}

func TestServeMetrics(t *testing.T) {
	cfg := testConfig()
	rt, err := New(cfg)
	require.NoError(t, err)
	addr, err := rt.ServeMetrics()
	require.NoError(t, err)
	assert.Empty(t, addr, "port 0 disables the endpoint")

	cfg.Metrics.Port = freePort(t)
	rt, err = New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	addr, err = rt.ServeMetrics()
	require.NoError(t, err)
	defer rt.Close(context.Background())

	rt.Metrics().RecordHeartbeat()
	resp, err := http.Get(addr)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "karabo_")

	resp, err = http.Get(strings.TrimSuffix(addr, cfg.Metrics.Path) + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "rttest", status["component"])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn", "json", "service", "karabo-test")
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "karabo-test", rec["service"])

	buf.Reset()
	NewLogger(&buf, "debug", "text").Debug("dbg")
	assert.Contains(t, buf.String(), "msg=dbg")
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
