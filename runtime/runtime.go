// Package runtime holds the process-wide state of a Karabo binary: the
// configuration, the root logger, the metrics registry and every broker
// session opened on their behalf. A binary creates one Runtime in main and
// passes it down; nothing below main reaches for globals.
//
//	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer rt.Close(context.Background())
//
//	b, err := rt.Connect(ctx, "")
//	srv, err := rt.NewServer(b, registry)
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/European-XFEL/Karabo-sub011/broker"
	"github.com/European-XFEL/Karabo-sub011/config"
	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/health"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/server"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
	"github.com/European-XFEL/Karabo-sub011/topology"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// Runtime is safe for concurrent use.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	health   *health.Monitor
	hub      *broker.Hub
	ssOpts   []signalslot.Option
	logOut   io.Writer

	mu      sync.Mutex
	closers []closer
	metrics *metric.Server
	closed  bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the root logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithRegistry sets the metrics registry. The default is a fresh one.
func WithRegistry(r *metric.MetricsRegistry) Option {
	return func(rt *Runtime) {
		if r != nil {
			rt.registry = r
		}
	}
}

// WithHub makes every broker session an in-process one on hub, whatever
// the configured transport.
func WithHub(h *broker.Hub) Option {
	return func(rt *Runtime) { rt.hub = h }
}

// WithLogOutput sets where hosted devices write their logs.
func WithLogOutput(w io.Writer) Option {
	return func(rt *Runtime) { rt.logOut = w }
}

// WithSignalSlotOptions appends options given to every instance the
// runtime creates.
func WithSignalSlotOptions(opts ...signalslot.Option) Option {
	return func(rt *Runtime) { rt.ssOpts = append(rt.ssOpts, opts...) }
}

// New validates cfg and creates a runtime owning it.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, kerrors.WrapInvalid(kerrors.ErrMissingConfig, "Runtime", "New", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{cfg: cfg.Clone(), logger: slog.Default(), health: health.NewMonitor()}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.registry == nil {
		rt.registry = metric.NewMetricsRegistry()
	}
	return rt, nil
}

// Config returns the configuration. Callers must not modify it.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Logger returns the root logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Registry returns the metrics registry.
func (rt *Runtime) Registry() *metric.MetricsRegistry { return rt.registry }

// Health returns the monitor served on /health next to the metrics.
func (rt *Runtime) Health() *health.Monitor { return rt.health }

// Metrics returns the core Karabo metrics.
func (rt *Runtime) Metrics() *metric.Metrics { return rt.registry.CoreMetrics() }

// OnClose registers fn to run on Close. Functions run in reverse order of
// registration.
func (rt *Runtime) OnClose(name string, fn func(context.Context) error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closers = append(rt.closers, closer{name: name, fn: fn})
}

// BrokerConfig derives the transport settings for one session.
func (rt *Runtime) BrokerConfig(clientID string) broker.Config {
	bc := rt.cfg.Broker
	cfg := broker.Config{
		Transport: bc.Transport,
		URLs:      bc.URLs,
		Topic:     rt.cfg.Karabo.Topic,
		User:      bc.User,
		Password:  bc.Password,
		Token:     bc.Token,
		ClientID:  clientID,
		TLSCert:   bc.TLS.Cert,
		TLSKey:    bc.TLS.Key,
		TLSCA:     bc.TLS.CA,
		QoS:       1,
		Timeout:   bc.Timeout,
	}
	if rt.hub != nil {
		cfg.Transport = broker.TransportMemory
	}
	return cfg
}

// Connect opens a broker session and closes it with the runtime.
func (rt *Runtime) Connect(ctx context.Context, clientID string) (broker.Broker, error) {
	rt.mu.Lock()
	closed := rt.closed
	rt.mu.Unlock()
	if closed {
		return nil, kerrors.WrapFatal(kerrors.ErrShuttingDown, "Runtime", "Connect", "open broker session")
	}
	b, err := broker.New(rt.BrokerConfig(clientID), rt.hub, rt.registry, rt.logger)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		_ = b.Close(context.Background())
		return nil, kerrors.WrapTransient(err, "Runtime", "Connect", "connect to "+strings.Join(rt.cfg.Broker.URLs, ","))
	}
	metrics := rt.Metrics()
	metrics.RecordBrokerStatus(true)
	component := "broker/" + clientID
	rt.health.Update(component, health.NewHealthy(component, "connected"))
	b.OnConnectionChange(func(up bool) {
		metrics.RecordBrokerStatus(up)
		if up {
			metrics.RecordBrokerReconnect()
			rt.health.Update(component, health.NewHealthy(component, "connected"))
			return
		}
		rt.health.Update(component, health.NewUnhealthy(component, "connection lost"))
	})
	rt.OnClose("broker "+clientID, b.Close)
	rt.logger.Info("Broker session open", "transport", rt.BrokerConfig(clientID).Transport,
		"topic", rt.cfg.Karabo.Topic, "client_id", clientID)
	return b, nil
}

// NATS returns the NATS client under b, or nil for other transports.
func NATS(b broker.Broker) *natsclient.Client {
	if n, ok := b.(*broker.NATS); ok {
		return n.Client()
	}
	return nil
}

// SignalSlotOptions returns the options every instance of the process
// shares.
func (rt *Runtime) SignalSlotOptions() []signalslot.Option {
	return append([]signalslot.Option{
		signalslot.WithLogger(rt.logger),
		signalslot.WithMetrics(rt.registry),
		signalslot.WithHeartbeatInterval(rt.cfg.Heartbeat.Interval),
	}, rt.ssOpts...)
}

// NewClient creates and starts a client instance on b. An empty id is
// replaced by <host>_<pid>.
func (rt *Runtime) NewClient(ctx context.Context, b broker.Broker, id string) (*signalslot.SignalSlotable, error) {
	if id == "" {
		host, _ := os.Hostname()
		host, _, _ = strings.Cut(host, ".")
		id = fmt.Sprintf("%s_%d", host, os.Getpid())
	}
	info := hash.New("type", "client", "host", rt.hostName(), "lang", "go", "version", signalslot.Version)
	ss, err := signalslot.New(b, id, info, rt.SignalSlotOptions()...)
	if err != nil {
		return nil, err
	}
	if err := ss.Start(ctx); err != nil {
		return nil, err
	}
	rt.OnClose("client "+id, ss.Stop)
	return ss, nil
}

// NewTracker creates a topology tracker fed by ss.
func (rt *Runtime) NewTracker(ss *signalslot.SignalSlotable) (*topology.Tracker, error) {
	t := topology.New(
		topology.WithCountdown(rt.cfg.Heartbeat.Countdown),
		topology.WithLogger(rt.logger),
		topology.WithMetrics(rt.registry),
	)
	ss.AddListener(t)
	if err := ss.TrackInstances(); err != nil {
		return nil, err
	}
	return t, nil
}

func (rt *Runtime) hostName() string {
	if rt.cfg.Karabo.HostName != "" {
		return rt.cfg.Karabo.HostName
	}
	host, _ := os.Hostname()
	host, _, _ = strings.Cut(host, ".")
	return host
}

// ServerConfig maps the server section onto server.Config.
func (rt *Runtime) ServerConfig() server.Config {
	sc := rt.cfg.Server
	visibility, _ := schema.ParseAccessLevel(strings.ToUpper(sc.Visibility))
	return server.Config{
		ServerID:          sc.ServerID,
		HostName:          rt.cfg.Karabo.HostName,
		PluginDirectory:   sc.PluginDirectory,
		DeviceClasses:     sc.DeviceClasses,
		Visibility:        visibility,
		LogLevel:          rt.cfg.Log.Level,
		LogFormat:         rt.cfg.Log.Format,
		HeartbeatInterval: rt.cfg.Heartbeat.Interval,
	}
}

// NewServer creates a device server on b. cfg overrides ServerConfig when
// given.
func (rt *Runtime) NewServer(b broker.Broker, registry *device.Registry, cfg ...server.Config) (*server.Server, error) {
	sc := rt.ServerConfig()
	if len(cfg) > 0 {
		sc = cfg[0]
	}
	opts := []server.Option{
		server.WithLogger(rt.logger),
		server.WithMetrics(rt.registry),
		server.WithSignalSlotOptions(rt.SignalSlotOptions()...),
		server.WithDeviceOptions(device.WithSignalSlotOptions(
			append([]signalslot.Option{signalslot.WithHeartbeatInterval(rt.cfg.Heartbeat.Interval)}, rt.ssOpts...)...)),
	}
	if rt.logOut != nil {
		opts = append(opts, server.WithLogOutput(rt.logOut))
	}
	if rt.cfg.Server.ScanInterval > 0 {
		opts = append(opts, server.WithScanInterval(rt.cfg.Server.ScanInterval))
	}
	if rt.cfg.Server.KillTimeout > 0 {
		opts = append(opts, server.WithKillTimeout(rt.cfg.Server.KillTimeout))
	}
	srv, err := server.New(b, registry, sc, opts...)
	if err != nil {
		return nil, err
	}
	rt.health.AddCheck("server/"+srv.ID(), srv.Health)
	return srv, nil
}

// ServeMetrics starts the Prometheus endpoint when a port is configured
// and returns its scrape URL.
func (rt *Runtime) ServeMetrics() (string, error) {
	if rt.cfg.Metrics.Port == 0 {
		return "", nil
	}
	rt.mu.Lock()
	if rt.metrics != nil {
		rt.mu.Unlock()
		return rt.metrics.Address(), nil
	}
	srv := metric.NewServer(rt.cfg.Metrics.Port, rt.cfg.Metrics.Path, rt.registry)
	srv.Mount("/health", rt.health.Handler(rt.cfg.Karabo.Topic))
	rt.metrics = srv
	rt.mu.Unlock()
	if err := srv.Start(); err != nil {
		rt.mu.Lock()
		rt.metrics = nil
		rt.mu.Unlock()
		return "", err
	}
	rt.OnClose("metrics", srv.Stop)
	rt.logger.Info("Metrics endpoint listening", "url", srv.Address())
	return srv.Address(), nil
}

// Close runs the registered close functions, newest first, and returns
// their joined errors. Later calls do nothing.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	closers := rt.closers
	rt.closers = nil
	rt.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			rt.logger.Warn("Close failed", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
