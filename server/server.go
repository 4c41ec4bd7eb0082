// Package server implements the Karabo device server: a process hosting
// device instances, offering the classes enabled by its plugin manifests
// and starting and killing devices on request.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/European-XFEL/Karabo-sub011/broker"
	"github.com/European-XFEL/Karabo-sub011/device"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/buffer"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// startTimeout bounds one slotStartDevice request.
const startTimeout = 30 * time.Second

// Config holds the server parameters.
type Config struct {
	// ServerID defaults to <host>_Server_<pid>.
	ServerID string
	// HostName defaults to the short host name.
	HostName string
	// PluginDirectory holds the plugin manifests. Empty offers every
	// registered class.
	PluginDirectory string
	// DeviceClasses restricts the offered classes when not empty.
	DeviceClasses []string
	Visibility    schema.AccessLevel
	// LogLevel and LogFormat are injected into every device that does not
	// set its own log node.
	LogLevel          string
	LogFormat         string
	HeartbeatInterval time.Duration
	// Init maps device ids to configurations started with the server. Each
	// configuration carries its classId.
	Init *hash.Hash
}

// Server hosts devices.
type Server struct {
	id       string
	cfg      Config
	broker   broker.Broker
	registry *device.Registry
	ss       *signalslot.SignalSlotable
	logger   *slog.Logger
	logs     *buffer.Ring[*hash.Hash]
	metrics  *metric.Metrics
	opts     options
	pid      int

	mu      sync.Mutex
	devices map[string]*device.Device // nil while starting
	plugins plugins
	status  *hash.Hash
	counter int

	cancel context.CancelFunc
	killed atomic.Bool
	done   chan struct{}
}

// New creates a server on a connected broker session. Hosted devices share
// the session.
func New(b broker.Broker, registry *device.Registry, cfg Config, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if registry == nil {
		return nil, kerrors.WrapFatal(errors.New("registry cannot be nil"), "Server", "New", "registry validation")
	}
	if cfg.HostName == "" {
		host, _ := os.Hostname()
		cfg.HostName, _, _ = strings.Cut(host, ".")
	}
	pid := os.Getpid()
	if cfg.ServerID == "" {
		cfg.ServerID = fmt.Sprintf("%s_Server_%d", cfg.HostName, pid)
	}
	if err := broker.ValidateInstanceID(cfg.ServerID); err != nil {
		return nil, kerrors.WrapInvalid(err, "Server", "New", "server id validation")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	s := &Server{
		id:       cfg.ServerID,
		cfg:      cfg,
		broker:   b,
		registry: registry,
		opts:     o,
		pid:      pid,
		devices:  make(map[string]*device.Device),
		status:   hash.New("startingDevice", "", "startingError", "", "pluginErrors", []string{}),
		done:     make(chan struct{}),
	}
	s.logs = newLogRing(o, s.id)
	s.logger = slog.New(newCachingHandler(o.logger.Handler(), s.logs)).
		With("component", "server", "instance_id", s.id)
	if o.registry != nil {
		s.metrics = o.registry.CoreMetrics()
	}

	info := hash.New(
		"type", "server",
		"serverId", s.id,
		"host", cfg.HostName,
		"lang", "go",
		"version", signalslot.Version,
		"visibility", int32(cfg.Visibility),
		"log", strings.ToUpper(cfg.LogLevel),
		"deviceClasses", []string{},
		"visibilities", []int32{},
	)
	ssOpts := append([]signalslot.Option{
		signalslot.WithLogger(s.logger),
		signalslot.WithMetrics(o.registry),
		signalslot.WithHeartbeatInterval(cfg.HeartbeatInterval),
	}, o.signalSlot...)
	ss, err := signalslot.New(b, s.id, info, ssOpts...)
	if err != nil {
		return nil, err
	}
	s.ss = ss
	s.registerSlots()
	return s, nil
}

// ID returns the server id.
func (s *Server) ID() string { return s.id }

// SignalSlotable returns the messaging endpoint of the server.
func (s *Server) SignalSlotable() *signalslot.SignalSlotable { return s.ss }

// Done is closed after the server has shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

// Classes returns the offered class ids, sorted.
func (s *Server) Classes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugins.classIDs()
}

// Devices returns the ids of running devices, sorted.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.devices))
	for id, d := range s.devices {
		if d != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Device returns a running device.
func (s *Server) Device(id string) (*device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	return d, d != nil
}

// Status returns startingDevice, startingError and pluginErrors.
func (s *Server) Status() *hash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Clone()
}

// Start scans the plugins, brings the server online and launches the
// devices of Config.Init.
func (s *Server) Start(ctx context.Context) error {
	s.rescan(ctx)
	if err := s.ss.Start(ctx); err != nil {
		return err
	}
	var scanCtx context.Context
	scanCtx, s.cancel = context.WithCancel(context.Background())
	go s.scanLoop(scanCtx)

	s.logger.Info("Device server started",
		"pid", s.pid, "host", s.cfg.HostName, "topic", s.broker.Topics().Topic(), "classes", s.Classes())

	if s.cfg.Init != nil {
		for _, n := range s.cfg.Init.Nodes() {
			cfg, ok := n.Hash()
			if !ok {
				s.logger.Error("Init entry is not a configuration", "device_id", n.Key())
				continue
			}
			cfg = cfg.Clone()
			classID, _ := cfg.GetString("classId")
			cfg.Erase("classId")
			id := n.Key()
			go func() {
				sctx, cancel := context.WithTimeout(scanCtx, startTimeout)
				defer cancel()
				if _, err := s.StartDevice(sctx, classID, id, cfg); err != nil {
					s.logger.Error("Could not start device", "device_id", id, "class_id", classID, "error", err)
				}
			}()
		}
	}
	return nil
}

// Run starts the server and blocks until it is killed or ctx ends; in the
// latter case all devices are killed first.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return s.Kill(context.Background())
	}
}

func (s *Server) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rescan(ctx)
		}
	}
}

// rescan refreshes the offered classes and announces changes with
// instanceUpdated.
func (s *Server) rescan(ctx context.Context) {
	p := scanPlugins(s.cfg.PluginDirectory, s.registry, s.cfg.DeviceClasses)
	s.mu.Lock()
	if s.plugins.classes != nil && p.equal(s.plugins) {
		s.mu.Unlock()
		return
	}
	s.plugins = p
	s.status.Set("pluginErrors", append([]string{}, p.errors...))
	s.mu.Unlock()

	for _, e := range p.errors {
		s.logger.Error("Problem loading device classes", "error", e)
	}
	update := hash.New("deviceClasses", p.classIDs(), "visibilities", p.visibilities())
	if err := s.ss.UpdateInstanceInfo(ctx, update); err != nil {
		s.logger.Warn("Cannot announce device classes", "error", err)
	}
}

// nextDeviceID generates <serverId>_<classId>_<N>. Servers named after
// their pid use <host>-<Server>_<classId>_<N> so ids survive restarts.
func (s *Server) nextDeviceID(classID string) string {
	s.counter++
	tokens := strings.Split(s.id, "_")
	if len(tokens) >= 3 && tokens[len(tokens)-1] == strconv.Itoa(s.pid) {
		return fmt.Sprintf("%s-%s_%s_%d", tokens[0], tokens[len(tokens)-2], classID, s.counter)
	}
	return fmt.Sprintf("%s_%s_%d", s.id, classID, s.counter)
}

// StartDevice validates cfg against the class schema, injects the server
// id, the device id and the log node, and starts the device. An empty
// deviceID is generated. It returns the id of the started device.
func (s *Server) StartDevice(ctx context.Context, classID, deviceID string, cfg *hash.Hash) (string, error) {
	if classID == "" {
		return "", kerrors.New(kerrors.KindValidation, "classId is required")
	}
	s.mu.Lock()
	class, ok := s.plugins.classes[classID]
	if !ok {
		s.mu.Unlock()
		return "", kerrors.Newf(kerrors.KindNotFound, "unknown class %q on server %s", classID, s.id)
	}
	if deviceID == "" {
		deviceID = s.nextDeviceID(classID)
	}
	if _, busy := s.devices[deviceID]; busy {
		s.mu.Unlock()
		return "", kerrors.Newf(kerrors.KindNameTaken, "device %s is already running or starting on this server", deviceID)
	}
	s.devices[deviceID] = nil
	s.status.Set("startingDevice", deviceID)
	s.mu.Unlock()

	s.logger.Info("Trying to start device", "device_id", deviceID, "class_id", classID)
	d, err := s.launch(ctx, class, deviceID, cfg)

	s.mu.Lock()
	if err != nil {
		delete(s.devices, deviceID)
		s.status.Set("startingError", fmt.Sprintf("%s: %v", deviceID, err))
	} else {
		s.devices[deviceID] = d
		s.status.Set("startingError", "")
	}
	changed := hash.New("startingDevice", deviceID, "startingError", s.status.Value("startingError"))
	n := len(s.devices)
	s.mu.Unlock()

	s.metrics.RecordDevices(n)
	if eerr := s.ss.Emit(ctx, device.SignalChanged, changed, s.id); eerr != nil {
		s.logger.Debug("Cannot emit server status", "error", eerr)
	}
	if err != nil {
		s.logger.Error("Could not start device", "device_id", deviceID, "class_id", classID, "error", err)
		return "", err
	}
	return deviceID, nil
}

func (s *Server) launch(ctx context.Context, class *device.Class, id string, cfg *hash.Hash) (*device.Device, error) {
	config := hash.New()
	if cfg != nil {
		config = cfg.Clone()
	}
	config.Erase(device.KeyDeviceID)
	config.Erase(device.KeyServerID)
	if !config.Has("log.level") {
		config.Set("log.level", strings.ToUpper(s.cfg.LogLevel))
	}
	if !config.Has("log.format") {
		config.Set("log.format", strings.ToLower(s.cfg.LogFormat))
	}

	sch, err := class.Schema()
	if err != nil {
		return nil, err
	}
	if _, err := schema.Validate(sch, config, schema.ForInit); err != nil {
		return nil, kerrors.Newf(kerrors.KindValidation, "configuration for %s validation failed: %v", id, err).WithCause(err)
	}
	config.Set(device.KeyServerID, s.id)
	config.Set(device.KeyDeviceID, id)

	opts := append([]device.Option{
		device.WithLogOutput(s.opts.logOutput),
		device.WithMetrics(s.opts.registry),
		device.WithLogHandler(func(h slog.Handler) slog.Handler { return newCachingHandler(h, s.logs) }),
	}, s.opts.deviceOpts...)
	d, err := device.New(s.broker, class, config, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Kill kills every hosted device within the kill timeout and takes the
// server offline. Devices that do not finish in time are abandoned and
// reported in the returned error.
func (s *Server) Kill(ctx context.Context) error {
	if !s.killed.CompareAndSwap(false, true) {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		return nil
	}
	err := s.killDevices(ctx)
	s.shutdown(ctx)
	return err
}

func (s *Server) killDevices(ctx context.Context) error {
	s.mu.Lock()
	devs := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if d != nil {
			devs = append(devs, d)
		}
	}
	s.mu.Unlock()
	if len(devs) == 0 {
		return nil
	}

	kctx, cancel := context.WithTimeout(ctx, s.opts.killTimeout)
	defer cancel()
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, d := range devs {
		g.Go(func() error {
			if err := d.Kill(kctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", d.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-kctx.Done():
	}

	var abandoned []string
	s.mu.Lock()
	for _, d := range devs {
		select {
		case <-d.Done():
			delete(s.devices, d.ID())
		default:
			abandoned = append(abandoned, d.ID())
		}
	}
	s.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	if len(abandoned) > 0 {
		sort.Strings(abandoned)
		s.logger.Warn("Some devices could not be killed", "devices", abandoned)
		errs = append(errs, kerrors.Newf(kerrors.KindTimeout, "devices not killed in time: %s", strings.Join(abandoned, ", ")))
	}
	if len(errs) > 0 {
		s.logger.Error("Some devices failed during shutdown", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (s *Server) shutdown(ctx context.Context) {
	defer close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.ss.Stop(ctx); err != nil {
		s.logger.Warn("Cannot announce shutdown", "error", err)
	}
	s.logger.Info("Device server stopped")
}

func (s *Server) String() string {
	return fmt.Sprintf("Server(%s)", s.id)
}
