// Package device is the Karabo device runtime. A Device owns a schema and a
// configuration, exposes the standard device slots over its own
// SignalSlotable, gates reconfiguration and command execution by access
// level and state, and publishes every property change with signalChanged.
//
// The class-specific part of a device is created by the Factory of its
// Class and hooks into the lifecycle through the optional interfaces
// below.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/European-XFEL/Karabo-sub011/broker"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub011/pkg/worker"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// Keys injected by the device server into the start configuration.
const (
	KeyDeviceID = "_deviceId_"
	KeyServerID = "_serverId_"
)

// Signals emitted by every device.
const (
	SignalChanged       = "signalChanged"
	SignalSchemaUpdated = "signalSchemaUpdated"
)

// PreInitializer runs before the device goes online. An error aborts the
// start.
type PreInitializer interface {
	PreInitialization(ctx context.Context) error
}

// Initializer runs once the device is online. An error puts the device in
// ERROR; it stays online.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Reconfigurer sees accepted changes before they are applied and may still
// veto them.
type Reconfigurer interface {
	PreReconfigure(ctx context.Context, changes *hash.Hash) error
}

// Destroyer runs first when the device is killed.
type Destroyer interface {
	OnDestruction(ctx context.Context) error
}

// Device is a running device instance.
type Device struct {
	id       string
	serverID string
	class    *Class
	ss       *signalslot.SignalSlotable
	logger   *slog.Logger
	metrics  *metric.Metrics
	clock    *timestamp.Clock
	opts     options

	mu       sync.RWMutex
	static   *schema.Schema
	schema   *schema.Schema
	params   *hash.Hash
	alarms   map[string]schema.AlarmCondition
	commands map[string]command
	status   string

	reconfMu sync.Mutex
	impl     any
	pool     *worker.Pool[*job]

	ctx    context.Context
	cancel context.CancelFunc
	online atomic.Bool
	killed atomic.Bool
	done   chan struct{}
}

// New creates a device of class from a start configuration. cfg must carry
// KeyDeviceID and may carry KeyServerID; the rest is validated against the
// class schema with defaults injected.
func New(b broker.Broker, class *Class, cfg *hash.Hash, opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sch, err := class.Schema()
	if err != nil {
		return nil, err
	}
	in := hash.New()
	if cfg != nil {
		in = cfg.Clone()
	}
	id, _ := in.GetString(KeyDeviceID)
	serverID, _ := in.GetString(KeyServerID)
	in.Erase(KeyDeviceID)
	in.Erase(KeyServerID)
	if id == "" {
		return nil, kerrors.Newf(kerrors.KindValidation, "configuration of %s lacks %s", class.ClassID, KeyDeviceID)
	}
	if err := broker.ValidateInstanceID(id); err != nil {
		return nil, kerrors.New(kerrors.KindValidation, err.Error())
	}
	params, err := schema.Validate(sch, in, schema.ForInit)
	if err != nil {
		var ve schema.ValidationErrors
		if errors.As(err, &ve) {
			return nil, gateError(id, ve)
		}
		return nil, err
	}

	d := &Device{
		id:       id,
		serverID: serverID,
		class:    class,
		opts:     o,
		static:   sch,
		schema:   sch.Clone(),
		params:   params,
		alarms:   make(map[string]schema.AlarmCondition),
		commands: make(map[string]command),
		status:   signalslot.StatusOK,
		clock:    o.clock,
		done:     make(chan struct{}),
	}
	if d.clock == nil {
		d.clock = timestamp.NewClock()
	}
	if o.registry != nil {
		d.metrics = o.registry.CoreMetrics()
	}
	logger := o.logger
	if logger == nil {
		level, _ := params.GetString("log.level")
		format, _ := params.GetString("log.format")
		logger = NewLogger(level, format, o.logOutput)
	}
	if o.logHandler != nil {
		logger = slog.New(o.logHandler(logger.Handler()))
	}
	d.logger = logger.With("component", "device", "instance_id", id, "class_id", class.ClassID)

	host, _ := os.Hostname()
	ts := d.clock.Now()
	for _, kv := range []struct {
		path string
		v    any
	}{
		{"deviceId", id},
		{"classId", class.ClassID},
		{"classVersion", class.Version},
		{"serverId", serverID},
		{"karaboVersion", signalslot.Version},
		{"hostName", host},
		{"pid", int32(os.Getpid())},
		{"state", string(schema.Init)},
	} {
		n := d.params.Set(kv.path, kv.v)
		ts.ToAttributes(n.Attributes())
	}

	interval, _ := hash.GetAs[int32](params, "heartbeatInterval")
	visibility, _ := hash.GetAs[int32](params, "visibility")
	archive, _ := params.GetBool("archive")
	info := hash.New(
		"type", "device",
		"classId", class.ClassID,
		"serverId", serverID,
		"visibility", visibility,
		"archive", archive,
	)
	ssOpts := []signalslot.Option{
		signalslot.WithLogger(d.logger),
		signalslot.WithMetrics(o.registry),
	}
	if interval > 0 {
		ssOpts = append(ssOpts, signalslot.WithHeartbeatInterval(time.Duration(interval)*time.Second))
	}
	d.ss, err = signalslot.New(b, id, info, append(ssOpts, o.signalSlot...)...)
	if err != nil {
		return nil, err
	}
	d.pool, err = worker.NewPool[*job](o.commandWorkers, o.commandQueue, d.runJob,
		worker.WithErrorHandler(func(j *job, err error) {
			d.logger.Error("Background command failed", "command", j.name, "error", err)
		}),
		worker.WithMetrics[*job](o.registry, "device/"+id))
	if err != nil {
		return nil, err
	}
	d.registerSlots()

	impl, err := class.Factory(d)
	if err != nil {
		return nil, kerrors.Wrap(err, "Device", "New", "factory of "+class.ClassID)
	}
	d.impl = impl
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// ServerID returns the id of the hosting server, empty for standalone
// devices.
func (d *Device) ServerID() string { return d.serverID }

// ClassID returns the class id.
func (d *Device) ClassID() string { return d.class.ClassID }

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

// SignalSlotable returns the messaging endpoint of the device.
func (d *Device) SignalSlotable() *signalslot.SignalSlotable { return d.ss }

// Done is closed once Kill has completed.
func (d *Device) Done() <-chan struct{} { return d.done }

// Start runs PreInitialization, brings the device online, runs Initialize
// and enters the initial state of the class.
func (d *Device) Start(ctx context.Context) error {
	if pre, ok := d.impl.(PreInitializer); ok {
		pctx, cancel := context.WithTimeout(ctx, d.opts.preInitTimeout)
		err := runBounded(pctx, "preInitialization", pre.PreInitialization)
		cancel()
		if err != nil {
			return kerrors.Wrap(err, "Device", "Start", "preInitialization of "+d.id)
		}
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if err := d.ss.Start(ctx); err != nil {
		d.cancel()
		return err
	}
	d.online.Store(true)
	if err := d.pool.Start(d.ctx); err != nil {
		d.logger.Warn("Command pool started without metrics", "error", err)
	}

	if ini, ok := d.impl.(Initializer); ok {
		if err := ini.Initialize(ctx); err != nil {
			d.logger.Error("Initialization failed", "error", err)
			if serr := d.UpdateState(ctx, schema.Error, hash.New("status", err.Error())); serr != nil {
				d.logger.Warn("Cannot publish error state", "error", serr)
			}
			return nil
		}
	}
	if d.State() == schema.Init {
		initial := d.class.InitialState
		if initial == "" {
			initial = schema.Normal
		}
		if err := d.UpdateState(ctx, initial, nil); err != nil {
			return err
		}
	}
	d.logger.Info("Device started", "server_id", d.serverID)
	return nil
}

// Kill tears the device down: OnDestruction, background commands,
// notification of the server, then instanceGone. Later calls wait for the
// first one.
func (d *Device) Kill(ctx context.Context) error {
	if !d.killed.CompareAndSwap(false, true) {
		select {
		case <-d.done:
		case <-ctx.Done():
		}
		return nil
	}
	defer close(d.done)

	var errs []error
	if des, ok := d.impl.(Destroyer); ok {
		dctx, cancel := context.WithTimeout(ctx, d.opts.destructionTimeout)
		if err := runBounded(dctx, "onDestruction", des.OnDestruction); err != nil {
			d.logger.Warn("onDestruction failed", "error", err)
			errs = append(errs, err)
		}
		cancel()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.pool.Stop(d.opts.destructionTimeout); err != nil {
		d.logger.Warn("Background commands did not finish", "error", err)
		errs = append(errs, err)
	}
	if d.online.Load() && d.serverID != "" {
		if err := d.ss.Call(ctx, d.serverID, "slotDeviceGone", d.id); err != nil {
			d.logger.Warn("Cannot notify server", "server_id", d.serverID, "error", err)
		}
	}
	if err := d.ss.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.online.Store(false)
	d.logger.Info("Device killed")
	return errors.Join(errs...)
}

// runBounded runs fn and gives up when ctx ends, even if fn ignores ctx.
func runBounded(ctx context.Context, name string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return kerrors.Newf(kerrors.KindTimeout, "%s timed out", name)
	}
}

// Schema returns a copy of the current schema, including injected parts.
func (d *Device) Schema() *schema.Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.schema.Clone()
}

// Configuration returns a copy of the current configuration.
func (d *Device) Configuration() *hash.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.Clone()
}

// Get returns the value at path.
func (d *Device) Get(path string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params.Get(path)
}

// State returns the current device state.
func (d *Device) State() schema.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, _ := d.params.GetString("state")
	return schema.State(s)
}

// Set updates properties on behalf of the device itself. Access modes are
// not checked; values are cast to their declared types. Either every key
// is applied or none.
func (d *Device) Set(ctx context.Context, changes *hash.Hash) error {
	d.mu.Lock()
	changed, err := d.applyLocked(changes)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.emitChanged(ctx, changed)
}

// SetValue is Set for a single property.
func (d *Device) SetValue(ctx context.Context, path string, value any) error {
	h := hash.New()
	if _, err := h.SetTyped(path, value, hash.TypeOf(value)); err != nil {
		return err
	}
	return d.Set(ctx, h)
}

// UpdateState sets the state together with optional further properties in
// one update. The instance status follows: ERROR gives "error", UNKNOWN
// gives "unknown", anything else "ok".
func (d *Device) UpdateState(ctx context.Context, st schema.State, extra *hash.Hash) error {
	changes := hash.New()
	if extra != nil {
		changes = extra.Clone()
	}
	changes.Set("state", string(st))
	if err := d.Set(ctx, changes); err != nil {
		return err
	}
	status := signalslot.StatusOK
	switch st {
	case schema.Error:
		status = signalslot.StatusError
	case schema.Unknown:
		status = "unknown"
	}
	d.mu.Lock()
	changedStatus := status != d.status
	d.status = status
	d.mu.Unlock()
	if changedStatus && d.online.Load() {
		return d.ss.UpdateInstanceInfo(ctx, hash.New("status", status))
	}
	return nil
}

type pending struct {
	path  string
	value any
	typ   hash.Type
	ts    timestamp.Timestamp
	has   bool
	attrs *hash.Attributes
}

// applyLocked writes changes into the configuration and returns the
// changed leaves with their timestamps. Caller holds mu.
func (d *Device) applyLocked(changes *hash.Hash) (*hash.Hash, error) {
	var errs schema.ValidationErrors
	var todo []pending
	for _, n := range changes.Flatten().Nodes() {
		p := n.Key()
		if !d.schema.IsLeaf(p) {
			errs = append(errs, schema.ValidationError{Path: p, Message: "is not a property of " + d.class.ClassID, Code: "unknown"})
			continue
		}
		declared, err := d.schema.ValueType(p)
		if err != nil {
			errs = append(errs, schema.ValidationError{Path: p, Message: err.Error(), Code: "type"})
			continue
		}
		v, err := hash.Cast(n.Value(), n.Type(), declared)
		if err != nil {
			errs = append(errs, schema.ValidationError{Path: p, Message: fmt.Sprintf("expected %s, got %s", declared, n.Type()), Code: "type"})
			continue
		}
		ts, has := timestamp.FromAttributes(n.Attributes())
		todo = append(todo, pending{path: p, value: v, typ: declared, ts: ts, has: has, attrs: n.Attributes()})
	}
	if len(errs) > 0 {
		return nil, kerrors.New(kerrors.KindValidation, errs.Error()).WithCause(errs)
	}

	now := d.clock.Now()
	changed := hash.New()
	for _, t := range todo {
		ts := now
		if t.has {
			ts = d.clock.Stamp(t.ts)
		}
		d.store(t.path, t.value, t.typ, ts, t.attrs, changed)
	}
	d.updateGlobalAlarm(now, changed)
	return changed, nil
}

// store writes one leaf into params and changed.
func (d *Device) store(path string, value any, typ hash.Type, ts timestamp.Timestamp, extra *hash.Attributes, changed *hash.Hash) {
	n, err := d.params.SetTyped(path, value, typ)
	if err != nil {
		d.logger.Error("Cannot store property", "path", path, "error", err)
		return
	}
	attrs := hash.NewAttributes()
	if extra != nil {
		attrs.Merge(extra)
	}
	ts.ToAttributes(attrs)
	attrs.Delete(schema.AttrAlarmCondition)
	if d.schema.HasAlarmLimits(path) {
		cond := d.schema.EvaluateAlarm(path, value)
		if cond == schema.AlarmNone {
			delete(d.alarms, path)
		} else {
			d.alarms[path] = cond
			_ = attrs.Set(schema.AttrAlarmCondition, string(cond))
		}
	}
	d.replaceAttrs(n, attrs)

	cn, err := changed.SetTyped(path, hash.CloneValue(value), typ)
	if err == nil {
		d.replaceAttrs(cn, attrs.Clone())
	}
}

func (d *Device) replaceAttrs(n *hash.Node, attrs *hash.Attributes) {
	a := n.Attributes()
	for _, k := range a.Keys() {
		a.Delete(k)
	}
	a.Merge(attrs)
}

func severity(c schema.AlarmCondition) int {
	switch {
	case c.IsAlarm():
		return 2
	case c == schema.AlarmNone || c == "":
		return 0
	default:
		return 1
	}
}

// updateGlobalAlarm keeps alarmCondition at the most severe condition of
// all properties. Caller holds mu.
func (d *Device) updateGlobalAlarm(ts timestamp.Timestamp, changed *hash.Hash) {
	worst := schema.AlarmNone
	for _, c := range d.alarms {
		s, w := severity(c), severity(worst)
		if s > w || (s == w && s > 0 && c < worst) {
			worst = c
		}
	}
	cur, _ := d.params.GetString("alarmCondition")
	if schema.AlarmCondition(cur) == worst {
		return
	}
	d.store("alarmCondition", string(worst), hash.String, ts, nil, changed)
}

func (d *Device) emitChanged(ctx context.Context, changed *hash.Hash) error {
	if changed.Empty() || !d.online.Load() {
		return nil
	}
	return d.ss.Emit(ctx, SignalChanged, changed, d.id)
}

// UpdateSchema injects extra schema entries at runtime. Entries of a
// previous injection not repeated in injected are dropped. New leaves get
// their defaults.
func (d *Device) UpdateSchema(ctx context.Context, injected *schema.Schema) error {
	full := d.static.Clone()
	full.Merge(injected)
	if err := full.Err(); err != nil {
		return kerrors.New(kerrors.KindValidation, err.Error()).WithCause(err)
	}
	defaults, err := schema.NewValidator(injected, schema.ForInit).
		WithOptions(schema.Options{InjectDefaults: true, AllowUnrootedConfiguration: true, AllowMissingKeys: true}).
		Validate(hash.New())
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.schema = full
	changed := hash.New()
	now := d.clock.Now()
	for _, n := range defaults.Flatten().Nodes() {
		if d.params.Has(n.Key()) || !full.IsLeaf(n.Key()) {
			continue
		}
		d.store(n.Key(), n.Value(), n.Type(), now, nil, changed)
	}
	d.mu.Unlock()

	if d.online.Load() {
		if err := d.ss.Emit(ctx, SignalSchemaUpdated, full.Wire(), d.id); err != nil {
			return err
		}
	}
	return d.emitChanged(ctx, changed)
}

func (d *Device) String() string {
	return fmt.Sprintf("Device(%s, %s)", d.id, d.class.ClassID)
}
