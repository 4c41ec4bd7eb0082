// Package signalslot implements the Karabo signal/slot layer on top of a
// broker.Broker: named slots invoked by remote callers, signals emitted to
// connected slots, request/reply with correlated futures, heartbeats and
// instance tracking.
//
// All incoming calls of one SignalSlotable are dispatched by a single inbox
// goroutine in arrival order, so messages from one sender are handled in
// the order it emitted them. Replies bypass the inbox and resolve their
// futures directly, which lets a slot handler issue requests of its own.
// Future.Wait outside a slot handler still returns only after everything
// that arrived before the reply has been handled.
package signalslot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/European-XFEL/Karabo-sub011/broker"
	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/schema"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// Version is advertised as karaboVersion in the instance info.
var Version = "2.20.0"

// Instance status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrNoReply, returned by a slot, suppresses the reply to the caller.
var ErrNoReply = errors.New("no reply")

// ErrStopped is returned by operations on a stopped instance.
var ErrStopped = errors.New("signalslot instance stopped")

// SlotCall is one incoming slot invocation.
type SlotCall struct {
	Slot        string
	Sender      string
	Args        []any
	AccessLevel schema.AccessLevel
	Message     *wire.Message

	owner *SignalSlotable
}

// Defer detaches the reply from the slot. The slot returns ErrNoReply and
// later calls the returned function exactly once with the result; further
// calls are ignored.
func (c *SlotCall) Defer() func(out []any, err error) {
	var once sync.Once
	return func(out []any, err error) {
		once.Do(func() {
			if err != nil {
				c.owner.logger.Error("Slot failed", "slot", c.Slot, "sender", c.Sender, "error", err)
			}
			c.owner.reply(c.Message, out, err)
		})
	}
}

// SlotFunc handles a slot call. The returned values become the reply
// arguments; a returned error becomes a failure reply.
type SlotFunc func(ctx context.Context, c *SlotCall) ([]any, error)

// InstanceListener receives instance tracking events. Heartbeats are only
// delivered after TrackInstances.
type InstanceListener interface {
	InstanceNew(id string, info *hash.Hash)
	InstanceUpdated(id string, info *hash.Hash)
	InstanceGone(id string, info *hash.Hash)
	Heartbeat(id string, interval time.Duration, info *hash.Hash)
}

type deliveryKind int

const (
	deliverSlots deliveryKind = iota
	deliverSignal
	deliverBeat
)

type delivery struct {
	kind    deliveryKind
	subject string
	msg     *wire.Message
}

type connection struct {
	sub   broker.Subscription
	slots []string
}

// SignalSlotable is one participant on the broker.
type SignalSlotable struct {
	id     string
	broker broker.Broker
	topics broker.Topics
	opts   options
	logger *slog.Logger
	host   string

	infoMu sync.RWMutex
	info   *hash.Hash

	slotsMu sync.RWMutex
	slots   map[string]SlotFunc

	pendingMu sync.Mutex
	pending   map[string]*Future

	connMu      sync.Mutex
	connections map[string]*connection
	subs        []broker.Subscription

	listenersMu sync.RWMutex
	listeners   []InstanceListener
	tracking    bool

	answerMu  sync.Mutex
	answering map[string]bool
	limiter   *rate.Limiter

	pingToken atomic.Int32
	started   atomic.Bool
	stopped   atomic.Bool
	connected atomic.Bool

	inbox  chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// slotCtx is handed to slot handlers and marks waits that must not
	// block on the inbox they are running from.
	slotCtx context.Context

	seqMu    sync.Mutex
	queued   uint64
	handled  uint64
	progress chan struct{}
}

type slotCtxKey struct{}

// New creates an instance on b. info seeds the instance info; type,
// heartbeatInterval, host, lang, status and karaboVersion are filled in
// when absent.
func New(b broker.Broker, id string, info *hash.Hash, opts ...Option) (*SignalSlotable, error) {
	if err := broker.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	host, _ := os.Hostname()
	if info == nil {
		info = hash.New()
	} else {
		info = info.Clone()
	}
	if !info.Has("type") {
		info.Set("type", "client")
	}
	info.Set("host", host)
	info.Set("lang", "go")
	info.Set("status", StatusOK)
	info.Set("karaboVersion", Version)
	_, _ = info.SetTyped("heartbeatInterval", int32(max(1, int(o.heartbeatInterval/time.Second))), hash.Int32)

	ctx, cancel := context.WithCancel(context.Background())
	s := &SignalSlotable{
		id:          id,
		broker:      b,
		topics:      b.Topics(),
		opts:        o,
		logger:      o.logger.With("component", "signalslot", "instance_id", id),
		host:        host,
		info:        info,
		slots:       make(map[string]SlotFunc),
		pending:     make(map[string]*Future),
		connections: make(map[string]*connection),
		answering:   make(map[string]bool),
		limiter:     rate.NewLimiter(o.answerLimit, o.answerBurst),
		inbox:       make(chan delivery, o.inboxSize),
		ctx:         ctx,
		cancel:      cancel,
		progress:    make(chan struct{}),
	}
	s.slotCtx = context.WithValue(ctx, slotCtxKey{}, s)
	s.connected.Store(true)
	s.registerBuiltins()
	return s, nil
}

// ID returns the instance id.
func (s *SignalSlotable) ID() string { return s.id }

// Broker returns the transport.
func (s *SignalSlotable) Broker() broker.Broker { return s.broker }

// Logger returns the instance logger.
func (s *SignalSlotable) Logger() *slog.Logger { return s.logger }

// Context is cancelled when the instance stops. Slot handlers receive it.
func (s *SignalSlotable) Context() context.Context { return s.ctx }

// Info returns a copy of the instance info.
func (s *SignalSlotable) Info() *hash.Hash {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info.Clone()
}

// HeartbeatInterval returns the configured heartbeat period.
func (s *SignalSlotable) HeartbeatInterval() time.Duration { return s.opts.heartbeatInterval }

// RegisterSlot makes fn callable as name. Registering an existing name
// replaces the handler.
func (s *SignalSlotable) RegisterSlot(name string, fn SlotFunc) {
	s.slotsMu.Lock()
	s.slots[name] = fn
	s.slotsMu.Unlock()
}

// HasSlot reports whether name is registered.
func (s *SignalSlotable) HasSlot(name string) bool {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	_, ok := s.slots[name]
	return ok
}

func (s *SignalSlotable) slot(name string) (SlotFunc, bool) {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	fn, ok := s.slots[name]
	return fn, ok
}

// AddListener registers l for instanceNew, instanceUpdated and
// instanceGone events.
func (s *SignalSlotable) AddListener(l InstanceListener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *SignalSlotable) each(fn func(InstanceListener)) {
	s.listenersMu.RLock()
	ls := append([]InstanceListener{}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

// Start subscribes, checks that the id is unique on the topic, announces
// the instance with instanceNew and starts the heartbeat loop. The broker
// must already be connected.
func (s *SignalSlotable) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Add(1)
	go s.dispatch()

	sub, err := s.broker.Subscribe(s.topics.Slots(s.id), broker.Selector{Instance: s.id}, s.onMessage(deliverSlots))
	if err != nil {
		return s.abort(err)
	}
	s.addSub(sub)
	if s.opts.broadcast {
		sub, err = s.broker.Subscribe(s.topics.Broadcast(), broker.Selector{}, s.onMessage(deliverSlots))
		if err != nil {
			return s.abort(err)
		}
		s.addSub(sub)
	}
	s.broker.OnConnectionChange(s.onConnectionChange)

	if err := s.assertUnique(ctx); err != nil {
		return s.abort(err)
	}
	if err := s.Call(ctx, wire.Broadcast, "slotInstanceNew", s.id, s.Info()); err != nil {
		return s.abort(err)
	}

	s.wg.Add(1)
	go s.janitor()
	if s.opts.heartbeats {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	s.logger.Info("Instance started")
	return nil
}

func (s *SignalSlotable) abort(err error) error {
	s.stopped.Store(true)
	s.cancel()
	s.unsubscribeAll()
	return err
}

func (s *SignalSlotable) addSub(sub broker.Subscription) {
	s.connMu.Lock()
	s.subs = append(s.subs, sub)
	s.connMu.Unlock()
}

// assertUnique pings the own id with a random token. The own slotPing
// ignores that token, so any reply comes from another instance.
func (s *SignalSlotable) assertUnique(ctx context.Context) error {
	token := rand.Int31n(0x7ffffffd) + 2
	s.pingToken.Store(token)
	defer s.pingToken.Store(0)

	pctx, cancel := context.WithTimeout(ctx, s.opts.pingTimeout)
	defer cancel()
	_, err := s.Request(pctx, s.id, "slotPing", s.id, token)
	switch {
	case err == nil:
		return kerrors.Newf(kerrors.KindNameTaken, "instance id %q already in use", s.id)
	case kerrors.KindOf(err) == kerrors.KindTimeout:
		return nil
	default:
		return err
	}
}

// Stop announces instanceGone, fails pending requests and unsubscribes.
// Slot handlers in progress are not interrupted; Stop does not wait for
// them, so it may be called from a slot.
func (s *SignalSlotable) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.started.Load() && s.connected.Load() {
		err = s.Call(ctx, wire.Broadcast, "slotInstanceGone", s.id, s.Info())
	}
	s.cancel()
	s.failPending(ErrCancelled)
	s.unsubscribeAll()
	s.logger.Info("Instance stopped")
	return err
}

func (s *SignalSlotable) unsubscribeAll() {
	s.connMu.Lock()
	subs := s.subs
	s.subs = nil
	conns := s.connections
	s.connections = make(map[string]*connection)
	s.connMu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, c := range conns {
		_ = c.sub.Unsubscribe()
	}
}

// TrackInstances subscribes to heartbeats and forwards them to the
// listeners.
func (s *SignalSlotable) TrackInstances() error {
	s.listenersMu.Lock()
	if s.tracking {
		s.listenersMu.Unlock()
		return nil
	}
	s.tracking = true
	s.listenersMu.Unlock()
	sub, err := s.broker.Subscribe(s.topics.Beats(), broker.Selector{}, s.onMessage(deliverBeat))
	if err != nil {
		return err
	}
	s.addSub(sub)
	return nil
}

// UpdateInstanceInfo merges update into the instance info and broadcasts
// instanceUpdated.
func (s *SignalSlotable) UpdateInstanceInfo(ctx context.Context, update *hash.Hash) error {
	s.infoMu.Lock()
	s.info.Merge(update, hash.ReplaceAttributes)
	info := s.info.Clone()
	s.infoMu.Unlock()
	if !s.started.Load() {
		return nil
	}
	return s.Call(ctx, wire.Broadcast, "slotInstanceUpdated", s.id, info)
}

func (s *SignalSlotable) onConnectionChange(up bool) {
	if s.stopped.Load() || s.connected.Swap(up) == up {
		return
	}
	s.opts.metrics.RecordBrokerStatus(up)
	status := StatusOK
	if !up {
		status = StatusError
		s.logger.Error("Broker connection lost")
		s.failPending(kerrors.New(kerrors.KindTimeout, "broker connection lost"))
	} else {
		s.logger.Info("Broker connection restored")
		s.opts.metrics.RecordBrokerReconnect()
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.requestTimeout)
	defer cancel()
	if err := s.UpdateInstanceInfo(ctx, hash.New("status", status)); err != nil {
		s.logger.Warn("Failed to publish status change", "status", status, "error", err)
	}
}

// Connected reports the last known broker state.
func (s *SignalSlotable) Connected() bool { return s.connected.Load() }

func (s *SignalSlotable) header(function string) *hash.Hash {
	h := hash.New()
	h.Set(wire.SignalInstanceID, s.id)
	h.Set(wire.SignalFunction, function)
	h.Set(wire.HostName, s.host)
	if s.opts.userName != "" {
		h.Set(wire.UserName, s.opts.userName)
	}
	_, _ = h.SetTyped(wire.AccessLevel, int32(s.opts.accessLevel), hash.Int32)
	return h
}

func (s *SignalSlotable) send(ctx context.Context, header *hash.Hash, args []any) error {
	body, err := wire.Arguments(args...)
	if err != nil {
		return err
	}
	m := &wire.Message{Header: header, Body: body}
	if err := broker.PublishAll(ctx, s.broker, m); err != nil {
		s.opts.metrics.RecordError("signalslot", kerrors.KindOf(err).String())
		return err
	}
	s.opts.metrics.RecordSent(s.id, m.Function())
	return nil
}

// Emit sends signal to every slot connected to it.
func (s *SignalSlotable) Emit(ctx context.Context, signal string, args ...any) error {
	return s.send(ctx, s.header(signal), args)
}

func (s *SignalSlotable) callHeader(target, slot string) *hash.Hash {
	h := s.header(wire.FunctionCall)
	h.Set(wire.SlotInstanceIDs, wire.FormatInstanceIDs(target))
	h.Set(wire.SlotFunctions, wire.FormatSlotFunctions(map[string][]string{target: {slot}}))
	return h
}

// Call invokes slot on target without waiting for a reply. target "*"
// broadcasts.
func (s *SignalSlotable) Call(ctx context.Context, target, slot string, args ...any) error {
	return s.send(ctx, s.callHeader(target, slot), args)
}

// CallReplyNoWait invokes slot on target and asks it to deliver the reply
// to replySlot on replyTarget instead of answering the caller.
func (s *SignalSlotable) CallReplyNoWait(ctx context.Context, target, slot, replyTarget, replySlot string, args ...any) error {
	h := s.callHeader(target, slot)
	h.Set(wire.ReplyInstanceIDs, wire.FormatInstanceIDs(replyTarget))
	h.Set(wire.ReplyFunctions, wire.FormatSlotFunctions(map[string][]string{replyTarget: {replySlot}}))
	return s.send(ctx, h, args)
}

// RequestAsync sends a request and returns its future. The future expires
// after the keepalive if no reply arrives.
func (s *SignalSlotable) RequestAsync(ctx context.Context, target, slot string, args ...any) (*Future, error) {
	if s.stopped.Load() {
		return nil, ErrStopped
	}
	f := newFuture(s, s.id+"-"+uuid.NewString(), target, slot)
	h := s.callHeader(target, slot)
	h.Set(wire.ReplyTo, f.id)

	s.pendingMu.Lock()
	s.pending[f.id] = f
	s.pendingMu.Unlock()

	if err := s.send(ctx, h, args); err != nil {
		s.forget(f.id)
		return nil, err
	}
	return f, nil
}

// Request sends a request and waits for the reply. Without a deadline on
// ctx the default request timeout applies.
func (s *SignalSlotable) Request(ctx context.Context, target, slot string, args ...any) ([]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.requestTimeout)
		defer cancel()
	}
	f, err := s.RequestAsync(ctx, target, slot, args...)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (s *SignalSlotable) forget(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *SignalSlotable) failPending(err error) {
	s.pendingMu.Lock()
	fs := make([]*Future, 0, len(s.pending))
	for _, f := range s.pending {
		fs = append(fs, f)
	}
	s.pendingMu.Unlock()
	for _, f := range fs {
		f.fail(err)
	}
}

func (s *SignalSlotable) recordRequest(f *Future, err error) {
	outcome := "ok"
	if err != nil {
		outcome = kerrors.KindOf(err).String()
		if errors.Is(err, ErrCancelled) {
			outcome = "cancelled"
		}
	}
	s.opts.metrics.RecordRequest(f.slot, time.Since(f.start), outcome)
}

func (s *SignalSlotable) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(max(s.opts.keepalive/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.pendingMu.Lock()
			var expired []*Future
			for _, f := range s.pending {
				if now.Sub(f.start) > s.opts.keepalive {
					expired = append(expired, f)
				}
			}
			s.pendingMu.Unlock()
			for _, f := range expired {
				f.fail(kerrors.Newf(kerrors.KindTimeout, "no reply from %s.%s within keepalive", f.target, f.slot))
			}
		}
	}
}

func (s *SignalSlotable) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.heartbeatInterval)
	defer ticker.Stop()
	ttl := int32(max(1, int(s.opts.heartbeatInterval/time.Second)))
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.heartbeatInterval)
			err := s.Emit(ctx, broker.HeartbeatSignal, s.id, ttl, s.Info())
			cancel()
			if err != nil {
				s.logger.Warn("Heartbeat failed", "error", err)
				continue
			}
			s.opts.metrics.RecordHeartbeat()
		}
	}
}

// onMessage returns the broker handler for one kind of subscription.
func (s *SignalSlotable) onMessage(kind deliveryKind) broker.Handler {
	return s.onSubject(kind, "")
}

func (s *SignalSlotable) onSubject(kind deliveryKind, subject string) broker.Handler {
	return func(m *wire.Message) {
		s.opts.metrics.RecordReceived(s.id, m.Function())
		if m.Function() == wire.FunctionReply {
			s.resolveReply(m)
			return
		}
		select {
		case s.inbox <- delivery{kind: kind, subject: subject, msg: m}:
			s.seqMu.Lock()
			s.queued++
			s.seqMu.Unlock()
		case <-s.ctx.Done():
		}
	}
}

// markHandled counts one finished inbox delivery and wakes waiters.
func (s *SignalSlotable) markHandled() {
	s.seqMu.Lock()
	s.handled++
	close(s.progress)
	s.progress = make(chan struct{})
	s.seqMu.Unlock()
}

func (s *SignalSlotable) queuedCount() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.queued
}

// awaitHandled blocks until n inbox deliveries have been handled, ctx ends
// or the instance stops.
func (s *SignalSlotable) awaitHandled(ctx context.Context, n uint64) {
	for {
		s.seqMu.Lock()
		if s.handled >= n {
			s.seqMu.Unlock()
			return
		}
		ch := s.progress
		s.seqMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// inSlot reports whether ctx descends from a slot handler of s.
func (s *SignalSlotable) inSlot(ctx context.Context) bool {
	owner, _ := ctx.Value(slotCtxKey{}).(*SignalSlotable)
	return owner == s
}

func (s *SignalSlotable) resolveReply(m *wire.Message) {
	id := m.InReplyTo()
	s.pendingMu.Lock()
	f, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug("Dropping late reply", "reply_from", id, "sender", m.Sender())
		return
	}
	var err error
	args := m.Args()
	if m.IsError() {
		reason, _ := OptArg(args, 0, "")
		details, _ := OptArg(args, 1, "")
		err = &kerrors.RemoteError{Instance: m.Sender(), Reason: reason, Details: details}
		args = nil
	}
	if f.resolve(args, err, s.queuedCount()) {
		s.recordRequest(f, err)
	}
}

func (s *SignalSlotable) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.inbox:
			switch d.kind {
			case deliverBeat:
				s.handleBeat(d.msg)
			case deliverSignal:
				s.handleSignal(d.subject, d.msg)
			default:
				s.handleCall(d.msg)
			}
			s.markHandled()
		}
	}
}

func (s *SignalSlotable) handleBeat(m *wire.Message) {
	args := m.Args()
	id, err := Arg[string](args, 0)
	if err != nil {
		s.logger.Warn("Malformed heartbeat", "sender", m.Sender(), "error", err)
		return
	}
	ttl, _ := OptArg(args, 1, int32(10))
	info, _ := OptArg(args, 2, hash.New())
	s.each(func(l InstanceListener) { l.Heartbeat(id, time.Duration(ttl)*time.Second, info) })
}

func (s *SignalSlotable) handleSignal(subject string, m *wire.Message) {
	s.connMu.Lock()
	c, ok := s.connections[subject]
	var slots []string
	if ok {
		slots = append(slots, c.slots...)
	}
	s.connMu.Unlock()
	for _, name := range slots {
		s.invoke(name, m, false)
	}
}

func (s *SignalSlotable) handleCall(m *wire.Message) {
	targets := m.Targets()
	direct := targets[s.id]
	for _, name := range direct {
		s.invoke(name, m, true)
	}
	if !s.opts.broadcast {
		return
	}
	for _, name := range targets[wire.Broadcast] {
		if s.HasSlot(name) {
			s.invoke(name, m, false)
		}
	}
}

func (s *SignalSlotable) invoke(name string, m *wire.Message, direct bool) {
	fn, ok := s.slot(name)
	if !ok {
		if direct {
			err := kerrors.Newf(kerrors.KindNotFound, "slot %q does not exist on %s", name, s.id)
			s.logger.Warn("Call to unknown slot", "slot", name, "sender", m.Sender())
			s.reply(m, nil, err)
		}
		return
	}
	level := schema.Observer
	if v, ok := m.Header.Value(wire.AccessLevel).(int32); ok {
		level = schema.AccessLevel(v)
	}
	c := &SlotCall{Slot: name, Sender: m.Sender(), Args: m.Args(), AccessLevel: level, Message: m, owner: s}
	out, err := s.call(fn, c)
	if errors.Is(err, ErrNoReply) {
		return
	}
	if err != nil {
		s.logger.Error("Slot failed", "slot", name, "sender", m.Sender(), "error", err)
		s.opts.metrics.RecordError("signalslot", kerrors.KindOf(err).String())
	}
	s.reply(m, out, err)
}

func (s *SignalSlotable) call(fn SlotFunc, c *SlotCall) (out []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.Newf(kerrors.KindUnknown, "panic in slot %s: %v", c.Slot, r).WithDetails(string(debug.Stack()))
		}
	}()
	return fn(s.slotCtx, c)
}

// reply answers m if it asked for a reply, and forwards the result to the
// replyInstanceIds/replyFunctions routing if present.
func (s *SignalSlotable) reply(m *wire.Message, out []any, err error) {
	replyTo := m.ReplyID()
	replyIDs, _ := m.Header.GetString(wire.ReplyInstanceIDs)
	if replyTo == "" && replyIDs == "" {
		return
	}
	args := out
	if err != nil {
		args = failureArgs(err)
	}
	if _, aerr := wire.Arguments(args...); aerr != nil {
		err = kerrors.New(kerrors.KindValidation, "slot returned unsupported value").WithCause(aerr)
		args = failureArgs(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.requestTimeout)
	defer cancel()

	if replyTo != "" {
		h := s.header(wire.FunctionReply)
		h.Set(wire.ReplyFrom, replyTo)
		h.Set(wire.SlotInstanceIDs, wire.FormatInstanceIDs(m.Sender()))
		h.Set(wire.ErrorFlag, err != nil)
		if serr := s.send(ctx, h, args); serr != nil {
			s.logger.Warn("Reply failed", "to", m.Sender(), "error", serr)
		}
	}
	if replyIDs != "" {
		fns, _ := m.Header.GetString(wire.ReplyFunctions)
		h := s.header(wire.FunctionReplyNoWait)
		h.Set(wire.SlotInstanceIDs, replyIDs)
		h.Set(wire.SlotFunctions, fns)
		h.Set(wire.ErrorFlag, err != nil)
		if serr := s.send(ctx, h, args); serr != nil {
			s.logger.Warn("Forwarded reply failed", "to", replyIDs, "error", serr)
		}
	}
}

func failureArgs(err error) []any {
	details := ""
	var ke *kerrors.KaraboError
	var re *kerrors.RemoteError
	switch {
	case errors.As(err, &ke):
		details = ke.Details
	case errors.As(err, &re):
		details = re.Details
	}
	return []any{err.Error(), details}
}

// Connect routes signal emitted by signalInstanceID to the local slot.
func (s *SignalSlotable) Connect(signalInstanceID, signal, slot string) error {
	if !s.HasSlot(slot) {
		return kerrors.Newf(kerrors.KindNotFound, "slot %q does not exist on %s", slot, s.id)
	}
	subject := s.topics.Signal(signalInstanceID, signal)
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if c, ok := s.connections[subject]; ok {
		for _, x := range c.slots {
			if x == slot {
				return nil
			}
		}
		c.slots = append(c.slots, slot)
		return nil
	}
	sub, err := s.broker.Subscribe(subject, broker.Selector{Functions: []string{signal}}, s.onSubject(deliverSignal, subject))
	if err != nil {
		return err
	}
	s.connections[subject] = &connection{sub: sub, slots: []string{slot}}
	return nil
}

// Disconnect removes a connection made by Connect. The subscription is
// dropped with the last slot.
func (s *SignalSlotable) Disconnect(signalInstanceID, signal, slot string) error {
	subject := s.topics.Signal(signalInstanceID, signal)
	s.connMu.Lock()
	c, ok := s.connections[subject]
	if !ok {
		s.connMu.Unlock()
		return kerrors.Newf(kerrors.KindNotFound, "no connection %s.%s -> %s", signalInstanceID, signal, slot)
	}
	idx := -1
	for i, x := range c.slots {
		if x == slot {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.connMu.Unlock()
		return kerrors.Newf(kerrors.KindNotFound, "no connection %s.%s -> %s", signalInstanceID, signal, slot)
	}
	c.slots = append(c.slots[:idx:idx], c.slots[idx+1:]...)
	last := len(c.slots) == 0
	if last {
		delete(s.connections, subject)
	}
	s.connMu.Unlock()
	if last {
		return c.sub.Unsubscribe()
	}
	return nil
}

// Discover asks every instance to announce itself to this one.
func (s *SignalSlotable) Discover(ctx context.Context) error {
	return s.Call(ctx, wire.Broadcast, "slotDiscover", s.id)
}

func (s *SignalSlotable) String() string {
	return fmt.Sprintf("SignalSlotable(%s)", s.id)
}
