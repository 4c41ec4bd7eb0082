package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// DefaultQueueSize bounds the delivery queue of each in-process session.
const DefaultQueueSize = 1024

// Hub is an in-process broker shared by the Memory sessions created from it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*memSub]struct{}
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*memSub]struct{}), logger: slog.Default().With("component", "broker.memory")}
}

// Broker opens a session on topic.
func (h *Hub) Broker(topic string) *Memory {
	return &Memory{
		hub:    h,
		topics: NewTopics(topic),
		subs:   make(map[*memSub]struct{}),
		inbox:  make(chan memDelivery, DefaultQueueSize),
	}
}

// Memory is a Broker backed by a Hub. Messages are copied through the wire
// codec, so receivers never share Hash values with the sender.
//
// All subscriptions of a session share one delivery queue drained by one
// goroutine, so handlers of a session run one at a time in the order the
// messages were published, whatever their subjects.
type Memory struct {
	hub    *Hub
	topics Topics
	stamp  stamper

	pubMu     sync.Mutex
	mu        sync.Mutex
	subs      map[*memSub]struct{}
	onChange  []func(bool)
	connected atomic.Bool

	inbox chan memDelivery
	quit  chan struct{} // nil while no delivery goroutine runs
}

type memDelivery struct {
	sub  *memSub
	data []byte
}

type memSub struct {
	owner   *Memory
	pattern string
	sel     Selector
	h       Handler
	done    chan struct{}
	once    sync.Once
}

// Connect marks the session connected.
func (m *Memory) Connect(_ context.Context) error {
	m.SetConnected(true)
	return nil
}

// SetConnected flips the session state and notifies listeners. While
// disconnected Publish fails with a broker error.
func (m *Memory) SetConnected(up bool) {
	if m.connected.Swap(up) == up {
		return
	}
	m.mu.Lock()
	fns := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

// OnConnectionChange registers fn.
func (m *Memory) OnConnectionChange(fn func(bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Topics returns the subject layout.
func (m *Memory) Topics() Topics { return m.topics }

// Publish queues m for every subscription matching subject. Publishes of
// one session are queued atomically with respect to each other and every
// receiving session drains a single queue, which keeps per-sender order
// for every receiver across subjects.
func (m *Memory) Publish(ctx context.Context, subject string, msg *wire.Message) error {
	if !m.connected.Load() {
		return kerrors.New(kerrors.KindBroker, "memory broker session not connected")
	}
	data, err := wire.Encode(m.stamp.stamp(msg))
	if err != nil {
		return err
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.hub.mu.RLock()
	targets := make([]*memSub, 0, 4)
	for s := range m.hub.subs {
		if subjectMatch(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	m.hub.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.owner.inbox <- memDelivery{sub: s, data: data}:
		case <-s.done:
		case <-ctx.Done():
			return kerrors.Wrap(ctx.Err(), "Memory", "Publish", "deliver "+subject)
		}
	}
	return nil
}

// Subscribe adds subject to the session. The session's delivery goroutine
// starts with its first subscription.
func (m *Memory) Subscribe(subject string, sel Selector, h Handler) (Subscription, error) {
	s := &memSub{
		owner:   m,
		pattern: subject,
		sel:     sel,
		h:       h,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	if m.quit == nil {
		m.quit = make(chan struct{})
		go m.deliver(m.quit)
	}
	m.mu.Unlock()
	m.hub.mu.Lock()
	m.hub.subs[s] = struct{}{}
	m.hub.mu.Unlock()
	return s, nil
}

func (m *Memory) deliver(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case d := <-m.inbox:
			select {
			case <-d.sub.done:
				continue
			default:
			}
			msg, err := wire.Decode(d.data)
			if err != nil {
				m.hub.logger.Error("Dropping undecodable message", "subject", d.sub.pattern, "error", err)
				continue
			}
			if d.sub.sel.Match(msg) {
				d.sub.h(msg)
			}
		}
	}
}

// Unsubscribe stops delivery. Messages still queued are discarded.
func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.hub.mu.Lock()
		delete(s.owner.hub.subs, s)
		s.owner.hub.mu.Unlock()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}

// Close removes every subscription of the session.
func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	m.mu.Lock()
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	m.mu.Unlock()
	m.SetConnected(false)
	return nil
}

// subjectMatch implements NATS wildcard matching: "*" matches one token and
// a trailing ">" matches one or more.
func subjectMatch(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return i == len(p)-1 && len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
