package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/natsclient"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// NATS is a Broker on a natsclient connection. Each message is one NATS
// message whose payload is the framed wire encoding.
//
// Every subscription of a session feeds one channel drained by one
// goroutine. NATS keeps one publisher's order on a connection, so
// handlers see one sender's messages in emission order across subjects.
type NATS struct {
	client *natsclient.Client
	topics Topics
	logger *slog.Logger
	stamp  stamper

	mu       sync.Mutex
	onChange []func(bool)

	subMu  sync.Mutex
	routes map[*nats.Subscription]*natsSub
	inbox  chan *nats.Msg
	quit   chan struct{} // nil while no delivery goroutine runs
}

// NATSOption configures the NATS transport.
type NATSOption func(*NATS)

// WithNATSLogger sets the logger.
func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(n *NATS) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNATS builds a transport for topic. The client must have been created
// with WithConnectionHandler(n.Notify) for connection changes to
// propagate; NewNATSClient does this.
func NewNATS(client *natsclient.Client, topic string, opts ...NATSOption) *NATS {
	n := newNATS(topic, opts)
	n.client = client
	return n
}

func newNATS(topic string, opts []NATSOption) *NATS {
	n := &NATS{
		topics: NewTopics(topic),
		logger: slog.Default(),
		routes: make(map[*nats.Subscription]*natsSub),
		inbox:  make(chan *nats.Msg, nats.DefaultSubPendingMsgsLimit),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "broker.nats", "topic", topic)
	return n
}

// NewNATSClient creates the client and the transport wired together.
func NewNATSClient(url, topic string, clientOpts []natsclient.ClientOption, opts ...NATSOption) (*NATS, error) {
	n := newNATS(topic, opts)
	all := append([]natsclient.ClientOption{
		natsclient.WithLogger(n.logger),
		natsclient.WithConnectionHandler(n.Notify),
	}, clientOpts...)
	client, err := natsclient.NewClient(url, all...)
	if err != nil {
		return nil, err
	}
	n.client = client
	return n, nil
}

// Client returns the underlying connection manager.
func (n *NATS) Client() *natsclient.Client { return n.client }

// Connect retries following retry.BrokerReconnect until connected or ctx
// ends.
func (n *NATS) Connect(ctx context.Context) error {
	return retry.BrokerReconnect.Forever(ctx, func() error {
		return n.client.Connect(ctx)
	}, func(attempt int, err error) {
		n.logger.Warn("Broker connection failed, retrying", "attempt", attempt, "error", err)
	})
}

// Notify forwards a connection change to the registered listeners.
func (n *NATS) Notify(up bool) {
	n.mu.Lock()
	fns := append([]func(bool){}, n.onChange...)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

// OnConnectionChange registers fn.
func (n *NATS) OnConnectionChange(fn func(bool)) {
	n.mu.Lock()
	n.onChange = append(n.onChange, fn)
	n.mu.Unlock()
}

// Topics returns the subject layout.
func (n *NATS) Topics() Topics { return n.topics }

// Publish encodes and publishes msg.
func (n *NATS) Publish(ctx context.Context, subject string, msg *wire.Message) error {
	data, err := wire.Encode(n.stamp.stamp(msg))
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, subject, data); err != nil {
		return kerrors.New(kerrors.KindBroker, "publish on "+subject+" failed").WithCause(err)
	}
	return nil
}

type natsSub struct {
	owner *NATS
	sub   *nats.Subscription
	sel   Selector
	h     Handler
}

func (s *natsSub) Unsubscribe() error {
	s.owner.subMu.Lock()
	delete(s.owner.routes, s.sub)
	s.owner.subMu.Unlock()
	return s.owner.client.Unsubscribe(s.sub)
}

// Subscribe decodes every payload on subject and hands matching messages
// to h on the session's delivery goroutine.
func (n *NATS) Subscribe(subject string, sel Selector, h Handler) (Subscription, error) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	sub, err := n.client.ChanSubscribe(subject, n.inbox)
	if err != nil {
		return nil, kerrors.New(kerrors.KindBroker, "subscribe to "+subject+" failed").WithCause(err)
	}
	s := &natsSub{owner: n, sub: sub, sel: sel, h: h}
	n.routes[sub] = s
	if n.quit == nil {
		n.quit = make(chan struct{})
		go n.deliver(n.quit)
	}
	return s, nil
}

func (n *NATS) deliver(quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case m := <-n.inbox:
			n.subMu.Lock()
			s, ok := n.routes[m.Sub]
			n.subMu.Unlock()
			if !ok {
				continue
			}
			msg, err := wire.Decode(m.Data)
			if err != nil {
				n.logger.Error("Dropping undecodable message", "subject", m.Subject, "error", err)
				continue
			}
			if s.sel.Match(msg) {
				s.h(msg)
			}
		}
	}
}

// Close drains the connection and stops delivery.
func (n *NATS) Close(ctx context.Context) error {
	err := n.client.Close(ctx)
	n.subMu.Lock()
	clear(n.routes)
	if n.quit != nil {
		close(n.quit)
		n.quit = nil
	}
	n.subMu.Unlock()
	return err
}
