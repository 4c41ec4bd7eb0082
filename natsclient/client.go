package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/European-XFEL/Karabo-sub011/errors"
)

// ConnectionStatus is the state of a Client.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Handler receives the subject and payload of one message.
type Handler func(subject string, data []byte)

// Client owns one NATS connection. Once connected, drops are repaired by
// the NATS library following the reconnect schedule.
type Client struct {
	url     string
	cfg     settings
	breaker *breaker
	status  atomic.Int32
	closed  atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs map[*nats.Subscription]struct{}
}

// NewClient creates a disconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	cfg.logger = cfg.logger.With("component", "natsclient", "url", url)
	return &Client{
		url:     url,
		cfg:     cfg,
		breaker: newBreaker(cfg.threshold, cfg.maxBackoff),
		subs:    make(map[*nats.Subscription]struct{}),
	}, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the connection state.
func (c *Client) Status() ConnectionStatus { return ConnectionStatus(c.status.Load()) }

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures counts failed attempts since the last success.
func (c *Client) Failures() int { return c.breaker.failures() }

func (c *Client) setStatus(s ConnectionStatus) {
	old := ConnectionStatus(c.status.Swap(int32(s)))
	c.cfg.metrics.RecordBrokerStatus(s == StatusConnected)
	if c.cfg.onChange != nil && (old == StatusConnected) != (s == StatusConnected) {
		go c.cfg.onChange(s == StatusConnected)
	}
}

// failed records a failed operation and opens the breaker when due.
func (c *Client) failed() {
	opened, wait := c.breaker.fail()
	if !opened {
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.cfg.metrics.RecordCircuitBreakerState(1)
	c.cfg.logger.Warn("Circuit breaker opened", "failures", c.breaker.failures(), "backoff", wait)
	time.AfterFunc(wait, c.halfOpen)
}

func (c *Client) halfOpen() {
	if c.breaker.halfOpen() && c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
		c.cfg.metrics.RecordCircuitBreakerState(0)
		c.cfg.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) succeeded() {
	if c.breaker.reset() {
		c.cfg.metrics.RecordCircuitBreakerState(0)
	}
}

// Connect dials the server once. It fails fast with ErrCircuitOpen while
// the breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)

	opts := append(c.cfg.natsOptions(),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(func(*nats.Conn) { c.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.cfg.logger.Error("NATS async error", "error", err)
		}),
	)
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}
	if r.err != nil {
		c.setStatus(StatusDisconnected)
		c.failed()
		if !c.breaker.allow() {
			return ErrCircuitOpen
		}
		return errors.WrapTransient(r.err, "Client", "Connect", "dial "+c.url)
	}

	js, err := jetstream.New(r.conn)
	if err != nil {
		c.cfg.logger.Warn("JetStream unavailable", "error", err)
	}
	c.mu.Lock()
	c.conn, c.js = r.conn, js
	c.mu.Unlock()

	c.succeeded()
	c.setStatus(StatusConnected)
	c.cfg.logger.Info("Connected to NATS")
	return nil
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.cfg.logger.Warn("Disconnected from NATS", "error", err)
}

func (c *Client) onReconnect(*nats.Conn) {
	c.succeeded()
	c.setStatus(StatusConnected)
	c.cfg.metrics.RecordBrokerReconnect()
	c.cfg.logger.Info("Reconnected to NATS")
}

// Close unsubscribes everything and drains the connection within the
// drain timeout or the ctx deadline, whichever is sooner.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn, subs := c.conn, c.subs
	c.conn, c.js, c.subs = nil, nil, make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.drainTimeout)
		defer cancel()
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()
		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("drain: %w", ctx.Err()))
		}
		conn.Close()
	}
	c.setStatus(StatusDisconnected)
	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(err, "Client", "Close", "drain connection")
	}
	return nil
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Subscribe registers handler on subject. A subscription delivers its
// messages one at a time, which keeps each publisher's order.
func (c *Client) Subscribe(subject string, handler Handler) (*nats.Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) { handler(m.Subject, m.Data) })
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// ChanSubscribe delivers the messages of subject into ch. Several
// subscriptions may share one channel; the connection's reader fills it in
// the order the server sent the messages. A full channel drops messages as
// a slow consumer.
func (c *Client) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "ChanSubscribe", "subscribe "+subject)
	}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription made by Subscribe or ChanSubscribe.
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	c.mu.Lock()
	_, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Publish sends data on subject. During a reconnect the NATS library
// buffers it.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.Publish(subject, data)
}

// Flush waits until the server has seen everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.FlushWithContext(ctx)
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	if !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil || c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// CreateKeyValueBucket opens the bucket named by cfg, creating it if it
// does not exist yet.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, cfg)
		if isExists(err) {
			kv, err = js.KeyValue(ctx, cfg.Bucket)
		}
	}
	if err != nil {
		c.failed()
		return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket", "open bucket "+cfg.Bucket)
	}
	c.succeeded()
	return kv, nil
}

// GetKeyValueBucket opens an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		c.failed()
		return nil, err
	}
	c.succeeded()
	return kv, nil
}

func isExists(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	return strings.Contains(err.Error(), "already in use")
}
