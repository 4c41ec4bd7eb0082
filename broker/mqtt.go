package broker

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
	"github.com/European-XFEL/Karabo-sub011/pkg/security"
	"github.com/European-XFEL/Karabo-sub011/pkg/tlsutil"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	BrokerURL string // tcp://host:1883, ssl://host:8883 or mqtts://host:8883
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	TLS       security.ClientTLSConfig // used for ssl, mqtts and tls URLs
	Timeout   time.Duration
}

// MQTT is a Broker on an MQTT 3.1.1 server. Topics use "/" as separator.
// Ordered delivery relies on a single connection per session with
// OrderMatters set: paho then runs every topic's handler on one goroutine
// in arrival order, so one sender's messages reach the session in publish
// order across topics.
type MQTT struct {
	cfg    MQTTConfig
	topics Topics
	logger *slog.Logger
	client mqtt.Client
	stamp  stamper

	mu       sync.Mutex
	routes   map[string][]*mqttSub
	onChange []func(bool)
}

type mqttSub struct {
	owner *MQTT
	topic string
	sel   Selector
	h     Handler
}

// NewMQTT builds the transport; Connect opens the session.
func NewMQTT(cfg MQTTConfig, topic string, logger *slog.Logger) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, kerrors.New(kerrors.KindValidation, "mqtt broker url is required")
	}
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, kerrors.New(kerrors.KindValidation, "invalid mqtt broker url").WithCause(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{
		cfg:    cfg,
		topics: newTopicsSep(topic, "/"),
		logger: logger.With("component", "broker.mqtt", "topic", topic),
		routes: make(map[string][]*mqttSub),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if u.Scheme == "ssl" || u.Scheme == "mqtts" || u.Scheme == "tls" {
		tlsConfig, err := tlsutil.ClientConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetOrderMatters(true)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(retry.BrokerReconnect.Delay(len(retry.BrokerReconnect)))
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		m.logger.Info("MQTT reconnecting")
	})
	m.client = mqtt.NewClient(opts)
	return m, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.mu.Lock()
	topics := make([]string, 0, len(m.routes))
	for t := range m.routes {
		topics = append(topics, t)
	}
	m.mu.Unlock()
	// a clean session forgets subscriptions across reconnects
	for _, t := range topics {
		if err := m.wait(context.Background(), c.Subscribe(t, m.cfg.QoS, m.dispatch)); err != nil {
			m.logger.Error("Resubscribe failed", "mqtt_topic", t, "error", err)
		}
	}
	m.notify(true)
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Warn("MQTT connection lost", "error", err)
	m.notify(false)
}

func (m *MQTT) notify(up bool) {
	m.mu.Lock()
	fns := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

func (m *MQTT) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return kerrors.New(kerrors.KindTimeout, "mqtt operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect retries following retry.BrokerReconnect until connected or ctx
// ends.
func (m *MQTT) Connect(ctx context.Context) error {
	return retry.BrokerReconnect.Forever(ctx, func() error {
		return m.wait(ctx, m.client.Connect())
	}, func(attempt int, err error) {
		m.logger.Warn("Broker connection failed, retrying", "attempt", attempt, "error", err)
	})
}

// OnConnectionChange registers fn.
func (m *MQTT) OnConnectionChange(fn func(bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Topics returns the "/"-separated subject layout.
func (m *MQTT) Topics() Topics { return m.topics }

// Publish sends msg with the configured QoS and waits for the broker
// acknowledgement.
func (m *MQTT) Publish(ctx context.Context, subject string, msg *wire.Message) error {
	data, err := wire.Encode(m.stamp.stamp(msg))
	if err != nil {
		return err
	}
	if err := m.wait(ctx, m.client.Publish(subject, m.cfg.QoS, false, data)); err != nil {
		return kerrors.New(kerrors.KindBroker, "publish on "+subject+" failed").WithCause(err)
	}
	return nil
}

func (m *MQTT) dispatch(_ mqtt.Client, raw mqtt.Message) {
	msg, err := wire.Decode(raw.Payload())
	if err != nil {
		m.logger.Error("Dropping undecodable message", "mqtt_topic", raw.Topic(), "error", err)
		return
	}
	m.mu.Lock()
	subs := append([]*mqttSub{}, m.routes[raw.Topic()]...)
	m.mu.Unlock()
	for _, s := range subs {
		if s.sel.Match(msg) {
			s.h(msg)
		}
	}
}

// Subscribe registers h; the MQTT subscription is shared by every handler
// of one topic.
func (m *MQTT) Subscribe(subject string, sel Selector, h Handler) (Subscription, error) {
	s := &mqttSub{owner: m, topic: subject, sel: sel, h: h}
	m.mu.Lock()
	first := len(m.routes[subject]) == 0
	m.routes[subject] = append(m.routes[subject], s)
	m.mu.Unlock()

	if first && m.client.IsConnected() {
		if err := m.wait(context.Background(), m.client.Subscribe(subject, m.cfg.QoS, m.dispatch)); err != nil {
			_ = s.Unsubscribe()
			return nil, kerrors.New(kerrors.KindBroker, "subscribe to "+subject+" failed").WithCause(err)
		}
	}
	return s, nil
}

func (s *mqttSub) Unsubscribe() error {
	m := s.owner
	m.mu.Lock()
	subs := m.routes[s.topic]
	for i, x := range subs {
		if x == s {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	last := len(subs) == 0
	if last {
		delete(m.routes, s.topic)
	} else {
		m.routes[s.topic] = subs
	}
	m.mu.Unlock()

	if last && m.client.IsConnected() {
		return m.wait(context.Background(), m.client.Unsubscribe(s.topic))
	}
	return nil
}

// Close disconnects after letting in-flight work finish for up to 250 ms.
func (m *MQTT) Close(_ context.Context) error {
	m.client.Disconnect(250)
	m.notify(false)
	return nil
}
