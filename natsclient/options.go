package natsclient

import (
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/retry"
)

type settings struct {
	name          string
	timeout       time.Duration
	drainTimeout  time.Duration
	pingInterval  time.Duration
	maxReconnects int
	schedule      retry.Schedule

	user, password, token     string
	certFile, keyFile, caFile string

	threshold  int
	maxBackoff time.Duration

	logger   *slog.Logger
	metrics  *metric.Metrics
	onChange func(connected bool)
}

func defaultSettings() settings {
	return settings{
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		pingInterval:  30 * time.Second,
		maxReconnects: -1,
		schedule:      retry.BrokerReconnect,
		threshold:     5,
		maxBackoff:    time.Minute,
		logger:        slog.Default(),
	}
}

// natsOptions translates the settings for nats.Connect. Reconnect handlers
// are added by the client.
func (s *settings) natsOptions() []nats.Option {
	schedule := s.schedule
	opts := []nats.Option{
		nats.Timeout(s.timeout),
		nats.DrainTimeout(s.drainTimeout),
		nats.PingInterval(s.pingInterval),
		nats.MaxReconnects(s.maxReconnects),
		nats.CustomReconnectDelay(func(n int) time.Duration { return schedule.Delay(n - 1) }),
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.user != "":
		opts = append(opts, nats.UserInfo(s.user, s.password))
	}
	if s.certFile != "" && s.keyFile != "" {
		opts = append(opts, nats.ClientCert(s.certFile, s.keyFile))
	}
	if s.caFile != "" {
		opts = append(opts, nats.RootCAs(s.caFile))
	}
	return opts
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(s *settings) error { s.name = name; return nil }
}

// WithTimeout bounds a single dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		s.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(s *settings) error { s.drainTimeout = d; return nil }
}

// WithPingInterval sets how often the server is pinged.
func WithPingInterval(d time.Duration) ClientOption {
	return func(s *settings) error { s.pingInterval = d; return nil }
}

// WithMaxReconnects limits reconnection after a drop; -1 never gives up.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error { s.maxReconnects = n; return nil }
}

// WithReconnectSchedule replaces retry.BrokerReconnect.
func WithReconnectSchedule(schedule retry.Schedule) ClientOption {
	return func(s *settings) error {
		if len(schedule) == 0 {
			return errors.New("empty reconnect schedule")
		}
		s.schedule = schedule
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(user, password string) ClientOption {
	return func(s *settings) error { s.user, s.password = user, password; return nil }
}

// WithToken authenticates with a token. It wins over credentials.
func WithToken(token string) ClientOption {
	return func(s *settings) error { s.token = token; return nil }
}

// WithTLS sets the client certificate and CA files. Empty paths are
// skipped.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(s *settings) error {
		s.certFile, s.keyFile, s.caFile = certFile, keyFile, caFile
		return nil
	}
}

// WithCircuitBreaker opens the breaker after threshold consecutive failures
// and caps its doubling backoff at maxBackoff.
func WithCircuitBreaker(threshold int, maxBackoff time.Duration) ClientOption {
	return func(s *settings) error {
		if threshold < 1 || maxBackoff < time.Second {
			return errors.New("circuit breaker needs threshold >= 1 and max backoff >= 1s")
		}
		s.threshold, s.maxBackoff = threshold, maxBackoff
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(s *settings) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithMetrics reports connection state, reconnects and the breaker to the
// core metrics of registry.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(s *settings) error {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
		return nil
	}
}

// WithConnectionHandler calls fn whenever the connection goes up or down.
func WithConnectionHandler(fn func(connected bool)) ClientOption {
	return func(s *settings) error { s.onChange = fn; return nil }
}
