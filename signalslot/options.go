package signalslot

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/schema"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultKeepalive         = 2 * time.Minute
	DefaultPingTimeout       = time.Second
	DefaultDiscoverDelay     = time.Second
	DefaultInboxSize         = 1024
)

type options struct {
	logger            *slog.Logger
	metrics           *metric.Metrics
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	keepalive         time.Duration
	pingTimeout       time.Duration
	discoverDelay     time.Duration
	answerLimit       rate.Limit
	answerBurst       int
	inboxSize         int
	broadcast         bool
	userName          string
	accessLevel       schema.AccessLevel
	heartbeats        bool
}

func defaultOptions() options {
	return options{
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		requestTimeout:    DefaultRequestTimeout,
		keepalive:         DefaultKeepalive,
		pingTimeout:       DefaultPingTimeout,
		discoverDelay:     DefaultDiscoverDelay,
		answerLimit:       rate.Limit(50),
		answerBurst:       10,
		inboxSize:         DefaultInboxSize,
		broadcast:         true,
		accessLevel:       schema.Expert,
		heartbeats:        true,
	}
}

// Option configures a SignalSlotable.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records message, request and heartbeat metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		if registry != nil {
			o.metrics = registry.CoreMetrics()
		}
	}
}

// WithHeartbeatInterval sets the period of outgoing heartbeats, also
// advertised as heartbeatInterval in the instance info.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithoutHeartbeats disables the heartbeat loop. Used by short-lived
// clients.
func WithoutHeartbeats() Option {
	return func(o *options) { o.heartbeats = false }
}

// WithRequestTimeout sets the deadline applied to requests whose context
// has none.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithKeepalive bounds the lifetime of an unanswered future.
func WithKeepalive(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keepalive = d
		}
	}
}

// WithPingTimeout sets how long the start-up uniqueness ping waits.
func WithPingTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingTimeout = d
		}
	}
}

// WithDiscoverDelay sets the upper bound of the random delay before
// answering a newcomer's instanceNew. Zero answers immediately.
func WithDiscoverDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.discoverDelay = d
		}
	}
}

// WithAnswerRate limits the rate of instanceNew answers.
func WithAnswerRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.answerLimit = limit
		if burst > 0 {
			o.answerBurst = burst
		}
	}
}

// WithInboxSize bounds the number of messages waiting for dispatch.
func WithInboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// WithoutBroadcast stops the instance from receiving "*" addressed calls.
func WithoutBroadcast() Option {
	return func(o *options) { o.broadcast = false }
}

// WithUserName sets the userName header of outgoing messages.
func WithUserName(name string) Option {
	return func(o *options) { o.userName = name }
}

// WithAccessLevel sets the access level announced in outgoing calls.
func WithAccessLevel(l schema.AccessLevel) Option {
	return func(o *options) { o.accessLevel = l }
}
