package device

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/pkg/timestamp"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// Lifecycle timeouts.
const (
	DefaultPreInitTimeout     = 5 * time.Second
	DefaultDestructionTimeout = 5 * time.Second
)

type options struct {
	logger             *slog.Logger
	logOutput          io.Writer
	logHandler         func(slog.Handler) slog.Handler
	registry           *metric.MetricsRegistry
	clock              *timestamp.Clock
	preInitTimeout     time.Duration
	destructionTimeout time.Duration
	commandWorkers     int
	commandQueue       int
	signalSlot         []signalslot.Option
}

func defaultOptions() options {
	return options{
		logOutput:          os.Stdout,
		preInitTimeout:     DefaultPreInitTimeout,
		destructionTimeout: DefaultDestructionTimeout,
		commandWorkers:     2,
		commandQueue:       64,
	}
}

// Option configures a Device.
type Option func(*options)

// WithLogger replaces the logger built from the log.* parameters.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLogOutput sets where the logger built from the log.* parameters
// writes.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.logOutput = w
		}
	}
}

// WithLogHandler wraps the handler of the device logger, e.g. to copy
// records elsewhere.
func WithLogHandler(wrap func(slog.Handler) slog.Handler) Option {
	return func(o *options) { o.logHandler = wrap }
}

// WithMetrics records device metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithClock sets the source of property timestamps.
func WithClock(c *timestamp.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPreInitTimeout bounds the PreInitialization hook.
func WithPreInitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.preInitTimeout = d
		}
	}
}

// WithDestructionTimeout bounds the OnDestruction hook and the drain of
// background commands.
func WithDestructionTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.destructionTimeout = d
		}
	}
}

// WithCommandWorkers sizes the pool running background commands.
func WithCommandWorkers(workers, queue int) Option {
	return func(o *options) {
		if workers > 0 {
			o.commandWorkers = workers
		}
		if queue > 0 {
			o.commandQueue = queue
		}
	}
}

// WithSignalSlotOptions passes options to the underlying SignalSlotable.
func WithSignalSlotOptions(opts ...signalslot.Option) Option {
	return func(o *options) { o.signalSlot = append(o.signalSlot, opts...) }
}

// NewLogger builds a logger from a level and a format name ("json" or
// "text").
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
