package server

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/European-XFEL/Karabo-sub011/device"
	"github.com/European-XFEL/Karabo-sub011/metric"
	"github.com/European-XFEL/Karabo-sub011/signalslot"
)

// Defaults of a device server.
const (
	DefaultScanInterval      = 3 * time.Second
	DefaultKillTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
)

type options struct {
	logger       *slog.Logger
	logOutput    io.Writer
	registry     *metric.MetricsRegistry
	scanInterval time.Duration
	killTimeout  time.Duration
	logCacheSize int
	deviceOpts   []device.Option
	signalSlot   []signalslot.Option
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		logOutput:    os.Stdout,
		scanInterval: DefaultScanInterval,
		killTimeout:  DefaultKillTimeout,
		logCacheSize: DefaultLogCacheSize,
	}
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogOutput sets where the loggers of hosted devices write.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.logOutput = w
		}
	}
}

// WithMetrics records server and device metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithScanInterval sets the plugin rescan period.
func WithScanInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.scanInterval = d
		}
	}
}

// WithKillTimeout bounds the shutdown of all hosted devices.
func WithKillTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.killTimeout = d
		}
	}
}

// WithLogCacheSize sets how many log records slotLoggerContent can
// return.
func WithLogCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.logCacheSize = n
		}
	}
}

// WithDeviceOptions adds options applied to every hosted device.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(o *options) { o.deviceOpts = append(o.deviceOpts, opts...) }
}

// WithSignalSlotOptions passes options to the server's SignalSlotable.
func WithSignalSlotOptions(opts ...signalslot.Option) Option {
	return func(o *options) { o.signalSlot = append(o.signalSlot, opts...) }
}
