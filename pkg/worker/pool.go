package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/metric"
)

// Default sizes used when NewPool gets a non-positive value.
const (
	DefaultWorkers   = 10
	DefaultQueueSize = 1000
)

type state int

const (
	idle state = iota
	running
	stopped
)

// Pool runs work items of type T on a fixed number of goroutines.
type Pool[T any] struct {
	workers int
	run     func(context.Context, T) error
	onError func(T, error)

	queue chan T
	quit  chan struct{}
	wg    sync.WaitGroup

	mu    sync.Mutex
	state state

	submitted, processed, failed, dropped atomic.Int64

	registry   *metric.MetricsRegistry
	metricName string
	metrics    *poolMetrics
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithErrorHandler installs a callback for every failed or panicking item.
func WithErrorHandler[T any](fn func(work T, err error)) Option[T] {
	return func(p *Pool[T]) { p.onError = fn }
}

// WithMetrics registers queue depth, throughput and latency under name
// while the pool runs.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.metricName = name
	}
}

// NewPool creates a stopped pool. Start it before submitting work.
func NewPool[T any](workers, queueSize int, run func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if run == nil {
		return nil, errors.WrapInvalid(ErrNilProcessor, "Pool", "NewPool", "check processor")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool[T]{
		workers: workers,
		run:     run,
		queue:   make(chan T, queueSize),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers, which stop when ctx ends or on Stop. A
// metrics registration error is returned with the pool running anyway.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case running:
		return ErrPoolAlreadyStarted
	case stopped:
		return ErrPoolStopped
	}
	var err error
	if p.registry != nil && p.metricName != "" {
		p.metrics, err = newPoolMetrics(p.registry, p.metricName)
		if err != nil {
			err = errors.WrapTransient(err, "Pool", "Start", "metrics registration")
		}
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
	p.state = running
	return err
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.acceptingLocked(); err != nil {
		return err
	}
	select {
	case p.queue <- work:
		p.accepted()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait blocks until work is queued, ctx ends or the pool stops.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.mu.Lock()
	err := p.acceptingLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case p.queue <- work:
		p.accepted()
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) acceptingLocked() error {
	switch p.state {
	case idle:
		return ErrPoolNotStarted
	case stopped:
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.depth.Set(float64(len(p.queue)))
	}
}

// Stop refuses new work and waits up to timeout for the queued items to
// finish. Metrics are unregistered.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != running {
		p.state = stopped
		p.mu.Unlock()
		return nil
	}
	p.state = stopped
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer p.unregisterMetrics()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Pool[T]) unregisterMetrics() {
	if p.metrics != nil {
		p.registry.UnregisterAll(p.metricName)
	}
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// loop runs items until ctx ends, or until quit once the queue is empty.
func (p *Pool[T]) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-p.queue:
			p.handle(ctx, work)
		case <-p.quit:
			for {
				select {
				case work := <-p.queue:
					p.handle(ctx, work)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, work T) {
	start := time.Now()
	err := p.process(ctx, work)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}
	if m := p.metrics; m != nil {
		outcome := "success"
		if err != nil {
			m.failed.Inc()
			outcome = "error"
		}
		m.processed.Inc()
		m.depth.Set(float64(len(p.queue)))
		m.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkPanicked, r)
		}
	}()
	return p.run(ctx, work)
}

type poolMetrics struct {
	depth     prometheus.Gauge
	submitted prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
	duration  *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": name}
	counter := func(n, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karabo", Subsystem: "worker", Name: n, Help: help, ConstLabels: labels,
		})
	}
	m := &poolMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karabo", Subsystem: "worker", Name: "queue_depth",
			Help: "Items waiting in the queue", ConstLabels: labels,
		}),
		submitted: counter("submitted_total", "Items accepted into the queue"),
		processed: counter("processed_total", "Items run to completion"),
		failed:    counter("failed_total", "Items that returned an error or panicked"),
		dropped:   counter("dropped_total", "Items refused because the queue was full"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "karabo", Subsystem: "worker", Name: "duration_seconds",
			Help:        "Time spent running an item",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"outcome"}),
	}
	err := registry.RegisterAll(name, map[string]prometheus.Collector{
		"worker_queue_depth": m.depth,
		"worker_submitted":   m.submitted,
		"worker_processed":   m.processed,
		"worker_failed":      m.failed,
		"worker_dropped":     m.dropped,
		"worker_duration":    m.duration,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
