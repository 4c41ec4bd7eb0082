// Package buffer provides Ring, a fixed-size, thread-safe buffer that
// keeps the most recent items and drops the oldest on overflow.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/metric"
)

// DropCallback is called with an item pushed out by a newer one.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*options[T])

type options[T any] struct {
	onDrop     DropCallback[T]
	registry   *metric.MetricsRegistry
	metricName string
}

// WithDropCallback sets a callback for overwritten items. It runs with
// the ring locked and must not call back into it.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(o *options[T]) { o.onDrop = fn }
}

// WithMetrics exposes writes, drops and size under name.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(o *options[T]) {
		o.registry = registry
		o.metricName = name
	}
}

// Statistics counts ring operations.
type Statistics struct {
	Writes int64
	Drops  int64
}

// Ring keeps the last Capacity items written.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next write position
	size  int

	writes  atomic.Int64
	drops   atomic.Int64
	onDrop  DropCallback[T]
	metrics *ringMetrics
}

// NewRing creates a ring holding up to capacity items. Metrics
// registration errors are returned.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Ring", "NewRing", "capacity must be positive")
	}
	var o options[T]
	for _, opt := range opts {
		opt(&o)
	}
	r := &Ring[T]{items: make([]T, capacity), onDrop: o.onDrop}
	if o.registry != nil && o.metricName != "" {
		m, err := newRingMetrics(o.registry, o.metricName)
		if err != nil {
			return nil, errors.WrapTransient(err, "Ring", "NewRing", "metrics registration")
		}
		r.metrics = m
	}
	return r, nil
}

// Write appends item, overwriting the oldest one when full.
func (r *Ring[T]) Write(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.items) {
		dropped := r.items[r.head]
		r.drops.Add(1)
		if r.metrics != nil {
			r.metrics.drops.Inc()
		}
		if r.onDrop != nil {
			r.onDrop(dropped)
		}
	} else {
		r.size++
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.writes.Add(1)
	if r.metrics != nil {
		r.metrics.writes.Inc()
		r.metrics.size.Set(float64(r.size))
	}
}

// Last returns up to n of the newest items, oldest first. n <= 0 returns
// everything held.
func (r *Ring[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := r.head - n
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Size returns the number of items held.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items held.
func (r *Ring[T]) Capacity() int { return len(r.items) }

// Clear drops every item without calling the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
	if r.metrics != nil {
		r.metrics.size.Set(0)
	}
}

// Stats returns the operation counters.
func (r *Ring[T]) Stats() Statistics {
	return Statistics{Writes: r.writes.Load(), Drops: r.drops.Load()}
}
