// Package cache provides TTL, a thread-safe map whose entries expire a
// fixed time after they were set.
//
// Expired entries are dropped lazily on access and by Prune; there is no
// background goroutine, so a TTL needs no Close.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/metric"
)

// EvictCallback is called when an entry expires or is deleted.
type EvictCallback[V any] func(key string, value V)

// Option configures a TTL cache.
type Option[V any] func(*options[V])

type options[V any] struct {
	onEvict  EvictCallback[V]
	registry *metric.MetricsRegistry
	name     string
	now      func() time.Time
}

// WithEvictionCallback sets a callback for expired and deleted entries.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *options[V]) { o.onEvict = fn }
}

// WithMetrics exposes hits, misses, evictions and size under name.
// A nil registry is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, name string) Option[V] {
	return func(o *options[V]) {
		if registry != nil && name != "" {
			o.registry = registry
			o.name = name
		}
	}
}

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(o *options[V]) { o.now = now }
}

// Statistics counts cache operations.
type Statistics struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a string-keyed cache with per-entry expiry.
type TTL[V any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry[V]

	hits, misses, evictions atomic.Int64

	onEvict EvictCallback[V]
	metrics *cacheMetrics
	now     func() time.Time
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "TTL", "NewTTL", "ttl must be positive")
	}
	o := options[V]{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	c := &TTL[V]{ttl: ttl, items: make(map[string]entry[V]), onEvict: o.onEvict, now: o.now}
	if o.registry != nil {
		m, err := newCacheMetrics(o.registry, o.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "TTL", "NewTTL", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value for key unless it is missing or expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	expired := ok && !c.now().Before(e.expiresAt)
	if expired {
		delete(c.items, key)
		c.sizeChanged()
	}
	c.mu.Unlock()

	if expired {
		c.evicted(key, e.value)
	}
	if !ok || expired {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return e.value, true
}

// Set stores value under key and reports whether the key was new.
func (c *TTL[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "TTL", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.items[key]
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.sizeChanged()
	return !exists, nil
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
		c.sizeChanged()
	}
	c.mu.Unlock()
	if ok && c.onEvict != nil {
		c.onEvict(key, e.value)
	}
	return ok
}

// Prune drops every expired entry and returns how many were dropped.
func (c *TTL[V]) Prune() int {
	now := c.now()
	expired := make(map[string]V)
	c.mu.Lock()
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			expired[k] = e.value
			delete(c.items, k)
		}
	}
	if len(expired) > 0 {
		c.sizeChanged()
	}
	c.mu.Unlock()
	for k, v := range expired {
		c.evicted(k, v)
	}
	return len(expired)
}

// Clear drops every entry without calling the eviction callback.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
	c.sizeChanged()
}

// Size returns the number of entries, including expired ones not yet
// pruned.
func (c *TTL[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the operation counters.
func (c *TTL[V]) Stats() Statistics {
	return Statistics{Hits: c.hits.Load(), Misses: c.misses.Load(), Evictions: c.evictions.Load()}
}

// sizeChanged must be called with mu held.
func (c *TTL[V]) sizeChanged() {
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}

func (c *TTL[V]) evicted(key string, value V) {
	c.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}
