package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/European-XFEL/Karabo-sub011/errors"
)

// MetricsRegistry is the Prometheus registry of one process. Besides the
// core metrics it holds collectors owned by components, keyed by owner and
// name so they can be removed when the component goes away.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[ownedKey]prometheus.Collector
}

// NewMetricsRegistry creates a registry with the core metrics and the Go
// runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[ownedKey]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying registry for gathering.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics returns the metrics every participant records.
func (r *MetricsRegistry) CoreMetrics() *Metrics { return r.core }

type ownedKey struct{ owner, name string }

// Register adds c under owner and name. Registering the same pair twice, or
// a collector Prometheus already knows, is an invalid error.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(owner, name, c)
}

func (r *MetricsRegistry) registerLocked(owner, name string, c prometheus.Collector) error {
	key := ownedKey{owner, name}
	if _, ok := r.owned[key]; ok {
		return errors.WrapInvalid(fmt.Errorf("%s already registered by %s", name, owner),
			"MetricsRegistry", "Register", "duplicate metric")
	}
	if err := r.prom.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "collector conflict for "+name)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+name)
	}
	r.owned[key] = c
	return nil
}

// RegisterAll adds every collector of named under owner, or none of them.
func (r *MetricsRegistry) RegisterAll(owner string, named map[string]prometheus.Collector) error {
	names := make([]string, 0, len(named))
	for n := range named {
		names = append(names, n)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range names {
		if err := r.registerLocked(owner, n, named[n]); err != nil {
			for _, done := range names[:i] {
				r.unregisterLocked(owner, done)
			}
			return err
		}
	}
	return nil
}

// Unregister removes the collector registered under owner and name.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(owner, name)
}

// UnregisterAll removes every collector of owner and returns how many.
func (r *MetricsRegistry) UnregisterAll(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.owned {
		if key.owner == owner && r.unregisterLocked(owner, key.name) {
			n++
		}
	}
	return n
}

func (r *MetricsRegistry) unregisterLocked(owner, name string) bool {
	key := ownedKey{owner, name}
	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
