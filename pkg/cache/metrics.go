package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/European-XFEL/Karabo-sub011/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	counter := func(metricName, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "karabo",
			Subsystem:   "cache",
			Name:        metricName,
			ConstLabels: prometheus.Labels{"cache": name},
			Help:        help,
		})
	}
	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		evictions: counter("evictions_total", "Total number of expired entries dropped"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "karabo",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"cache": name},
			Help:        "Current number of entries in cache",
		}),
	}

	err := registry.RegisterAll(name, map[string]prometheus.Collector{
		"cache_hits":      m.hits,
		"cache_misses":    m.misses,
		"cache_evictions": m.evictions,
		"cache_size":      m.size,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
