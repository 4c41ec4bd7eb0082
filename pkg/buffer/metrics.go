package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/European-XFEL/Karabo-sub011/metric"
)

type ringMetrics struct {
	writes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, name string) (*ringMetrics, error) {
	labels := prometheus.Labels{"buffer": name}
	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "karabo",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of items written to the ring",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "karabo",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items overwritten by newer ones",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "karabo",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in the ring",
		}),
	}
	err := registry.RegisterAll(name, map[string]prometheus.Collector{
		"buffer_writes": m.writes,
		"buffer_drops":  m.drops,
		"buffer_size":   m.size,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
