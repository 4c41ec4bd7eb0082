package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "karabo"

// Metrics contains the process-level Karabo metrics shared by every
// participant: broker traffic, RPC replies, heartbeats, device activity and
// log ingestion.
type Metrics struct {
	BrokerConnected    prometheus.Gauge
	BrokerReconnects   prometheus.Counter
	BrokerCircuit      prometheus.Gauge
	MessagesSent       *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestsFailed     *prometheus.CounterVec
	HeartbeatsSent     prometheus.Counter
	InstancesTracked   *prometheus.GaugeVec
	DevicesRunning     prometheus.Gauge
	ReconfigureTotal   *prometheus.CounterVec
	IngestLines        *prometheus.CounterVec
	IngestWriteRetries prometheus.Counter
	ErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}),
		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of broker reconnections",
		}),
		BrokerCircuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "circuit_breaker",
			Help:      "Broker circuit breaker status (0=closed, 1=open)",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages published, by signal function",
		}, []string{"instance", "function"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages dispatched, by signal function",
		}, []string{"instance", "function"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Round trip of slot requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"slot"}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "failed_total",
			Help:      "Failed slot requests, by error kind",
		}, []string{"slot", "kind"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Heartbeats published by this process",
		}),
		InstancesTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "instances",
			Help:      "Instances currently in the topology, by type",
		}, []string{"type"}),
		DevicesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "devices_running",
			Help:      "Devices hosted by this server",
		}),
		ReconfigureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "reconfigure_total",
			Help:      "Reconfiguration requests, by outcome",
		}, []string{"outcome"}),
		IngestLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Raw log lines read, by outcome",
		}, []string{"outcome"}),
		IngestWriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "write_retries_total",
			Help:      "Retried time-series writes",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of errors, by component and kind",
		}, []string{"component", "kind"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BrokerConnected,
		c.BrokerReconnects,
		c.BrokerCircuit,
		c.MessagesSent,
		c.MessagesReceived,
		c.RequestDuration,
		c.RequestsFailed,
		c.HeartbeatsSent,
		c.InstancesTracked,
		c.DevicesRunning,
		c.ReconfigureTotal,
		c.IngestLines,
		c.IngestWriteRetries,
		c.ErrorsTotal,
	}
}

// RecordBrokerStatus updates the broker connection gauge
func (c *Metrics) RecordBrokerStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	if c == nil {
		return
	}
	c.BrokerReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.BrokerCircuit.Set(float64(state))
}

// RecordSent counts one published message
func (c *Metrics) RecordSent(instance, function string) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(instance, function).Inc()
}

// RecordReceived counts one dispatched message
func (c *Metrics) RecordReceived(instance, function string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(instance, function).Inc()
}

// RecordRequest observes a request round trip; kind is empty on success
func (c *Metrics) RecordRequest(slot string, d time.Duration, kind string) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(slot).Observe(d.Seconds())
	if kind != "" {
		c.RequestsFailed.WithLabelValues(slot, kind).Inc()
	}
}

// RecordHeartbeat counts one published heartbeat
func (c *Metrics) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.HeartbeatsSent.Inc()
}

// RecordInstances sets the tracked instance count for a topology type
func (c *Metrics) RecordInstances(kind string, n int) {
	if c == nil {
		return
	}
	c.InstancesTracked.WithLabelValues(kind).Set(float64(n))
}

// RecordDevices sets the number of hosted devices
func (c *Metrics) RecordDevices(n int) {
	if c == nil {
		return
	}
	c.DevicesRunning.Set(float64(n))
}

// RecordReconfigure counts a reconfiguration outcome
func (c *Metrics) RecordReconfigure(outcome string) {
	if c == nil {
		return
	}
	c.ReconfigureTotal.WithLabelValues(outcome).Inc()
}

// RecordIngestLines counts processed raw lines
func (c *Metrics) RecordIngestLines(outcome string, n int) {
	if c == nil {
		return
	}
	c.IngestLines.WithLabelValues(outcome).Add(float64(n))
}

// RecordWriteRetries counts retried time-series writes
func (c *Metrics) RecordWriteRetries(n int) {
	if c == nil {
		return
	}
	c.IngestWriteRetries.Add(float64(n))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, kind string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, kind).Inc()
}
