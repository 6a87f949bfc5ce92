package buffer

import (
	"github.com/c360/pitwall/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics holds Prometheus metrics for buffer operations.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge

	registry *metric.MetricsRegistry
	prefix   string
}

var bufferMetricNames = []string{
	"buffer_writes", "buffer_reads", "buffer_overflows", "buffer_drops", "buffer_size", "buffer_utilization",
}

// newBufferMetrics creates and registers buffer metrics with the provided registry.
// The prefix becomes the "component" const label so several buffers can share names.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Total number of accepted buffer writes"),
		reads:       counter("reads_total", "Total number of buffer reads"),
		overflows:   counter("overflows_total", "Total number of writes that found the buffer full"),
		drops:       counter("drops_total", "Total number of items dropped due to overflow"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization (0.0 to 1.0)"),
		registry:    registry,
		prefix:      prefix,
	}

	for name, c := range map[string]prometheus.Counter{
		"buffer_writes":    m.writes,
		"buffer_reads":     m.reads,
		"buffer_overflows": m.overflows,
		"buffer_drops":     m.drops,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

// unregister releases the metric names so a replacement buffer can reuse the prefix.
func (m *bufferMetrics) unregister() {
	for _, name := range bufferMetricNames {
		m.registry.Unregister(m.prefix, name)
	}
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow(dropped bool) {
	m.overflows.Inc()
	if dropped {
		m.drops.Inc()
	}
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
