package shard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/metric"
)

type storeMetrics struct {
	messages     *prometheus.CounterVec
	live         *prometheus.GaugeVec
	passivations *prometheus.CounterVec
	recoveries   *prometheus.HistogramVec
	snapshots    prometheus.Counter
}

func newStoreMetrics(registry metric.MetricsRegistrar) (*storeMetrics, error) {
	m := &storeMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "entity", Name: "messages_total",
			Help: "Entity messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "entity", Name: "live",
			Help: "Live entity instances per shard",
		}, []string{"shard"}),
		passivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "entity", Name: "passivations_total",
			Help: "Entity passivations by reason",
		}, []string{"reason"}),
		recoveries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pitwall", Subsystem: "entity", Name: "recovery_duration_seconds",
			Help:    "Time to rebuild an entity from snapshot and journal",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"outcome"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "entity", Name: "snapshots_total",
			Help: "Entity snapshots saved",
		}),
	}

	if err := registry.RegisterCounterVec("shard", "messages", m.messages); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("shard", "live", m.live); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("shard", "passivations", m.passivations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("shard", "recoveries", m.recoveries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("shard", "snapshots", m.snapshots); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) message(kind, outcome string) {
	if m != nil {
		m.messages.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *storeMetrics) setLive(shard string, n int) {
	if m != nil {
		m.live.WithLabelValues(shard).Set(float64(n))
	}
}

func (m *storeMetrics) passivated(reason string) {
	if m != nil {
		m.passivations.WithLabelValues(reason).Inc()
	}
}

func (m *storeMetrics) recovered(outcome string, seconds float64) {
	if m != nil {
		m.recoveries.WithLabelValues(outcome).Observe(seconds)
	}
}

func (m *storeMetrics) snapshotSaved() {
	if m != nil {
		m.snapshots.Inc()
	}
}
