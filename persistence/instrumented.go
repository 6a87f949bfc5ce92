package persistence

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/metric"
)

type storeMetrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

func newStoreMetrics(registry metric.MetricsRegistrar, backend string) (*storeMetrics, error) {
	m := &storeMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pitwall",
			Subsystem:   "persistence",
			Name:        "operation_duration_seconds",
			Help:        "Journal and snapshot operation latency",
			ConstLabels: prometheus.Labels{"backend": backend},
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pitwall",
			Subsystem:   "persistence",
			Name:        "operation_failures_total",
			Help:        "Failed journal and snapshot operations",
			ConstLabels: prometheus.Labels{"backend": backend},
		}, []string{"operation"}),
	}
	if err := registry.RegisterHistogramVec("persistence", "operation_duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("persistence", "operation_failures", m.failures); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(op).Inc()
	}
}

// Instrumented wraps a journal and snapshot store with latency and failure metrics.
type Instrumented struct {
	journal   Journal
	snapshots SnapshotStore
	metrics   *storeMetrics
}

// Instrument registers persistence metrics for backend and wraps both stores.
func Instrument(registry metric.MetricsRegistrar, backend string, journal Journal,
	snapshots SnapshotStore) (*Instrumented, error) {
	m, err := newStoreMetrics(registry, backend)
	if err != nil {
		return nil, err
	}
	return &Instrumented{journal: journal, snapshots: snapshots, metrics: m}, nil
}

// Append implements Journal.
func (i *Instrumented) Append(ctx context.Context, rec Record) (err error) {
	start := time.Now()
	defer func() { i.metrics.observe("append", start, err) }()
	return i.journal.Append(ctx, rec)
}

// Replay implements Journal.
func (i *Instrumented) Replay(ctx context.Context, id string, fromSeq uint64, fn func(Record) error) (err error) {
	start := time.Now()
	defer func() { i.metrics.observe("replay", start, err) }()
	return i.journal.Replay(ctx, id, fromSeq, fn)
}

// HighestSequence implements Journal.
func (i *Instrumented) HighestSequence(ctx context.Context, id string) (seq uint64, err error) {
	start := time.Now()
	defer func() { i.metrics.observe("highest_sequence", start, err) }()
	return i.journal.HighestSequence(ctx, id)
}

// Save implements SnapshotStore.
func (i *Instrumented) Save(ctx context.Context, snap Snapshot) (err error) {
	start := time.Now()
	defer func() { i.metrics.observe("snapshot_save", start, err) }()
	return i.snapshots.Save(ctx, snap)
}

// Load implements SnapshotStore.
func (i *Instrumented) Load(ctx context.Context, id string) (snap Snapshot, ok bool, err error) {
	start := time.Now()
	defer func() { i.metrics.observe("snapshot_load", start, err) }()
	return i.snapshots.Load(ctx, id)
}

var (
	_ Journal       = (*Instrumented)(nil)
	_ SnapshotStore = (*Instrumented)(nil)
)
