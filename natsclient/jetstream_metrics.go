package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/metric"
)

// jetstreamMetrics tracks the journal stream and snapshot buckets created
// through this client. All methods are nil-safe.
type jetstreamMetrics struct {
	streamMessages *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	streamState    *prometheus.GaugeVec
	errors         *prometheus.CounterVec

	mu      sync.RWMutex
	streams map[string]jetstream.Stream
}

func newJetStreamMetrics(registry *metric.MetricsRegistry) (*jetstreamMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "jetstream", Name: name, Help: help,
		}, []string{"stream"})
	}

	m := &jetstreamMetrics{
		streamMessages: gauge("stream_messages", "Current number of messages in stream"),
		streamBytes:    gauge("stream_bytes", "Storage bytes used by stream"),
		streamState:    gauge("stream_state", "Stream state (1=reachable, 0=unreachable)"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "jetstream", Name: "operation_errors_total",
			Help: "Total number of JetStream operation errors",
		}, []string{"operation"}),
		streams: make(map[string]jetstream.Stream),
	}

	for name, vec := range map[string]*prometheus.GaugeVec{
		"stream_messages": m.streamMessages,
		"stream_bytes":    m.streamBytes,
		"stream_state":    m.streamState,
	} {
		if err := registry.RegisterGaugeVec("jetstream", name, vec); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("jetstream", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[name] = stream
	m.streamState.WithLabelValues(name).Set(1)
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.RLock()
	streams := make(map[string]jetstream.Stream, len(m.streams))
	for k, v := range m.streams {
		streams[k] = v
	}
	m.mu.RUnlock()

	for name, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.streamState.WithLabelValues(name).Set(0)
			continue
		}
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		m.streamState.WithLabelValues(name).Set(1)
	}
}

// startPoller refreshes stream stats every interval until the returned
// cancel function is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
