package ingress

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pitwall/metric"
)

type pipelineMetrics struct {
	offers    *prometheus.CounterVec
	delivered *prometheus.CounterVec
	mode      prometheus.Gauge
	fetched   *prometheus.CounterVec
	discarded *prometheus.CounterVec
}

func newPipelineMetrics(registry *metric.MetricsRegistry) (*pipelineMetrics, error) {
	m := &pipelineMetrics{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "ingress", Name: "offers_total",
			Help: "Pushed items by offer result",
		}, []string{"result"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "ingress", Name: "delivered_total",
			Help: "Items handed to the entity store by mode and outcome",
		}, []string{"mode", "outcome"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pitwall", Subsystem: "ingress", Name: "mode",
			Help: "Active pipeline mode (0 stopped, 1 push, 2 polling)",
		}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "ingress", Name: "fetched_items_total",
			Help: "Items preloaded per polled series",
		}, []string{"series"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitwall", Subsystem: "ingress", Name: "discarded_total",
			Help: "Pushed items discarded by the queue, by message type",
		}, []string{"type"}),
	}
	if err := registry.RegisterCounterVec("ingress", "offers", m.offers); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingress", "delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("ingress", "mode", m.mode); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingress", "fetched", m.fetched); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingress", "discarded", m.discarded); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *pipelineMetrics) offer(r OfferResult) {
	if m != nil {
		m.offers.WithLabelValues(r.String()).Inc()
	}
}

func (m *pipelineMetrics) deliver(mode Mode, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.delivered.WithLabelValues(mode.String(), outcome).Inc()
}

func (m *pipelineMetrics) setMode(mode Mode) {
	if m != nil {
		m.mode.Set(float64(mode))
	}
}

func (m *pipelineMetrics) fetch(series string, n int) {
	if m != nil {
		m.fetched.WithLabelValues(series).Add(float64(n))
	}
}

func (m *pipelineMetrics) discard(msgType string) {
	if m != nil {
		m.discarded.WithLabelValues(msgType).Inc()
	}
}
