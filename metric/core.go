package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pitwall"

// Metrics contains node-level metrics shared by every role.
type Metrics struct {
	ServiceStatus      *prometheus.GaugeVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the node-level metrics. They are not registered until
// handed to a MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "status",
			Help: "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "processed_total",
			Help: "Total number of messages processed",
		}, []string{"service", "type", "status"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "published_total",
			Help: "Total number of messages published",
		}, []string{"service", "subject"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processing", Name: "duration_seconds",
			Help:    "Message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "errors", Name: "total",
			Help: "Total number of errors by error code",
		}, []string{"service", "code"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "status",
			Help: "Health check status (0=unhealthy, 1=healthy)",
		}, []string{"service"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "rtt_milliseconds",
			Help: "NATS round-trip time in milliseconds",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "circuit_breaker",
			Help: "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus,
		c.MessagesProcessed,
		c.MessagesPublished,
		c.ProcessingDuration,
		c.ErrorsTotal,
		c.HealthCheckStatus,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(service, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(service, messageType, status).Inc()
}

// RecordMessagePublished increments published message counter
func (c *Metrics) RecordMessagePublished(service, subject string) {
	c.MessagesPublished.WithLabelValues(service, subject).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter for an error code
func (c *Metrics) RecordError(service, code string) {
	c.ErrorsTotal.WithLabelValues(service, code).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(service).Set(boolGauge(healthy))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolGauge(connected))
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
