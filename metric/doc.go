// Package metric provides the Prometheus registry and HTTP server used by a
// pitwall node.
//
// The registry holds two kinds of metrics:
//
//  1. Core metrics (Metrics type) registered automatically: service status,
//     message processing, error codes, health and NATS connectivity.
//  2. Component metrics registered through MetricsRegistrar by the shard
//     store, coordinator, ingress pipeline, buffers and worker pools.
//
// Registration is keyed by service and metric name. Registering the same key
// twice, or a collector whose descriptor Prometheus already knows, returns an
// invalid-class error so components can detect double construction.
//
// # Usage
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	srv.Handle("/healthz", healthHandler)
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop(context.Background())
//
// All metric names use the "pitwall" namespace.
package metric
