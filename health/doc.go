// Package health aggregates component health for a pitwall node.
//
// Components either push their state into a Monitor (UpdateHealthy,
// UpdateDegraded, UpdateUnhealthy) or register a Checker that is polled on
// every aggregation. Aggregate applies the usual precedence: any unhealthy
// sub-status makes the node unhealthy, otherwise any degraded one makes it
// degraded.
//
// Monitor.Handler serves the aggregate at /healthz and answers 503 when the
// node is unhealthy. Error text passed through FromError is sanitized so
// connection URLs, addresses and credentials are not exposed.
package health
