// Package natsclient wraps a NATS connection for a pitwall node.
//
// Client adds a circuit breaker around connection attempts and JetStream
// management calls. After a configurable number of failures in one round the
// circuit opens, further attempts fail fast with ErrCircuitOpen, and the
// backoff doubles up to a maximum before the circuit moves to half-open.
//
// The client exposes the operations the rest of the node needs:
//
//   - Publish, Subscribe and QueueSubscribe for the pub/sub bus
//   - Request for request/reply with context deadlines
//   - CreateStream for the event journal
//   - CreateKeyValueBucket and KVStore for snapshots
//
// Subscription handlers receive a context bounded by the handler timeout.
// Close drains the connection, honouring the caller's deadline, and clears
// credentials from memory.
//
// TestClient starts a throwaway NATS server with testcontainers. Tests that
// need it carry the integration build tag.
package natsclient
