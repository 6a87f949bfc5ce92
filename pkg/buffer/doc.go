// Package buffer provides thread-safe circular buffers with configurable overflow
// policies, always-on statistics, and optional Prometheus metrics.
//
// # Overflow Policies
//
//   - DropOldest: evict the oldest item to make room (default)
//   - DropNewest: reject the incoming item with ErrItemDropped
//   - Block: wait for space, bounded by the context given to WriteWithContext
//
// The ingress push queue is built on this package. Its configured backpressure
// strategy maps to a policy through ParseOverflowPolicy:
//
//	buf, err := buffer.NewCircularBuffer[ingress.Item](8192,
//		buffer.WithOverflowPolicy[ingress.Item](buffer.ParseOverflowPolicy("block")),
//		buffer.WithMetrics[ingress.Item](registry, "ingress_push"),
//	)
//
//	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
//	defer cancel()
//	if err := buf.WriteWithContext(ctx, item); errors.Is(err, context.DeadlineExceeded) {
//		// treat as dropped
//	}
//
// # Closing
//
// Close releases every blocked writer and reader. Writers receive an error
// wrapping errors.ErrAlreadyStopped. Readers using ReadWithContext keep
// draining buffered items and receive the same error once the buffer is empty.
//
// # Observability
//
// Statistics track writes, reads, overflows, drops and the size high-water
// mark without any external dependency. WithMetrics additionally exports
// counters and gauges under the pitwall_buffer_* names with a "component"
// label taken from the metrics prefix.
package buffer
