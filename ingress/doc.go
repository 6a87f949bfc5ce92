// Package ingress feeds telemetry into the entity store.
//
// A Pipeline is Stopped, Push or Polling. In push mode callers Offer items
// into a bounded queue; the overflow policy decides between backpressure
// (Block, bounded by the offer timeout) and shedding (DropNewest), and the
// OfferResult is the flow-control signal. In polling mode every Fetcher is
// loaded concurrently, the series are merged by event time and replayed one
// batch per tick. Both modes deliver through the same acknowledgement-driven
// worker pool, which asks the store with a timeout and acks every item.
//
// Start always tears down the previous run before building the next, so
// there is never more than one set of live workers.
//
// A Producer ties the pipeline to the coordinator: it registers, runs the
// pipeline while shards are available and stops it otherwise.
// WebSocketHandler exposes Offer to remote producers.
package ingress
