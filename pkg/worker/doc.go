// Package worker provides a fixed-size worker pool driven by acknowledgements.
//
// # Protocol
//
// Each worker goes through the same exchange with the pool:
//
//  1. init: the pool sends an init signal, the worker answers with an ack.
//  2. item: an ack is demand for exactly one item. Submit blocks until some
//     worker has outstanding demand, which gives natural backpressure.
//  3. ack: after every item the worker acks again, whether the processor
//     returned nil, returned an error, or panicked.
//  4. complete: Stop sends the stream-completed signal to each worker after
//     its next ack. This is the only signal that ends a worker.
//
// Processor errors are counted and passed to the optional failure hook.
//
// # Usage
//
//	pool, err := worker.NewPool(8, deliver,
//		worker.WithName[ingress.Item]("ingress"),
//		worker.WithMetricsRegistry[ingress.Item](registry),
//	)
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	for item := range items {
//		if err := pool.Submit(ctx, item); err != nil {
//			return err
//		}
//	}
//
// WithObserver reports worker start and stop events, which callers use to
// confirm that one pool has fully stopped before another one starts.
package worker
