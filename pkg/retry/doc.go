// Package retry provides exponential backoff retry logic for transient failures.
//
// # Functions
//
//   - Do: execute a function with retry and exponential backoff
//   - DoWithResult: same, returning a value
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay (startup, NATS connect)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//   - Resolve(): 3 attempts, 50ms-250ms delay (locating a peer that may be gone)
//
// # Stopping early
//
// Wrap an error with NonRetryable, or set Config.Retryable, to stop before
// the attempt budget is spent:
//
//	cfg := retry.Resolve()
//	cfg.Retryable = errors.IsTransient
//	ref, err := retry.DoWithResult(ctx, cfg, func() (cluster.ProducerRef, error) {
//	    return resolver.Resolve(ctx, path)
//	})
//
// All operations respect context cancellation, both while the function runs
// and during backoff sleeps.
package retry
