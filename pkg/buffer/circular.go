package buffer

import (
	"context"
	"sync"

	"github.com/c360/pitwall/errors"
)

// circularBuffer is a thread-safe circular buffer with configurable overflow policies.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *settings[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *settings[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newBufferMetrics(opts.registry, opts.prefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// Write adds an item according to the overflow policy. Under Block it waits
// without a deadline; use WriteWithContext to bound the wait.
func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteWithContext(context.Background(), item)
}

// WriteWithContext adds an item, waiting at most until ctx ends when the
// policy is Block and the buffer is full.
func (cb *circularBuffer[T]) WriteWithContext(ctx context.Context, item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var dropped []T
	if cb.size == cb.capacity {
		cb.stats.Overflow()

		switch cb.opts.policy {
		case DropOldest:
			dropped = append(dropped, cb.pop())
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow(true)
			}

		case DropNewest:
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordOverflow(true)
			}
			cb.mu.Unlock()
			cb.notifyDropped(item)
			return ErrItemDropped

		case Block:
			if cb.metrics != nil {
				cb.metrics.recordOverflow(false)
			}
			if err := cb.wait(ctx, cb.notFull, func() bool { return cb.size < cb.capacity }); err != nil {
				cb.mu.Unlock()
				return err
			}
			if cb.closed {
				cb.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}

	cb.notEmpty.Signal()
	cb.mu.Unlock()

	cb.notifyDropped(dropped...)
	return nil
}

// wait blocks on cond until ready() holds, the buffer closes, or ctx ends.
// Must be called with cb.mu held; returns with cb.mu held.
func (cb *circularBuffer[T]) wait(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if ready() || cb.closed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cb.mu.Lock()
				cond.Broadcast()
				cb.mu.Unlock()
			case <-done:
			}
		}()
	}

	for !ready() && !cb.closed {
		cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// pop removes the oldest item. Caller holds cb.mu and guarantees size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item
}

func (cb *circularBuffer[T]) notifyDropped(items ...T) {
	if cb.opts.onDrop == nil {
		return
	}
	for _, item := range items {
		cb.opts.onDrop(item)
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.readLocked(), true
}

func (cb *circularBuffer[T]) readLocked() T {
	item := cb.pop()

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}

	cb.notFull.Signal()
	return item
}

// ReadWithContext waits for an item, the buffer to close and drain, or ctx to end.
func (cb *circularBuffer[T]) ReadWithContext(ctx context.Context) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if err := cb.wait(ctx, cb.notEmpty, func() bool { return cb.size > 0 }); err != nil {
		return zero, err
	}
	if cb.size == 0 {
		return zero, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "ReadWithContext", "buffer closed and drained")
	}
	return cb.readLocked(), nil
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := max
	if n > cb.size {
		n = cb.size
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = cb.pop()
		cb.stats.Read()
	}

	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}

	cb.notFull.Broadcast()
	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	cb.stats.Peek()
	return cb.items[cb.tail], true
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// IsFull returns true if the buffer is at maximum capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

// Clear removes all items, reporting each one to the drop callback.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	cleared := make([]T, 0, cb.size)
	for cb.size > 0 {
		cleared = append(cleared, cb.pop())
	}
	cb.head, cb.tail = 0, 0

	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.notFull.Broadcast()
	cb.mu.Unlock()

	cb.notifyDropped(cleared...)
}

// Stats returns buffer statistics (always available for observability).
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close stops accepting writes, wakes all waiters and releases the buffer's
// metrics. Idempotent.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	if cb.metrics != nil {
		cb.metrics.unregister()
	}

	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	return nil
}
