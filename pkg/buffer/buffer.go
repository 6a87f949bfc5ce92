// Package buffer provides generic, thread-safe bounded buffers with overflow policies.
//
// CircularBuffer is a fixed-size ring with DropOldest, DropNewest, or Block
// behavior when full. Statistics are always collected; Prometheus metrics are
// optional via WithMetrics(). The ingress pipeline uses it as the push-mode
// queue: Block gives backpressure, DropNewest gives load shedding.
package buffer

import (
	"context"
	"errors"
)

// ErrItemDropped is returned by Write when the DropNewest policy rejected the
// item because the buffer was full. The buffer itself is healthy.
var ErrItemDropped = errors.New("buffer full: item dropped")

// Buffer represents a generic buffer interface that all buffer implementations must satisfy.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the
	// overflow policy. DropNewest reports the rejected item as ErrItemDropped.
	Write(item T) error

	// WriteWithContext is Write with a bound on how long the Block policy may wait.
	WriteWithContext(ctx context.Context, item T) error

	// Read retrieves and removes one item, or returns false if the buffer is empty.
	Read() (T, bool)

	// ReadWithContext waits for an item. It returns an error wrapping
	// ErrAlreadyStopped once the buffer is closed and drained, or the
	// context error if ctx ends first.
	ReadWithContext(ctx context.Context) (T, error)

	// ReadBatch retrieves and removes up to max items from the buffer.
	ReadBatch(max int) []T

	// Peek retrieves one item without removing it from the buffer.
	Peek() (T, bool)

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull returns true if the buffer is at maximum capacity.
	IsFull() bool

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics

	// Close stops accepting writes and wakes every waiter. Items already
	// buffered can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy maps configuration names to policies. Unknown names
// fall back to Block.
func ParseOverflowPolicy(name string) OverflowPolicy {
	switch name {
	case "drop_oldest", "DropOldest":
		return DropOldest
	case "drop_newest", "drop", "DropNewest":
		return DropNewest
	default:
		return Block
	}
}

// DropCallback is called when an item is dropped due to overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Stats are ALWAYS collected for observability. Metrics are optional via WithMetrics().
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := collect(options)
	return newCircularBuffer(capacity, opts)
}
