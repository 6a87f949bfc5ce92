package buffer

import (
	"github.com/c360/pitwall/metric"
)

// Option configures a buffer.
type Option[T any] func(*settings[T])

type settings[T any] struct {
	policy OverflowPolicy
	onDrop DropCallback[T]

	registry *metric.MetricsRegistry // nil disables metrics
	prefix   string
}

// WithOverflowPolicy picks what Write does when the buffer is full.
// The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(s *settings[T]) { s.policy = policy }
}

// WithMetrics exports buffer statistics under prefix. A nil registry or an
// empty prefix is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(s *settings[T]) {
		if registry == nil || prefix == "" {
			return
		}
		s.registry, s.prefix = registry, prefix
	}
}

// WithDropCallback is told about every item lost to overflow or Clear.
// It runs outside the buffer lock.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(s *settings[T]) { s.onDrop = callback }
}

func collect[T any](options []Option[T]) *settings[T] {
	s := &settings[T]{policy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	return s
}
