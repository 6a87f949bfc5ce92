package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

// MembershipTopic carries MemberEvents from every node to the coordinator.
var MembershipTopic = pubsub.NewTopic(pubsub.RoleCoordinator, "membership")

// MembershipSyncTopic asks every node to announce itself again. A
// coordinator publishes it when it starts so members that came up before it
// are counted.
var MembershipSyncTopic = MembershipTopic.Child("sync")

const feedMaxEnqueueWait = 500 * time.Millisecond

// Feed turns pushed membership events into a pull-based stream. Push never
// blocks the caller. Once the queue is full, events wait in an overflow FIFO
// that a single goroutine moves into the queue with backoff, so events reach
// Next in the order they were pushed.
type Feed struct {
	queue  *xsync.MPMCQueue[MemberEvent]
	wake   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	overflow []MemberEvent // guarded by mu
	draining bool          // guarded by mu
}

// NewFeed creates a feed holding up to size pending events.
func NewFeed(size int, logger *slog.Logger) *Feed {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		queue:  xsync.NewMPMCQueue[MemberEvent](size),
		wake:   make(chan struct{}, 1),
		logger: logger.With("component", "membership-feed"),
	}
}

// Push enqueues ev and returns immediately.
func (f *Feed) Push(ev MemberEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.overflow) == 0 && f.queue.TryEnqueue(ev) {
		f.signal()
		return
	}
	f.overflow = append(f.overflow, ev)
	if !f.draining {
		f.draining = true
		go f.drainOverflow()
	}
}

// drainOverflow moves overflow into the queue head first until it is empty.
func (f *Feed) drainOverflow() {
	for {
		f.mu.Lock()
		if len(f.overflow) == 0 {
			f.draining = false
			f.mu.Unlock()
			return
		}
		ev := f.overflow[0]
		f.mu.Unlock()

		err := f.enqueueWithBackoff(ev)

		f.mu.Lock()
		f.overflow[0] = MemberEvent{}
		f.overflow = f.overflow[1:]
		f.mu.Unlock()
		if err != nil {
			f.logger.Error("Membership event dropped", "type", ev.Type, "member", ev.Member, "error", err)
			continue
		}
		f.signal()
	}
}

func (f *Feed) enqueueWithBackoff(ev MemberEvent) error {
	operation := func() (struct{}, error) {
		if !f.queue.TryEnqueue(ev) {
			return struct{}{}, errors.ErrResourceExhausted
		}
		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Microsecond
	expBackoff.MaxInterval = 10 * time.Millisecond
	expBackoff.Multiplier = 2.0
	expBackoff.RandomizationFactor = 0.1
	expBackoff.Reset()

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(feedMaxEnqueueWait))
	return err
}

func (f *Feed) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx ends.
func (f *Feed) Next(ctx context.Context) (MemberEvent, error) {
	for {
		if ev, ok := f.queue.TryDequeue(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return MemberEvent{}, ctx.Err()
		case <-f.wake:
		}
	}
}

// BusFeed subscribes MembershipTopic and pushes every event into feed.
func BusFeed(ctx context.Context, bus pubsub.Bus, feed *Feed) (pubsub.Subscription, error) {
	sub, err := bus.Subscribe(ctx, MembershipTopic, func(_ context.Context, msg pubsub.Message) {
		var ev MemberEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			feed.logger.Debug("Dropping malformed membership event", "error", err)
			return
		}
		feed.Push(ev)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "BusFeed", "Subscribe", MembershipTopic.Subject())
	}
	return sub, nil
}

// Announce publishes ev on MembershipTopic.
func Announce(ctx context.Context, bus pubsub.Bus, ev MemberEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Feed", "Announce", ev.Member)
	}
	return bus.Publish(ctx, MembershipTopic, data)
}

// RequestMembershipSync asks every node to re-announce its membership.
func RequestMembershipSync(ctx context.Context, bus pubsub.Bus) error {
	return bus.Publish(ctx, MembershipSyncTopic, nil)
}
