package shard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

// Updated is published after every applied update.
type Updated struct {
	Key   entity.Key   `json:"key"`
	State entity.State `json:"state"`
}

// Notifier receives Updated events. Delivery is best effort and outside the
// write path: a failed notification never fails the update.
type Notifier interface {
	Notify(ctx context.Context, u Updated) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, u Updated) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, u Updated) error { return f(ctx, u) }

// UpdatedTopic carries Updated events to api nodes.
var UpdatedTopic = pubsub.NewTopic(pubsub.RoleAPI, "entity", "updated")

// BusNotifier broadcasts Updated events on UpdatedTopic.
type BusNotifier struct {
	bus pubsub.Bus
}

// NewBusNotifier creates a notifier publishing on bus.
func NewBusNotifier(bus pubsub.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify implements Notifier.
func (n *BusNotifier) Notify(ctx context.Context, u Updated) error {
	data, err := json.Marshal(u)
	if err != nil {
		return errors.WrapInvalid(err, "BusNotifier", "Notify", u.Key.String())
	}
	return n.bus.Publish(ctx, UpdatedTopic, data)
}

// LatestView keeps the most recent state of every entity seen on the
// updated topic.
type LatestView struct {
	states *xsync.Map[string, entity.State]
	sub    pubsub.Subscription
	logger *slog.Logger
}

// NewLatestView creates an empty view.
func NewLatestView(logger *slog.Logger) *LatestView {
	if logger == nil {
		logger = slog.Default()
	}
	return &LatestView{
		states: xsync.NewMap[string, entity.State](),
		logger: logger.With("component", "latest-view"),
	}
}

// Notify implements Notifier so the view can also be fed in-process.
// Updates for one key arrive from its single owning entity, in order.
func (v *LatestView) Notify(_ context.Context, u Updated) error {
	v.states.Store(u.Key.String(), u.State)
	return nil
}

// Subscribe feeds the view from UpdatedTopic.
func (v *LatestView) Subscribe(ctx context.Context, bus pubsub.Bus) error {
	sub, err := bus.Subscribe(ctx, UpdatedTopic, func(ctx context.Context, msg pubsub.Message) {
		var u Updated
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			v.logger.Debug("Dropping malformed update", "error", err)
			return
		}
		_ = v.Notify(ctx, u)
	})
	if err != nil {
		return errors.WrapTransient(err, "LatestView", "Subscribe", UpdatedTopic.Subject())
	}
	v.sub = sub
	return nil
}

// Close stops the subscription.
func (v *LatestView) Close() error {
	if v.sub == nil {
		return nil
	}
	return v.sub.Unsubscribe()
}

// Get returns the latest state for key.
func (v *LatestView) Get(key entity.Key) (entity.State, bool) {
	return v.states.Load(key.String())
}

// Keys returns every key in the view, sorted.
func (v *LatestView) Keys() []entity.Key {
	var keys []entity.Key
	v.states.Range(func(_ string, s entity.State) bool {
		keys = append(keys, s.Key)
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SessionKey != keys[j].SessionKey {
			return keys[i].SessionKey < keys[j].SessionKey
		}
		return keys[i].DriverNumber < keys[j].DriverNumber
	})
	return keys
}

// Fanout delivers to every notifier and returns the first error.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, u Updated) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}
