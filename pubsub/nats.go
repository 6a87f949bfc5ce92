package pubsub

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/natsclient"
)

// NATSBus is a Bus over a connected natsclient.Client. Group subscriptions
// map to NATS queue groups.
type NATSBus struct {
	client *natsclient.Client
}

var (
	_ Bus = (*NATSBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)

// NewNATSBus wraps client. The client must be connected before use.
func NewNATSBus(client *natsclient.Client) *NATSBus {
	return &NATSBus{client: client}
}

func toMessage(msg *nats.Msg) Message {
	var respond func([]byte) error
	if msg.Reply != "" {
		respond = msg.Respond
	}
	return NewMessage(msg.Subject, msg.Data, respond)
}

// Publish implements Bus.
func (b *NATSBus) Publish(ctx context.Context, topic Topic, data []byte) error {
	return b.client.Publish(ctx, topic.Subject(), data)
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	sub, err := b.client.Subscribe(ctx, topic.Subject(), func(ctx context.Context, msg *nats.Msg) {
		handler(ctx, toMessage(msg))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscribeGroup implements Bus.
func (b *NATSBus) SubscribeGroup(ctx context.Context, topic Topic, group string,
	handler Handler) (Subscription, error) {
	sub, err := b.client.QueueSubscribe(ctx, topic.Subject(), group, func(ctx context.Context, msg *nats.Msg) {
		handler(ctx, toMessage(msg))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Request implements Bus.
func (b *NATSBus) Request(ctx context.Context, topic Topic, data []byte) ([]byte, error) {
	reply, err := b.client.Request(ctx, topic.Subject(), data)
	if err != nil && stderrors.Is(err, nats.ErrNoResponders) {
		return nil, errors.WrapTransient(ErrNoResponders, "NATSBus", "Request", topic.Subject())
	}
	return reply, err
}
