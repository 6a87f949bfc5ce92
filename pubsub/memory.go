package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/c360/pitwall/errors"
)

const memoryInboxSize = 1024

type memorySub struct {
	id      string
	pattern string
	group   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan Message
	bus     *MemoryBus
	once    sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.handler(s.ctx, msg)
		}
	}
}

func (s *memorySub) deliver(ctx context.Context, msg Message) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe stops delivery. Messages already queued are discarded.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.subs.Delete(s.id)
		s.cancel()
	})
	return nil
}

// MemoryBus is an in-process Bus. Each subscription gets its own goroutine,
// so per-subscription ordering matches publish order.
type MemoryBus struct {
	subs   *xsync.Map[string, *memorySub]
	cursor *xsync.Map[string, *atomic.Uint64]
	logger *slog.Logger
	closed atomic.Bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   xsync.NewMap[string, *memorySub](),
		cursor: xsync.NewMap[string, *atomic.Uint64](),
		logger: logger.With("component", "memory-bus"),
	}
}

func (b *MemoryBus) subscribe(ctx context.Context, topic Topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, errors.WrapInvalid(ErrBusClosed, "MemoryBus", "Subscribe", topic.Subject())
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySub{
		id:      uuid.NewString(),
		pattern: topic.Subject(),
		group:   group,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		inbox:   make(chan Message, memoryInboxSize),
		bus:     b,
	}
	b.subs.Store(sub.id, sub)
	go sub.run()
	return sub, nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// SubscribeGroup implements Bus. Members of a group are served round-robin.
func (b *MemoryBus) SubscribeGroup(ctx context.Context, topic Topic, group string,
	handler Handler) (Subscription, error) {
	return b.subscribe(ctx, topic, group, handler)
}

// targets selects every broadcast subscriber and one member per group.
func (b *MemoryBus) targets(subject string) []*memorySub {
	var out []*memorySub
	groups := make(map[string][]*memorySub)

	b.subs.Range(func(_ string, sub *memorySub) bool {
		if !matchSubject(sub.pattern, subject) || sub.ctx.Err() != nil {
			return true
		}
		if sub.group == "" {
			out = append(out, sub)
		} else {
			groups[sub.pattern+"|"+sub.group] = append(groups[sub.pattern+"|"+sub.group], sub)
		}
		return true
	})

	for key, members := range groups {
		// Range order is random; sort for a stable rotation
		sortSubs(members)
		counter, _ := b.cursor.LoadOrStore(key, new(atomic.Uint64))
		n := counter.Add(1) - 1
		out = append(out, members[n%uint64(len(members))])
	}
	return out
}

func (b *MemoryBus) publish(ctx context.Context, subject string, msg Message) (int, error) {
	targets := b.targets(subject)
	for _, sub := range targets {
		if err := sub.deliver(ctx, msg); err != nil {
			return 0, errors.WrapTransient(err, "MemoryBus", "Publish", subject)
		}
	}
	return len(targets), nil
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic Topic, data []byte) error {
	if b.closed.Load() {
		return errors.WrapInvalid(ErrBusClosed, "MemoryBus", "Publish", topic.Subject())
	}
	subject := topic.Subject()
	_, err := b.publish(ctx, subject, NewMessage(subject, data, nil))
	return err
}

// Request implements Bus. The first reply wins.
func (b *MemoryBus) Request(ctx context.Context, topic Topic, data []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, errors.WrapInvalid(ErrBusClosed, "MemoryBus", "Request", topic.Subject())
	}
	subject := topic.Subject()
	replies := make(chan []byte, 1)
	respond := func(reply []byte) error {
		select {
		case replies <- reply:
		default:
		}
		return nil
	}

	n, err := b.publish(ctx, subject, NewMessage(subject, data, respond))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.WrapTransient(ErrNoResponders, "MemoryBus", "Request", subject)
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.WrapTransient(errors.ErrAskTimeout, "MemoryBus", "Request", subject)
	}
}

// Close unsubscribes everything and rejects further use.
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subs.Range(func(_ string, sub *memorySub) bool {
		_ = sub.Unsubscribe()
		return true
	})
	return nil
}

func sortSubs(subs []*memorySub) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].id < subs[j-1].id; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}
