package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/errors"
)

func TestTopicSubject(t *testing.T) {
	topic := NewTopic(RoleShard, "cmd", "3")
	assert.Equal(t, "pitwall.shard.cmd.3", topic.Subject())
	assert.Equal(t, "pitwall.coordinator.events.shards", NewTopic(RoleCoordinator, "events").Child("shards").Subject())
	assert.True(t, RoleIngress.Valid())
	assert.False(t, Role("pit").Valid())
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.b", "a.b.c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}

func collect(n int) (Handler, func(t *testing.T) []string) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	h := func(_ context.Context, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Data))
		if len(got) == n {
			close(done)
		}
	}
	wait := func(t *testing.T) []string {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d messages", n)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
	return h, wait
}

func TestMemoryBusBroadcastPreservesOrder(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()
	topic := NewTopic(RoleShard, "updates")

	h1, wait1 := collect(3)
	h2, wait2 := collect(3)
	_, err := bus.Subscribe(ctx, topic, h1)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, NewTopic(RoleShard, ">"), h2)
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, topic, []byte(m)))
	}
	assert.Equal(t, []string{"a", "b", "c"}, wait1(t))
	assert.Equal(t, []string{"a", "b", "c"}, wait2(t))
}

func TestMemoryBusGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()
	topic := NewTopic(RoleCoordinator, "commands")

	var a, b atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	_, err := bus.SubscribeGroup(ctx, topic, "workers", func(context.Context, Message) { a.Add(1); wg.Done() })
	require.NoError(t, err)
	_, err = bus.SubscribeGroup(ctx, topic, "workers", func(context.Context, Message) { b.Add(1); wg.Done() })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, topic, []byte("x")))
	}
	wg.Wait()
	assert.Equal(t, int32(10), a.Load()+b.Load())
	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
}

func TestMemoryBusRequestReply(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()
	topic := NewTopic(RoleShard, "ask")

	_, err := bus.SubscribeGroup(ctx, topic, "shards", func(_ context.Context, msg Message) {
		require.True(t, msg.CanRespond())
		_ = msg.Respond(append([]byte("re:"), msg.Data...))
	})
	require.NoError(t, err)

	reply, err := bus.Request(ctx, topic, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(reply))
}

func TestMemoryBusRequestErrors(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Request(ctx, NewTopic(RoleShard, "nobody"), nil)
	assert.ErrorIs(t, err, ErrNoResponders)

	silent := NewTopic(RoleShard, "silent")
	_, err = bus.Subscribe(ctx, silent, func(context.Context, Message) {})
	require.NoError(t, err)

	reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = bus.Request(reqCtx, silent, nil)
	assert.ErrorIs(t, err, errors.ErrAskTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()
	topic := NewTopic(RoleAPI, "events")

	var count atomic.Int32
	sub, err := bus.Subscribe(ctx, topic, func(context.Context, Message) { count.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, topic, []byte("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, count.Load())

	msg := NewMessage("s", nil, nil)
	assert.ErrorIs(t, msg.Respond(nil), ErrNoReplyExpected)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, topic, nil), ErrBusClosed)
}
