package cluster

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwerrors "github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

func TestAggregatorCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var emitted []int
	agg := NewAggregator(50*time.Millisecond, func(count int) {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, count)
	})
	defer agg.Stop()

	for i := 0; i < 20; i++ {
		agg.Signal(+1)
	}
	for i := 0; i < 5; i++ {
		agg.Signal(-1)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{15}, emitted)
}

func TestAggregatorSeparateBursts(t *testing.T) {
	counts := make(chan int, 4)
	agg := NewAggregator(20*time.Millisecond, func(count int) { counts <- count })
	defer agg.Stop()

	agg.Signal(+1)
	assert.Equal(t, 1, <-counts)
	agg.Signal(-1)
	agg.Signal(-1)
	assert.Equal(t, 0, <-counts, "count never goes negative")
	assert.Equal(t, 0, agg.Count())
}

func TestAggregatorStopCancelsPending(t *testing.T) {
	var fired atomic.Bool
	agg := NewAggregator(20*time.Millisecond, func(int) { fired.Store(true) })
	agg.Signal(+1)
	agg.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestMembershipListenerSignals(t *testing.T) {
	var signals []Signal
	l := NewMembershipListener(NewFeed(8, nil), func(s Signal) { signals = append(signals, s) }, nil)

	shardRoles := []pubsub.Role{pubsub.RoleShard}
	l.Handle(MemberEvent{Type: MemberUp, Member: "a", Roles: []pubsub.Role{pubsub.RoleShard, pubsub.RoleAPI}})
	l.Handle(MemberEvent{Type: MemberUp, Member: "a", Roles: shardRoles})
	l.Handle(MemberEvent{Type: MemberUp, Member: "b", Roles: shardRoles})
	l.Handle(MemberEvent{Type: MemberUnreachable, Member: "a", Roles: shardRoles})
	l.Handle(MemberEvent{Type: MemberDown, Member: "a", Roles: shardRoles})
	l.Handle(MemberEvent{Type: MemberReachable, Member: "a", Roles: shardRoles})

	assert.Equal(t, []Signal{
		{Role: pubsub.RoleShard, Member: "a", Delta: 1},
		{Role: pubsub.RoleAPI, Member: "a", Delta: 1},
		{Role: pubsub.RoleShard, Member: "b", Delta: 1},
		{Role: pubsub.RoleShard, Member: "a", Delta: -1},
		{Role: pubsub.RoleShard, Member: "a", Delta: 1},
	}, signals)
	assert.Equal(t, 2, l.Count(pubsub.RoleShard))
}

func TestFeedOverBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	feed := NewFeed(4, nil)
	sub, err := BusFeed(ctx, bus, feed)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		require.NoError(t, Announce(ctx, bus, MemberEvent{Type: MemberUp, Member: "node", Roles: []pubsub.Role{pubsub.RoleShard}}))
	}
	for i := 0; i < 10; i++ {
		ev, err := feed.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, MemberUp, ev.Type)
		assert.True(t, ev.HasRole(pubsub.RoleShard))
		assert.False(t, ev.At.IsZero())
	}

	short, cancelShort := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancelShort()
	_, err = feed.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFeedKeepsPushOrderWhenFull(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	feed := NewFeed(2, nil)
	roles := []pubsub.Role{pubsub.RoleShard}
	var pushed []MemberEvent
	push := func(ev MemberEvent) {
		pushed = append(pushed, ev)
		feed.Push(ev)
	}
	for i := 0; i < 40; i++ {
		typ := MemberUp
		if i%2 == 1 {
			typ = MemberDown
		}
		push(MemberEvent{Type: typ, Member: strconv.Itoa(i / 2), Roles: roles})
	}

	l := NewMembershipListener(feed, func(Signal) {}, nil)
	var got []MemberEvent
	next := func() {
		ev, err := feed.Next(ctx)
		require.NoError(t, err)
		got = append(got, ev)
		l.Handle(ev)
	}
	for i := 0; i < 5; i++ {
		next()
	}
	// queue space has freed up, but the overflow is still ahead of this one
	push(MemberEvent{Type: MemberUp, Member: "late", Roles: roles})
	for len(got) < len(pushed) {
		next()
	}

	assert.Equal(t, pushed, got)
	assert.Equal(t, 1, l.Count(pubsub.RoleShard), "only the late member is present")
}

func TestSupervisorRestartsThenEscalates(t *testing.T) {
	var runs, terminations atomic.Int32
	sup := NewSupervisor("flaky", SupervisorConfig{
		MaxRestarts: 10, Window: 10 * time.Second, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	}, func(context.Context) error {
		if runs.Add(1)%2 == 0 {
			panic("boom")
		}
		return errors.New("failed")
	}, func(error) { terminations.Add(1) }, nil)

	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrEscalated)
	assert.True(t, pwerrors.IsFatal(err))
	assert.Equal(t, int32(11), runs.Load())
	assert.Equal(t, int32(11), terminations.Load())
}

func TestSupervisorStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	sup := NewSupervisor("steady", DefaultSupervisorConfig(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	<-started
	cancel()
	assert.NoError(t, <-done)
}

func TestSupervisorRestartedListenerKeepsMembership(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(16, nil)
	signals := make(chan Signal, 16)
	l := NewMembershipListener(feed, func(s Signal) { signals <- s }, nil)

	var first atomic.Bool
	first.Store(true)
	sup := NewSupervisor("listener", SupervisorConfig{MinBackoff: time.Millisecond}, func(ctx context.Context) error {
		if first.CompareAndSwap(true, false) {
			ev, err := feed.Next(ctx)
			if err != nil {
				return err
			}
			l.Handle(ev)
			return errors.New("crash after first event")
		}
		return l.Run(ctx)
	}, nil, nil)
	go func() { _ = sup.Run(ctx) }()

	up := MemberEvent{Type: MemberUp, Member: "a", Roles: []pubsub.Role{pubsub.RoleShard}}
	feed.Push(up)
	assert.Equal(t, Signal{Role: pubsub.RoleShard, Member: "a", Delta: 1}, <-signals)
	feed.Push(up)
	feed.Push(MemberEvent{Type: MemberDown, Member: "a", Roles: []pubsub.Role{pubsub.RoleShard}})
	assert.Equal(t, Signal{Role: pubsub.RoleShard, Member: "a", Delta: -1}, <-signals)
}
