package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/persistence"
	"github.com/c360/pitwall/pubsub"
)

// gatedJournal holds every Append until release is closed.
type gatedJournal struct {
	*persistence.MemoryJournal
	entered chan struct{}
	release chan struct{}
}

func newGatedJournal() *gatedJournal {
	return &gatedJournal{
		MemoryJournal: persistence.NewMemoryJournal(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (j *gatedJournal) Append(ctx context.Context, rec persistence.Record) error {
	select {
	case j.entered <- struct{}{}:
	default:
	}
	select {
	case <-j.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return j.MemoryJournal.Append(ctx, rec)
}

func TestProxyReachesRemoteStore(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	s := newHarness().store(t, Config{NumShards: 4}, NewBusNotifier(bus))
	srv := NewServer(s, bus, nil)
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()
	assert.Error(t, srv.Start(ctx))

	view := NewLatestView(nil)
	require.NoError(t, view.Subscribe(ctx, bus))
	defer view.Close()

	proxy := NewProxy(s.Router(), bus)
	reply, err := proxy.Ask(ctx, entity.CreateDriver{Key: k1, NameAcronym: "VER"})
	require.NoError(t, err)
	assert.Equal(t, entity.Created{Key: k1}, reply)

	_, err = proxy.Ask(ctx, entity.UpdatePosition{Key: k2, Position: 1, Timestamp: t0})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.True(t, errors.IsInvalid(err))

	reply, err = proxy.Ask(ctx, entity.GetState{Key: k1})
	require.NoError(t, err)
	assert.Equal(t, "VER", reply.(entity.StateReply).State.Identity.NameAcronym)

	require.Eventually(t, func() bool {
		_, ok := view.Get(k1)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := proxy.Stats(ctx)
		return err == nil && stats.Entities == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherPrefersLocalShards(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	h := newHarness()
	router, err := NewRouter(2)
	require.NoError(t, err)
	owner := router.ShardID(k1.String())

	local := h.store(t, Config{NumShards: 2, OwnedShards: []int{owner}}, nil)
	remote := h.store(t, Config{NumShards: 2, OwnedShards: []int{1 - owner}}, nil)
	srv := NewServer(remote, bus, nil)
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	d := NewDispatcher(router, local, NewProxy(router, bus))

	_, err = d.Ask(ctx, entity.CreateDriver{Key: k1})
	require.NoError(t, err)
	localStats, _ := local.Stats(ctx)
	assert.Equal(t, 1, localStats.Entities)

	// find a key owned by the other shard
	var other entity.Key
	for n := 2; n <= 99; n++ {
		k := entity.Key{SessionKey: 9158, DriverNumber: n}
		if router.ShardID(k.String()) != owner {
			other = k
			break
		}
	}
	require.False(t, other.IsZero())
	_, err = d.Ask(ctx, entity.CreateDriver{Key: other})
	require.NoError(t, err)
	remoteStats, _ := remote.Stats(ctx)
	assert.Equal(t, 1, remoteStats.Entities)

	noRemote := NewDispatcher(router, local, nil)
	_, err = noRemote.Ask(ctx, entity.GetState{Key: other})
	assert.ErrorIs(t, err, errors.ErrUnroutable)
}

func TestProxyWithoutServer(t *testing.T) {
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()
	router, err := NewRouter(2)
	require.NoError(t, err)

	_, err = NewProxy(router, bus).Ask(context.Background(), entity.GetState{Key: k1})
	assert.ErrorIs(t, err, pubsub.ErrNoResponders)
}

func TestServerAnswersOtherEntitiesWhileOneIsPersisting(t *testing.T) {
	ctx := context.Background()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	journal := newGatedJournal()
	s, err := NewStore(Config{NumShards: 1, AskTimeout: 5 * time.Second},
		Dependencies{Journal: journal, Snapshots: persistence.NewMemorySnapshotStore()})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer s.Stop(time.Second)

	srv := NewServer(s, bus, nil)
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	proxy := NewProxy(s.Router(), bus)
	created := make(chan error, 1)
	go func() {
		_, err := proxy.Ask(ctx, entity.CreateDriver{Key: k1, NameAcronym: "VER"})
		created <- err
	}()
	select {
	case <-journal.entered:
	case <-time.After(time.Second):
		t.Fatal("create never reached the journal")
	}

	askCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = proxy.Ask(askCtx, entity.GetState{Key: k2})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.NotErrorIs(t, err, errors.ErrAskTimeout)

	close(journal.release)
	require.NoError(t, <-created)
	assert.Equal(t, "VER", stateOf(t, proxy, k1).Identity.NameAcronym)
}
