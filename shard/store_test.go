package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/persistence"
)

var (
	k1 = entity.Key{SessionKey: 9158, DriverNumber: 1}
	k2 = entity.Key{SessionKey: 9158, DriverNumber: 44}
	t0 = time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
)

type harness struct {
	journal   *persistence.MemoryJournal
	snapshots *persistence.MemorySnapshotStore
}

func newHarness() *harness {
	return &harness{journal: persistence.NewMemoryJournal(), snapshots: persistence.NewMemorySnapshotStore()}
}

func (h *harness) store(t *testing.T, cfg Config, notifier Notifier) *Store {
	t.Helper()
	s, err := NewStore(cfg, Dependencies{Journal: h.journal, Snapshots: h.snapshots, Notifier: notifier})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func ask(t *testing.T, s Asker, msg entity.Message) entity.Reply {
	t.Helper()
	reply, err := s.Ask(context.Background(), msg)
	require.NoError(t, err)
	return reply
}

func stateOf(t *testing.T, s Asker, key entity.Key) entity.State {
	t.Helper()
	reply := ask(t, s, entity.GetState{Key: key})
	sr, ok := reply.(entity.StateReply)
	require.True(t, ok, "got %T", reply)
	return sr.State
}

func TestRouter(t *testing.T) {
	_, err := NewRouter(0)
	assert.True(t, errors.IsInvalid(err))

	r, err := NewRouter(8)
	require.NoError(t, err)

	id, shardID, err := r.Route(entity.GetState{Key: k1})
	require.NoError(t, err)
	assert.Equal(t, "9158_1", id)
	assert.Equal(t, shardID, r.ShardID("9158_1"))
	assert.GreaterOrEqual(t, shardID, 0)
	assert.Less(t, shardID, 8)

	_, _, err = r.Route("not a message")
	assert.ErrorIs(t, err, errors.ErrUnroutable)
	_, _, err = r.Route(entity.GetState{Key: entity.Key{SessionKey: 1}})
	assert.ErrorIs(t, err, errors.ErrUnroutable)

	used := map[int]bool{}
	for d := 1; d <= 99; d++ {
		used[r.ShardID(entity.Key{SessionKey: 9158, DriverNumber: d}.String())] = true
	}
	assert.Len(t, used, 8)
}

func TestCreateThenGetStateIsInitializedAndZero(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 4}, nil)

	reply := ask(t, s, entity.CreateDriver{Key: k1, NameAcronym: "VER"})
	assert.Equal(t, entity.Created{Key: k1}, reply)

	st := stateOf(t, s, k1)
	assert.True(t, st.Initialized)
	assert.Zero(t, st.Telemetry)
	assert.Zero(t, st.Position)
	assert.True(t, st.Timestamp.IsZero())

	// repeated create acks without a new journal record
	assert.Equal(t, entity.Created{Key: k1}, ask(t, s, entity.CreateDriver{Key: k1}))
}

func TestCreateIsJournaledOnce(t *testing.T) {
	h := newHarness()
	s := h.store(t, Config{NumShards: 4}, nil)
	ask(t, s, entity.CreateDriver{Key: k1})
	ask(t, s, entity.CreateDriver{Key: k1})

	high, err := h.journal.HighestSequence(context.Background(), PersistenceID(k1.String()))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), high)
}

func TestTimestampMergeIsMonotonic(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 4}, nil)
	ask(t, s, entity.CreateDriver{Key: k1})

	t1 := t0.Add(time.Second)
	assert.Equal(t, entity.Ack{Key: k1}, ask(t, s, entity.UpdateTelemetry{Key: k1, Timestamp: t1}))
	ask(t, s, entity.UpdateTelemetry{Key: k1, Telemetry: entity.Telemetry{Speed: 200}, Timestamp: t0})

	st := stateOf(t, s, k1)
	assert.True(t, st.Timestamp.Equal(t1))
	assert.Equal(t, 200, st.Telemetry.Speed)
}

func TestNotInitializedFailsAndPassivates(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 1}, nil)

	_, err := s.Ask(context.Background(), entity.UpdatePosition{Key: k1, Position: 2, Timestamp: t0})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
	assert.True(t, errors.IsInvalid(err))

	require.Eventually(t, func() bool {
		stats, _ := s.Stats(context.Background())
		return stats.Entities == 0
	}, time.Second, 5*time.Millisecond)

	_, err = s.Ask(context.Background(), entity.GetState{Key: k1})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)

	ask(t, s, entity.CreateDriver{Key: k1})
	assert.True(t, stateOf(t, s, k1).Initialized)
}

func TestKeyMismatchIsIsolated(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 1}, nil)
	ask(t, s, entity.CreateDriver{Key: k1, NameAcronym: "VER"})
	ask(t, s, entity.RecordLap{Key: k1, Lap: entity.Lap{Number: 1, Duration: 90 * time.Second}})
	before := stateOf(t, s, k1)

	// deliver a message for k2 straight to the instance that owns k1
	req := request{ctx: context.Background(), msg: entity.UpdatePosition{Key: k2, Position: 1, Timestamp: t0},
		reply: make(chan response, 1)}
	require.NoError(t, s.shards[0].deliver(k1.String(), req))

	resp := <-req.reply
	assert.ErrorIs(t, resp.err, errors.ErrKeyMismatch)
	assert.Contains(t, resp.err.Error(), "key not found in shard")

	after := stateOf(t, s, k1)
	assert.Empty(t, cmp.Diff(before, after))

	stats, _ := s.Stats(context.Background())
	assert.Equal(t, 1, stats.Entities, "mismatch must not passivate")
}

func TestRecoveryReproducesState(t *testing.T) {
	h := newHarness()
	cfg := Config{NumShards: 4, SnapshotEvery: 10}
	s := h.store(t, cfg, nil)

	ask(t, s, entity.CreateDriver{Key: k1, FullName: "Max VERSTAPPEN", TeamName: "Red Bull Racing"})
	for lap := 1; lap <= 12; lap++ {
		ts := t0.Add(time.Duration(lap) * 90 * time.Second)
		ask(t, s, entity.RecordLap{Key: k1, Lap: entity.Lap{Number: lap, Duration: 90 * time.Second, DateStart: ts}})
		ask(t, s, entity.UpdatePosition{Key: k1, Position: 1 + lap%3, Timestamp: ts})
	}
	ask(t, s, entity.RecordStint{Key: k1, Stint: entity.Stint{Number: 1, Compound: "SOFT", LapStart: 1}})
	ask(t, s, entity.RecordStint{Key: k1, Stint: entity.Stint{Number: 2, Compound: "HARD", LapStart: 9}})
	ask(t, s, entity.RecordPitStop{Key: k1, PitStop: entity.PitStop{LapNumber: 8, Duration: 23 * time.Second, Date: t0}})
	gap := 0.0
	ask(t, s, entity.UpdateInterval{Key: k1, Interval: entity.Interval{GapToLeader: &gap}, Timestamp: t0})

	before := stateOf(t, s, k1)
	require.NoError(t, s.Stop(time.Second))

	// 1 create + 24 + 2 stints + 1 pit stop + 1 interval = 29 events
	assert.Equal(t, 2, h.snapshots.Saves())
	high, err := h.journal.HighestSequence(context.Background(), PersistenceID(k1.String()))
	require.NoError(t, err)
	assert.Equal(t, uint64(29), high)

	restarted := h.store(t, cfg, nil)
	after := stateOf(t, restarted, k1)
	assert.Empty(t, cmp.Diff(before, after))
	assert.Len(t, after.Laps, 12)
	assert.Len(t, after.Stints, 2)
	assert.Equal(t, 8, after.Stints[0].LapEnd)
	assert.Len(t, after.PitStops, 1)

	// the next write continues the sequence
	ask(t, restarted, entity.UpdatePosition{Key: k1, Position: 1, Timestamp: t0})
	high, err = h.journal.HighestSequence(context.Background(), PersistenceID(k1.String()))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), high)
}

func TestIdlePassivationAndRehydration(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 2, PassivateAfter: 20 * time.Millisecond}, nil)
	ask(t, s, entity.CreateDriver{Key: k1})
	ask(t, s, entity.UpdatePosition{Key: k1, Position: 4, Timestamp: t0})

	require.Eventually(t, func() bool {
		stats, _ := s.Stats(context.Background())
		return stats.Entities == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, stateOf(t, s, k1).Position)
}

func TestStopEntityPassivates(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 1}, nil)
	ask(t, s, entity.CreateDriver{Key: k1})
	assert.Equal(t, entity.Stopped{Key: k1}, ask(t, s, entity.StopEntity{Key: k1}))

	require.Eventually(t, func() bool {
		stats, _ := s.Stats(context.Background())
		return stats.Entities == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, stateOf(t, s, k1).Initialized)
}

func TestNotifierReceivesUpdates(t *testing.T) {
	var mu sync.Mutex
	var got []Updated
	n := NotifierFunc(func(_ context.Context, u Updated) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
		return nil
	})
	view := NewLatestView(nil)
	s := newHarness().store(t, Config{NumShards: 2}, Fanout{n, view})

	ask(t, s, entity.CreateDriver{Key: k1})
	ask(t, s, entity.UpdatePosition{Key: k1, Position: 7, Timestamp: t0})
	ask(t, s, entity.GetState{Key: k1})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 7, got[1].State.Position)

	latest, ok := view.Get(k1)
	require.True(t, ok)
	assert.Equal(t, 7, latest.Position)
	assert.Equal(t, []entity.Key{k1}, view.Keys())
}

func TestAskAfterStop(t *testing.T) {
	s := newHarness().store(t, Config{NumShards: 1}, nil)
	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))

	_, err := s.Ask(context.Background(), entity.GetState{Key: k1})
	assert.True(t, errors.IsTransient(err))
}

func TestStopFailsQueuedAsksPromptly(t *testing.T) {
	ctx := context.Background()
	s := newHarness().store(t, Config{NumShards: 2, AskTimeout: 10 * time.Second}, nil)
	ask(t, s, entity.CreateDriver{Key: k1})

	const asks = 200
	errs := make(chan error, asks)
	var wg sync.WaitGroup
	for i := 0; i < asks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ask(ctx, entity.GetState{Key: k1})
			errs <- err
		}()
	}
	require.NoError(t, s.Stop(time.Second))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("asks outlived the store")
	}
	close(errs)
	for err := range errs {
		assert.NotErrorIs(t, err, errors.ErrAskTimeout)
	}
}

func TestOwnedShards(t *testing.T) {
	h := newHarness()
	_, err := NewStore(Config{NumShards: 2, OwnedShards: []int{5}},
		Dependencies{Journal: h.journal, Snapshots: h.snapshots})
	assert.True(t, errors.IsInvalid(err))

	s, err := NewStore(Config{NumShards: 4, OwnedShards: []int{3, 1}},
		Dependencies{Journal: h.journal, Snapshots: h.snapshots})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, s.OwnedShards())
	assert.True(t, s.Owns(3))
	assert.False(t, s.Owns(0))
}

func TestStoreMetrics(t *testing.T) {
	h := newHarness()
	registry := metric.NewMetricsRegistry()
	s, err := NewStore(Config{NumShards: 1}, Dependencies{
		Journal: h.journal, Snapshots: h.snapshots, MetricsRegistry: registry,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	ask(t, s, entity.CreateDriver{Key: k1})
	_, _ = s.Ask(context.Background(), entity.GetState{Key: k2})

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pitwall_entity_messages_total"])
	assert.True(t, names["pitwall_entity_live"])
}
