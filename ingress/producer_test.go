package ingress

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/cluster"
	"github.com/c360/pitwall/persistence"
	"github.com/c360/pitwall/pkg/retry"
	"github.com/c360/pitwall/pubsub"
)

type stubRegistrar struct {
	available atomic.Bool
	fail      atomic.Bool
	calls     atomic.Int32
}

func (s *stubRegistrar) Register(context.Context, cluster.RegisterRequest) (cluster.Availability, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return cluster.Availability{}, errors.New("no responders")
	}
	return cluster.Availability{Available: s.available.Load()}, nil
}

// overtakingRegistrar has a newer unavailable notice and a recheck reach the
// producer before its first reply, which carries an older version.
type overtakingRegistrar struct {
	bus   pubsub.Bus
	calls atomic.Int32
}

func (r *overtakingRegistrar) Register(ctx context.Context, req cluster.RegisterRequest) (cluster.Availability, error) {
	if r.calls.Add(1) > 1 {
		return cluster.Availability{Available: true, Version: 3}, nil
	}
	ref := cluster.NewRemoteRef(r.bus, req.ProducerID)
	if err := ref.Tell(ctx, cluster.AvailabilityNotice(cluster.Availability{Available: false, Version: 5})); err != nil {
		return cluster.Availability{}, err
	}
	if err := ref.Tell(ctx, cluster.Notice{Kind: cluster.NoticeRecheck, Version: 5, At: time.Now()}); err != nil {
		return cluster.Availability{}, err
	}
	deadline := time.After(time.Second)
	for r.calls.Load() < 2 {
		select {
		case <-deadline:
			return cluster.Availability{}, errors.New("recheck never arrived")
		case <-time.After(time.Millisecond):
		}
	}
	return cluster.Availability{Available: true, Version: 4}, nil
}

func oneShot() retry.Config { return retry.Config{MaxAttempts: 1} }

func TestProducerFollowsAvailability(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	pipeline := newPipeline(t, Config{Workers: 1}, Dependencies{Sink: &recordingSink{}})
	registrar := &stubRegistrar{}
	producer, err := NewProducer(ProducerConfig{ID: "feed-1", Mode: ModePush, Register: oneShot()},
		ProducerDependencies{Bus: bus, Pipeline: pipeline, Coordinator: registrar})
	require.NoError(t, err)
	require.NoError(t, producer.Start(ctx))
	assert.False(t, producer.Available())
	assert.Equal(t, ModeStopped, pipeline.Mode())

	ref := cluster.NewRemoteRef(bus, "feed-1")
	require.NoError(t, ref.Tell(ctx, cluster.AvailabilityNotice(cluster.Availability{Available: true})))
	require.Eventually(t, func() bool { return pipeline.Mode() == ModePush }, time.Second, 5*time.Millisecond)

	require.NoError(t, ref.Tell(ctx, cluster.AvailabilityNotice(cluster.Availability{Available: false})))
	require.Eventually(t, func() bool { return pipeline.Mode() == ModeStopped }, time.Second, 5*time.Millisecond)

	registrar.available.Store(true)
	require.NoError(t, ref.Tell(ctx, cluster.Notice{Kind: cluster.NoticeRecheck, At: time.Now()}))
	require.Eventually(t, func() bool { return pipeline.Mode() == ModePush }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), registrar.calls.Load())
	assert.True(t, producer.Available())

	pong, err := bus.Request(ctx, cluster.PingTopic("feed-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "feed-1", string(pong))

	terminated := make(chan string, 1)
	_, err = bus.Subscribe(ctx, cluster.TerminatedTopic, func(_ context.Context, msg pubsub.Message) {
		terminated <- string(msg.Data)
	})
	require.NoError(t, err)

	require.NoError(t, producer.Stop(time.Second))
	require.NoError(t, producer.Stop(time.Second))
	assert.Equal(t, ModeStopped, pipeline.Mode())
	select {
	case id := <-terminated:
		assert.Equal(t, "feed-1", id)
	case <-ctx.Done():
		t.Fatal("termination not announced")
	}
}

func TestProducerIgnoresStaleRegistrationReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	pipeline := newPipeline(t, Config{Workers: 1}, Dependencies{Sink: &recordingSink{}})
	registrar := &overtakingRegistrar{bus: bus}
	producer, err := NewProducer(ProducerConfig{ID: "feed-4", Mode: ModePush, Register: oneShot()},
		ProducerDependencies{Bus: bus, Pipeline: pipeline, Coordinator: registrar})
	require.NoError(t, err)
	require.NoError(t, producer.Start(ctx))
	defer producer.Stop(time.Second)

	assert.Equal(t, int32(2), registrar.calls.Load())
	assert.Never(t, func() bool { return pipeline.Mode() != ModeStopped }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, producer.Available())

	ref := cluster.NewRemoteRef(bus, "feed-4")
	require.NoError(t, ref.Tell(ctx, cluster.AvailabilityNotice(cluster.Availability{Available: true, Version: 4})))
	assert.Never(t, func() bool { return producer.Available() }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, ref.Tell(ctx, cluster.AvailabilityNotice(cluster.Availability{Available: true, Version: 6})))
	require.Eventually(t, func() bool { return pipeline.Mode() == ModePush }, time.Second, 5*time.Millisecond)
	assert.True(t, producer.Available())
}

func TestProducerRegistrationFailure(t *testing.T) {
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()

	registrar := &stubRegistrar{}
	registrar.fail.Store(true)
	pipeline := newPipeline(t, Config{Workers: 1}, Dependencies{Sink: &recordingSink{}})
	producer, err := NewProducer(ProducerConfig{ID: "feed-2", Register: retry.Config{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}}, ProducerDependencies{Bus: bus, Pipeline: pipeline, Coordinator: registrar})
	require.NoError(t, err)

	require.Error(t, producer.Start(context.Background()))
	assert.Equal(t, int32(2), registrar.calls.Load())

	// notice subscriptions were released
	_, err = bus.Request(context.Background(), cluster.PingTopic("feed-2"), nil)
	require.Error(t, err)
}

func startCoordinator(t *testing.T, bus pubsub.Bus) (*cluster.Coordinator, *cluster.Directory) {
	t.Helper()
	ctx := context.Background()
	dir := cluster.NewDirectory(bus, 100*time.Millisecond, nil)
	require.NoError(t, dir.Start(ctx))
	t.Cleanup(func() { _ = dir.Stop() })

	coord, err := cluster.NewCoordinator(cluster.DefaultCoordinatorConfig(), cluster.CoordinatorDependencies{
		Journal:   persistence.NewMemoryJournal(),
		Snapshots: persistence.NewMemorySnapshotStore(),
		Resolver:  dir,
		Watcher:   dir,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { _ = coord.Stop(time.Second) })

	server := cluster.NewCoordinatorServer(coord, dir, bus, nil)
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { _ = server.Stop() })
	return coord, dir
}

func TestProducerWithCoordinator(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()
	coord, _ := startCoordinator(t, bus)

	sink := &recordingSink{}
	pipeline := newPipeline(t, Config{Workers: 2}, Dependencies{Sink: sink})
	producer, err := NewProducer(ProducerConfig{ID: "feed-3", Mode: ModePush, Register: oneShot()},
		ProducerDependencies{Bus: bus, Pipeline: pipeline, Coordinator: cluster.NewCoordinatorClient(bus)})
	require.NoError(t, err)
	require.NoError(t, producer.Start(ctx))
	assert.Equal(t, Closed, pipeline.Offer(ctx, telemetryItem(t, 81, t0)))

	require.NoError(t, coord.ReportShardCount(ctx, 1))
	require.Eventually(t, func() bool { return pipeline.Mode() == ModePush }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Accepted, pipeline.Offer(ctx, telemetryItem(t, 81, t0)))

	require.NoError(t, producer.Stop(time.Second))
	require.Eventually(t, func() bool {
		st, err := coord.Status(ctx)
		return err == nil && len(st.Producers) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestProducerDroppedWhenItsMemberIsLost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := pubsub.NewMemoryBus(nil)
	defer bus.Close()
	coord, dir := startCoordinator(t, bus)

	pipeline := newPipeline(t, Config{Workers: 1}, Dependencies{Sink: &recordingSink{}})
	producer, err := NewProducer(ProducerConfig{ID: "feed-5", Member: "ingress-node", Register: oneShot()},
		ProducerDependencies{Bus: bus, Pipeline: pipeline, Coordinator: cluster.NewCoordinatorClient(bus)})
	require.NoError(t, err)
	require.NoError(t, producer.Start(ctx))

	st, err := coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cluster.ProducerPath("feed-5")}, st.Producers)

	// the process dies without announcing termination
	dir.MemberLost("ingress-node")
	require.Eventually(t, func() bool {
		st, err := coord.Status(ctx)
		return err == nil && len(st.Producers) == 0
	}, time.Second, 10*time.Millisecond)
}
