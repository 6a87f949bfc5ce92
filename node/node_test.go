package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/cluster"
	"github.com/c360/pitwall/config"
	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/health"
	"github.com/c360/pitwall/ingress"
	"github.com/c360/pitwall/pkg/tlsutil"
	"github.com/c360/pitwall/pubsub"
)

const session = 9472

func testConfig(id string, roles ...string) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.HTTPAddr = "127.0.0.1:0"
	if len(roles) > 0 {
		cfg.Node.Roles = roles
		cfg.NATS.URLs = []string{"nats://unused:4222"}
	}
	cfg.Store.NumShards = 4
	cfg.Coordinator.Debounce = 10 * time.Millisecond
	cfg.Ingress.Workers = 2
	cfg.Ingress.StopTimeout = time.Second
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, deps Dependencies) *Node {
	t.Helper()
	n, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(5 * time.Second) })
	return n
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.Unmarshal(body, v), string(body))
		}
	}
	return resp.StatusCode
}

func key(t *testing.T, driver int) entity.Key {
	t.Helper()
	k, err := entity.NewKey(session, driver)
	require.NoError(t, err)
	return k
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, Dependencies{})
	require.Error(t, err)

	cfg := config.Default()
	cfg.Node.Roles = []string{"pit-crew"}
	_, err = New(cfg, Dependencies{})
	require.Error(t, err)
}

func TestSingleNodeEndToEnd(t *testing.T) {
	n := startNode(t, testConfig("solo"), Dependencies{})
	base := n.HTTPAddress()
	require.NotEmpty(t, base)

	require.Eventually(t, func() bool {
		return n.Producer().Available() && n.Pipeline().Mode() == ingress.ModePush
	}, 2*time.Second, 10*time.Millisecond, "the node's own shard role makes the producer available")

	ctx := context.Background()
	_, err := n.Asker().Ask(ctx, entity.CreateDriver{Key: key(t, 44), NameAcronym: "HAM"})
	require.NoError(t, err)

	item, err := ingress.NewItem(entity.UpdateTelemetry{
		Key:       key(t, 44),
		Telemetry: entity.Telemetry{Speed: 312, Gear: 8},
		Timestamp: time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, ingress.Accepted, n.Pipeline().Offer(ctx, item))

	var state entity.State
	require.Eventually(t, func() bool {
		return getJSON(t, base+"/entities/9472/44", &state) == http.StatusOK && state.Telemetry.Speed == 312
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "HAM", state.Identity.NameAcronym)
	assert.True(t, state.Initialized)

	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/entities/9472/1", &struct{}{}))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/entities/9472/abc", &struct{}{}))

	var listed []entity.State
	require.Eventually(t, func() bool {
		return getJSON(t, base+"/entities", &listed) == http.StatusOK && len(listed) == 1 &&
			listed[0].Telemetry.Speed == 312
	}, 2*time.Second, 10*time.Millisecond, "latest view follows updates")

	var status cluster.Status
	require.Equal(t, http.StatusOK, getJSON(t, base+"/cluster/status", &status))
	assert.True(t, status.HasShard)
	assert.Equal(t, 1, status.ShardCount)
	assert.Equal(t, []string{cluster.ProducerPath(n.Producer().ID())}, status.Producers)
	assert.GreaterOrEqual(t, status.Stats.Entities, 1)

	var h health.Status
	require.Equal(t, http.StatusOK, getJSON(t, base+"/healthz", &h))
	assert.True(t, h.IsHealthy(), "%+v", h)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "pitwall_coordinator_shard_available 1")

	require.NoError(t, n.Stop(5*time.Second))
	assert.Equal(t, ingress.ModeStopped, n.Pipeline().Mode())
	assert.NoError(t, n.Stop(time.Second), "stop is idempotent")
}

func TestSplitRolesOverSharedBus(t *testing.T) {
	bus := pubsub.NewMemoryBus(nil)

	// The coordinator starts with no shard nodes and flips availability
	// once the shard node announces itself.
	coordNode := startNode(t, testConfig("core", "coordinator"), Dependencies{Bus: bus})
	ingestNode := startNode(t, testConfig("edge", "ingress", "api"), Dependencies{Bus: bus})
	require.Never(t, func() bool { return ingestNode.Producer().Available() },
		100*time.Millisecond, 10*time.Millisecond)

	_ = startNode(t, testConfig("shards", "shard"), Dependencies{Bus: bus})

	require.Eventually(t, func() bool {
		return ingestNode.Producer().Available() && ingestNode.Pipeline().Mode() == ingress.ModePush
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	_, err := ingestNode.Asker().Ask(ctx, entity.CreateDriver{Key: key(t, 1), NameAcronym: "VER"})
	require.NoError(t, err, "proxied to the shard node")

	var state entity.State
	require.Equal(t, http.StatusOK, getJSON(t, ingestNode.HTTPAddress()+"/entities/9472/1", &state))
	assert.Equal(t, "VER", state.Identity.NameAcronym)

	var status cluster.Status
	require.Equal(t, http.StatusOK, getJSON(t, ingestNode.HTTPAddress()+"/cluster/status", &status),
		"answered by the coordinator over the bus")
	assert.True(t, status.HasShard)

	var h health.Status
	getJSON(t, coordNode.HTTPAddress()+"/healthz", &h)
	assert.True(t, h.IsHealthy(), "%+v", h)
}

func TestUnreachableIngressMemberLosesItsProducer(t *testing.T) {
	bus := pubsub.NewMemoryBus(nil)
	coordNode := startNode(t, testConfig("core", "coordinator", "shard"), Dependencies{Bus: bus})
	_ = startNode(t, testConfig("edge", "ingress"), Dependencies{Bus: bus})

	ctx := context.Background()
	client := cluster.NewCoordinatorClient(bus)
	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && len(st.Producers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// edge stops answering without a clean shutdown
	require.NoError(t, cluster.Announce(ctx, bus, cluster.MemberEvent{
		Type: cluster.MemberUnreachable, Member: "edge", Roles: []pubsub.Role{pubsub.RoleIngress},
	}))
	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && len(st.Producers) == 0
	}, 2*time.Second, 10*time.Millisecond)

	var status cluster.Status
	require.Equal(t, http.StatusOK, getJSON(t, coordNode.HTTPAddress()+"/cluster/status", &status))
	assert.Empty(t, status.Producers)
}

func TestStartFailureStopsStartedParts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad listen address", func(c *config.Config) { c.Node.HTTPAddr = "256.0.0.1:bad" }},
		{"missing certificate", func(c *config.Config) {
			c.Node.TLS = &tlsutil.ServerConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("broken")
			tt.mutate(cfg)

			n, err := New(cfg, Dependencies{})
			require.NoError(t, err)
			err = n.Start(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "start http")
			assert.Nil(t, n.Producer().Stop(time.Second))
			assert.Equal(t, ingress.ModeStopped, n.Pipeline().Mode())
		})
	}
}
