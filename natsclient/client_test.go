package natsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitwall/metric"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithName("pitwall-test"), WithCircuitBreakerThreshold(0))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(5), c.circuitThreshold)
	assert.Equal(t, time.Second, c.Backoff())
	assert.False(t, c.IsHealthy())
}

func TestWithTLSConfigAddsSecureOption(t *testing.T) {
	plain, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	secure, err := NewClient("tls://localhost:4222", WithTLSConfig(&tls.Config{ServerName: "nats.local"}))
	require.NoError(t, err)

	assert.Len(t, secure.buildConnectionOptions(), len(plain.buildConnectionOptions())+1)
	assert.Equal(t, "nats.local", secure.tlsConfig.ServerName)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())
	assert.Equal(t, int32(3), c.Failures())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1), WithMaxBackoff(4*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.recordFailure()
	}
	assert.Equal(t, 4*time.Second, c.Backoff())
}

func TestCircuitBreaker_ResetAndHalfOpen(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.testCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.recordFailure()
	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "pitwall.test", nil), ErrNotConnected)

	_, err = c.Subscribe(ctx, "pitwall.test", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Request(ctx, "pitwall.test", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.JetStream()
	assert.Error(t, err)
}

func TestConnect_FailureRecordsAndWraps(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond), WithMaxReconnects(0), WithCircuitBreakerThreshold(10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(1), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForConnection(ctx), context.DeadlineExceeded)
}

func TestWithMetrics_TracksCircuitState(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(registry), WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().NATSConnected))

	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err, "jetstream metrics can only be registered once per registry")
}

func TestCloseIsIdempotentWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCredentials("u", "p"))
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.password)
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(errors.New("wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
