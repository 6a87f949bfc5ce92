package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		name                          string
		status                        Status
		healthy, degraded, unhealthy bool
	}{
		{"healthy", NewHealthy("shard", "ok"), true, false, false},
		{"degraded", NewDegraded("shard", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("shard", "down"), false, false, true},
		{"empty", Status{}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty is healthy", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded wins over healthy", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("node", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_DoesNotShareInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	got := Aggregate("node", subs)
	subs[0].Message = "mutated"
	assert.Equal(t, "", got.SubStatuses[0].Message)
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	base := NewHealthy("node", "").WithSubStatus(NewHealthy("a", ""))
	left := base.WithSubStatus(NewHealthy("left", ""))
	right := base.WithSubStatus(NewHealthy("right", ""))

	assert.Len(t, base.SubStatuses, 1)
	assert.Equal(t, "left", left.SubStatuses[1].Component)
	assert.Equal(t, "right", right.SubStatuses[1].Component)
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("journal", nil).IsHealthy())

	st := FromError("journal", errors.New("dial nats://10.0.0.5:4222 failed password=hunter2"))
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.5")
	assert.NotContains(t, st.Message, "hunter2")
	assert.Contains(t, st.Message, "[URL]")
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		input, expected string
	}{
		{"", ""},
		{"failed to open /etc/pitwall/config.yaml", "failed to open [PATH]"},
		{"connect to 192.168.1.100 refused", "connect to [IP] refused"},
		{"listen :8080 busy", "listen [PORT] busy"},
		{"auth token=abc123 rejected", "auth [REDACTED] rejected"},
		{"key not found in shard", "key not found in shard"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input), tt.input)
	}
}

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("shard", "running")
	m.Update("ingress", Status{Status: StateDegraded, Message: "queue full", Component: "wrong"})

	st, ok := m.Get("ingress")
	require.True(t, ok)
	assert.Equal(t, "ingress", st.Component)
	assert.False(t, st.Timestamp.IsZero())

	m.Remove("ingress")
	_, ok = m.Get("ingress")
	assert.False(t, ok)
}

func TestMonitor_CheckersArePolled(t *testing.T) {
	m := NewMonitor()
	healthy := true
	m.Register("coordinator", CheckerFunc(func() Status {
		if healthy {
			return NewHealthy("coordinator", "recovered")
		}
		return NewUnhealthy("coordinator", "journal unavailable")
	}))
	m.UpdateHealthy("shard", "running")

	assert.True(t, m.AggregateHealth("pitwall").IsHealthy())

	healthy = false
	agg := m.AggregateHealth("pitwall")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "coordinator", agg.SubStatuses[0].Component)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("shard", "running")

	rec := httptest.NewRecorder()
	m.Handler("pitwall").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StateHealthy, body.Status)

	m.UpdateUnhealthy("ingress", "stopped")
	rec = httptest.NewRecorder()
	m.Handler("pitwall").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateHealthy("shard", "ok")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("pitwall")
		}()
	}
	wg.Wait()
	_, ok := m.Get("shard")
	assert.True(t, ok)
}
