package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_Precedence(t *testing.T) {
	healthy := NewHealthy("a", "running")
	degraded := NewDegraded("b", "stopping")
	unhealthy := NewUnhealthy("c", "exit code 2")

	assert.True(t, Aggregate("p", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("p", []Status{healthy, degraded}).IsDegraded())
	assert.True(t, Aggregate("p", []Status{degraded, unhealthy}).IsUnhealthy())
	assert.True(t, Aggregate("p", nil).IsHealthy(), "empty pipeline is vacuously healthy")
}

func TestMonitor_UpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("detect", "running")
	m.UpdateHealthy("ingest", "running")

	got, ok := m.Get("detect")
	require.True(t, ok)
	assert.True(t, got.Healthy)
	assert.Equal(t, 2, m.Count())

	p := m.Pipeline("demo")
	assert.True(t, p.IsHealthy())
	require.Len(t, p.SubStatuses, 2)
	assert.Equal(t, "detect", p.SubStatuses[0].Stage, "sub-statuses sorted by stage name")

	m.UpdateUnhealthy("ingest", "exit code 3")
	assert.True(t, m.Pipeline("demo").IsUnhealthy())
}

func TestHandler_StatusCodes(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("only", "running")

	rec := httptest.NewRecorder()
	Handler(m, "demo").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "demo", status.Stage)
	assert.True(t, status.Healthy)

	m.UpdateUnhealthy("only", "exit code 1")
	rec = httptest.NewRecorder()
	Handler(m, "demo").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
