package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsIsShared(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestNilMetricsRecordersAreNoops(t *testing.T) {
	var m *Metrics
	m.SetEnabled(true)
	m.SetRunningAgent("trader")
	m.RecordStart("trader", "started", 1)
	m.RecordStop("trader", true)
	m.RecordRotation("trader")
	m.RecordScan("started")
	m.RecordSkip("trader", "Low balance")
	m.RecordWaitTimeout("selection")
	m.RecordBackendRequest("services", "200", 0.1)
	m.RecordEventPublished("agent.started")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
}

func TestRecordStartCountsByResult(t *testing.T) {
	m := NewMetrics()
	before := testutil.ToFloat64(m.StartResults.WithLabelValues("metrics-test", "infra_failed"))

	m.RecordStart("metrics-test", "infra_failed", 0)
	m.RecordStart("metrics-test", "infra_failed", 0)

	after := testutil.ToFloat64(m.StartResults.WithLabelValues("metrics-test", "infra_failed"))
	assert.Equal(t, before+2, after)
}

func TestSetRunningAgentResetsOthers(t *testing.T) {
	m := NewMetrics()
	m.SetRunningAgent("a")
	m.SetRunningAgent("b")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunningAgent.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunningAgent.WithLabelValues("b")))
}
