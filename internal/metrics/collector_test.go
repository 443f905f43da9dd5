package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg)
	require.NotNil(t, c)

	c.RecordRequest("openai", true, 120*time.Millisecond, 0.002)
	c.RecordRequest("openai", false, time.Second, 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_routed_requests_total"])
	assert.True(t, names["test_routed_request_duration_seconds"])
	assert.True(t, names["test_routed_request_cost_total"])
}

func TestCollector_RecordRequest(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordRequest("anthropic", true, 50*time.Millisecond, 0.01)
	c.RecordRequest("anthropic", true, 50*time.Millisecond, 0.01)
	c.RecordRequest("anthropic", false, 50*time.Millisecond, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("anthropic", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("anthropic", "failure")))
	assert.InDelta(t, 0.02, testutil.ToFloat64(c.requestCost.WithLabelValues("anthropic")), 1e-9)
}

func TestCollector_BreakerAndConnections(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordBreakerState("openai", 1, "open")
	c.RecordBreakerState("openai", 2, "half-open")
	c.SetActiveConnections("openai", 7)
	c.RecordRebalance("openai", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("openai", "open")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.activeConnections.WithLabelValues("openai")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.rebalancedTotal.WithLabelValues("openai")))
}

func TestCollector_Workflows(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordWorkflowExecution("completed", time.Second)
	c.RecordStep("agent_call", "completed")
	c.RecordStep("delay", "skipped")
	c.RecordAlert("console", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowExecutions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("delay", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alertsTotal.WithLabelValues("console", "delivered")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordRequest("p", true, time.Second, 1)
		c.RecordFallback("a", "b")
		c.RecordRecovery("timeout")
		c.RecordBreakerState("p", 1, "open")
		c.SetActiveConnections("p", 1)
		c.RecordRebalance("p", 1)
		c.RecordWorkflowExecution("failed", time.Second)
		c.RecordStep("delay", "completed")
		c.RecordAlert("email", false)
	})
}
