// Package metrics exposes Prometheus collectors for routing, circuit breakers,
// load balancing, workflows and alerts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups every collector the engine reports. A nil *Collector is valid
// and records nothing.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestCost     *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	recoveryActions *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	activeConnections *prometheus.GaugeVec
	rebalancedTotal   *prometheus.CounterVec

	workflowExecutions *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	stepsTotal         *prometheus.CounterVec

	alertsTotal *prometheus.CounterVec
}

// NewCollector creates the collectors under namespace and registers them with reg.
// A nil reg creates unregistered collectors.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_requests_total",
			Help:      "Total number of provider calls made by the router",
		}, []string{"provider", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routed_request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		requestCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_request_cost_total",
			Help:      "Accumulated cost reported by providers",
		}, []string{"provider"}),
		fallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Number of times a request moved to a fallback provider",
		}, []string{"from", "to"}),
		recoveryActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Classified provider errors by kind",
		}, []string{"kind"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"provider", "to"}),
		activeConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "In-flight requests per provider as tracked by the load balancer",
		}, []string{"provider"}),
		rebalancedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalanced_connections_total",
			Help:      "Connections moved away from unhealthy providers",
		}, []string{"provider"}),
		workflowExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Finished workflow executions by status",
		}, []string{"status"}),
		workflowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Workflow steps by kind and status",
		}, []string{"kind", "status"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts delivered per channel",
		}, []string{"channel", "status"}),
	}
}

// RecordRequest records one provider call
func (c *Collector) RecordRequest(provider string, success bool, duration time.Duration, cost float64) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.requestsTotal.WithLabelValues(provider, status).Inc()
	c.requestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if cost > 0 {
		c.requestCost.WithLabelValues(provider).Add(cost)
	}
}

func (c *Collector) RecordFallback(from, to string) {
	if c == nil {
		return
	}
	c.fallbacksTotal.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordRecovery(kind string) {
	if c == nil {
		return
	}
	c.recoveryActions.WithLabelValues(kind).Inc()
}

// RecordBreakerState sets the state gauge and counts the transition
func (c *Collector) RecordBreakerState(provider string, state int, name string) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(provider).Set(float64(state))
	c.breakerTransitions.WithLabelValues(provider, name).Inc()
}

func (c *Collector) SetActiveConnections(provider string, count int) {
	if c == nil {
		return
	}
	c.activeConnections.WithLabelValues(provider).Set(float64(count))
}

func (c *Collector) RecordRebalance(provider string, moved int) {
	if c == nil {
		return
	}
	c.rebalancedTotal.WithLabelValues(provider).Add(float64(moved))
}

// RecordWorkflowExecution records a finished execution
func (c *Collector) RecordWorkflowExecution(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowExecutions.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (c *Collector) RecordStep(kind, status string) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(kind, status).Inc()
}

func (c *Collector) RecordAlert(channel string, delivered bool) {
	if c == nil {
		return
	}
	status := "delivered"
	if !delivered {
		status = "failed"
	}
	c.alertsTotal.WithLabelValues(channel, status).Inc()
}
