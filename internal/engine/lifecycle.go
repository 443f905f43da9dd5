package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/alerts"
	"github.com/tributary-ai/adaptive-routing-engine/internal/analytics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/circuitbreaker"
	"github.com/tributary-ai/adaptive-routing-engine/internal/loadbalancer"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

// Overall health values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the aggregated component view returned by GetHealthStatus
type HealthReport struct {
	Status          string                        `json:"status"`
	Timestamp       time.Time                     `json:"timestamp"`
	Providers       map[string]types.HealthStatus `json:"providers"`
	CircuitBreakers []circuitbreaker.Snapshot     `json:"circuit_breakers"`
	LoadBalancer    loadbalancer.Stats            `json:"load_balancer"`
	Workflows       workflow.Stats                `json:"workflows"`
	Analytics       analytics.Summary             `json:"analytics"`
	Alerts          alerts.Stats                  `json:"alerts"`
}

// GetHealthStatus reports every component. Breaker snapshots are read without
// polling IsOpen, so the report never consumes a half-open probe.
func (e *AdaptiveRoutingEngine) GetHealthStatus() HealthReport {
	report := HealthReport{
		Timestamp:       time.Now(),
		Providers:       e.router.GetHealthStatus(),
		CircuitBreakers: e.breakers.Snapshots(),
		LoadBalancer:    e.balancer.GetStats(),
		Workflows:       e.workflows.Stats(),
		Analytics:       e.analytics.Summary(),
		Alerts:          e.alerts.Stats(),
	}

	names := e.router.ListProviders()
	open := make(map[string]bool)
	for _, snap := range report.CircuitBreakers {
		if snap.State == circuitbreaker.StateOpen.String() {
			open[snap.Provider] = true
		}
	}

	usable := 0
	for _, name := range names {
		if e.router.IsProviderHealthy(name) && !open[name] {
			usable++
		}
	}

	switch {
	case usable == 0:
		report.Status = StatusUnhealthy
	case usable < len(names):
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

// CheckHealth probes every provider when the executor supports it, updates router
// and load balancer health, then rebalances
func (e *AdaptiveRoutingEngine) CheckHealth(ctx context.Context) {
	checker, ok := e.executor.(providers.HealthChecker)
	if !ok {
		return
	}

	for _, name := range e.router.ListProviders() {
		probeCtx, cancel := context.WithTimeout(ctx, e.config.HealthCheckTimeout)
		start := time.Now()
		err := checker.CheckHealth(probeCtx, name)
		cancel()

		healthy := err == nil
		e.router.SetProviderHealth(name, healthy, time.Since(start), err)
		if info, exists := e.router.GetProvider(name); exists && !info.Available {
			healthy = false
		}
		e.balancer.SetHealth(name, healthy)
	}
	e.balancer.Rebalance()
}

// OptimizeRouting refreshes the router's score adjustments from recent outcomes
func (e *AdaptiveRoutingEngine) OptimizeRouting() map[string]float64 {
	return e.router.OptimizeRouting()
}

// Start runs the workflow scheduler and the optimize and health-check loops
// until Stop is called or ctx is done
func (e *AdaptiveRoutingEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.workflows.Start(ctx)

	if e.config.OptimizeInterval > 0 {
		e.every(ctx, e.config.OptimizeInterval, func(context.Context) { e.OptimizeRouting() })
	}
	if e.config.HealthCheckInterval > 0 {
		e.every(ctx, e.config.HealthCheckInterval, e.CheckHealth)
	}

	e.logger.WithFields(logrus.Fields{
		"optimize_interval":     e.config.OptimizeInterval.String(),
		"health_check_interval": e.config.HealthCheckInterval.String(),
	}).Info("Adaptive routing engine started")
}

func (e *AdaptiveRoutingEngine) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts background loops, cancels running workflow executions and drains
// queued alerts. The engine cannot be restarted.
func (e *AdaptiveRoutingEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.workflows.Stop()
	e.alerts.Stop()
	e.logger.Info("Adaptive routing engine stopped")
}
