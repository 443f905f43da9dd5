// Package engine composes the breaker registry, analytics, router, load balancer,
// recovery system, workflow engine and alert dispatcher into one entry point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/alerts"
	"github.com/tributary-ai/adaptive-routing-engine/internal/analytics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/circuitbreaker"
	"github.com/tributary-ai/adaptive-routing-engine/internal/loadbalancer"
	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/recovery"
	"github.com/tributary-ai/adaptive-routing-engine/internal/routing"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

// Config wires the component configurations together
type Config struct {
	Providers []types.ProviderInfo

	Router         routing.Config
	CircuitBreaker circuitbreaker.Config
	Analytics      analytics.Config
	Recovery       recovery.Config
	Workflows      workflow.Config
	Alerts         alerts.Config

	// RequestTimeout bounds one RouteRequest call across all attempts; zero disables it
	RequestTimeout      time.Duration
	OptimizeInterval    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// AdaptiveRoutingEngine is the single entry point over the routing and workflow
// components. Build one per process with New and pass it by reference.
type AdaptiveRoutingEngine struct {
	config    Config
	executor  providers.Executor
	collector *metrics.Collector
	logger    *logrus.Logger

	breakers  *circuitbreaker.Registry
	analytics *analytics.Store
	router    *routing.IntelligentRouter
	balancer  *loadbalancer.LoadBalancer
	recovery  *recovery.System
	workflows *workflow.Engine
	alerts    *alerts.Dispatcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every component and registers the configured providers.
// collector may be nil.
func New(config Config, executor providers.Executor, collector *metrics.Collector, logger *logrus.Logger) (*AdaptiveRoutingEngine, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if len(config.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be registered")
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 10 * time.Second
	}

	e := &AdaptiveRoutingEngine{
		config:    config,
		executor:  executor,
		collector: collector,
		logger:    logger,
	}

	e.breakers = circuitbreaker.NewRegistry(config.CircuitBreaker, logger)
	e.analytics = analytics.NewStore(config.Analytics, collector, logger)
	e.router = routing.NewRouter(config.Router, e.breakers, e.analytics, logger)
	e.balancer = loadbalancer.New(collector, logger)
	e.recovery = recovery.NewSystem(config.Recovery, collector, logger)
	e.alerts = alerts.NewDispatcher(config.Alerts, collector, logger)
	e.workflows = workflow.NewEngine(config.Workflows, e, e.alerts, collector, logger)

	e.breakers.OnStateChange(e.onBreakerStateChange)

	for _, info := range config.Providers {
		e.router.RegisterProvider(info)
		e.analytics.Seed(info)
		e.balancer.AddProvider(info.Name)
		e.breakers.Register(info.Name)
		if !info.Available {
			e.balancer.SetHealth(info.Name, false)
		}
	}

	logger.WithField("providers", len(config.Providers)).Info("Adaptive routing engine initialized")
	return e, nil
}

func (e *AdaptiveRoutingEngine) onBreakerStateChange(provider string, from, to circuitbreaker.State) {
	e.collector.RecordBreakerState(provider, int(to), to.String())
	if to != circuitbreaker.StateOpen {
		return
	}

	msg := fmt.Sprintf("Circuit breaker for provider %s opened (was %s)", provider, from)
	if err := e.alerts.Notify(context.Background(), alerts.TypeCircuitOpen, msg, nil); err != nil {
		e.logger.WithError(err).WithField("provider", provider).Debug("Circuit open alert not queued")
	}
}

// RouteRequest selects a provider, calls the executor and falls back along the
// router's chain on recoverable failures. Provider failures are reported in the
// response; the error return is reserved for invalid input.
func (e *AdaptiveRoutingEngine) RouteRequest(ctx context.Context, req *types.RoutingRequest) (*types.RoutingResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("routing request is required")
	}
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	entry := e.logger.WithField("request_id", req.ID)

	decision, err := e.router.Decide(req)
	if err != nil {
		entry.WithError(err).Warn("No provider available for request")
		return failed(req, "", start, 0, types.ErrorKindNoHealthyProvider, err), nil
	}

	provider := decision.SelectedProvider
	maxAttempts := len(e.router.ListProviders())
	var tried []string

	for attempt := 1; ; attempt++ {
		tried = append(tried, provider)

		resp, callErr := e.call(ctx, req, provider)
		if callErr == nil {
			resp.Metadata.RequestID = req.ID
			resp.Metadata.Provider = provider
			resp.Metadata.ProcessingTime = time.Since(start)
			resp.Metadata.Attempts = attempt
			resp.Metadata.FallbackUsed = attempt > 1
			if resp.Metadata.Timestamp.IsZero() {
				resp.Metadata.Timestamp = time.Now()
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			entry.WithError(callErr).WithField("provider", provider).Warn("Request deadline reached")
			return failed(req, provider, start, attempt, types.ErrorKindTimeout, callErr), nil
		}

		handle := e.recovery.HandleError
		if attempt >= maxAttempts {
			handle = e.recovery.HandleFinalError
		}
		terminal, recErr := handle(ctx, req.WithProvider(provider), callErr)
		if terminal != nil {
			terminal.Metadata.RequestID = req.ID
			terminal.Metadata.ProcessingTime = time.Since(start)
			terminal.Metadata.Attempts = attempt
			terminal.Metadata.FallbackUsed = attempt > 1
			return terminal, nil
		}

		var recoverable *recovery.RecoveryError
		if !errors.As(recErr, &recoverable) {
			return failed(req, provider, start, attempt, types.ErrorKindTimeout, recErr), nil
		}
		if attempt >= maxAttempts {
			return failed(req, provider, start, attempt, types.ErrorKindNoHealthyProvider,
				fmt.Errorf("all providers failed, last error: %w", callErr)), nil
		}

		next, err := e.router.GetFallbackProvider(provider, tried...)
		if err != nil {
			return failed(req, provider, start, attempt, types.ErrorKindNoHealthyProvider,
				fmt.Errorf("%s after %v", err.Error(), recoverable)), nil
		}

		entry.WithFields(logrus.Fields{
			"provider":   provider,
			"fallback":   next,
			"error_kind": recoverable.Kind,
			"action":     recoverable.Action,
		}).Info("Retrying request on fallback provider")
		e.collector.RecordFallback(provider, next)
		provider = next
	}
}

// call performs one executor call and records its outcome
func (e *AdaptiveRoutingEngine) call(ctx context.Context, req *types.RoutingRequest, provider string) (*types.RoutingResponse, error) {
	e.balancer.Acquire(provider)
	start := time.Now()
	resp, err := e.executor.ProcessRequest(ctx, req.WithProvider(provider))
	latency := time.Since(start)
	e.balancer.Release(provider)

	if err == nil && resp == nil {
		err = fmt.Errorf("provider %s returned no response", provider)
	}
	if err == nil && !resp.Success {
		err = responseError(resp)
	}

	if err != nil {
		e.breakers.RecordFailure(provider)
		e.analytics.RecordFailure(provider, latency)
		return nil, err
	}

	e.breakers.RecordSuccess(provider)
	e.analytics.RecordSuccess(provider, latency, resp.Metadata.Cost, resp.Metadata.Quality)
	return resp, nil
}

// responseError turns an unsuccessful executor response into an error the
// recovery system can classify
func responseError(resp *types.RoutingResponse) error {
	msg := resp.Error
	if msg == "" {
		msg = "request failed"
	}
	if resp.ErrorKind != "" {
		return fmt.Errorf("%s: %s", resp.ErrorKind, msg)
	}
	return errors.New(msg)
}

func failed(req *types.RoutingRequest, provider string, start time.Time, attempts int, kind string, err error) *types.RoutingResponse {
	return &types.RoutingResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
		Metadata: types.ResponseMetadata{
			RequestID:      req.ID,
			Provider:       provider,
			ProcessingTime: time.Since(start),
			Timestamp:      time.Now(),
			Attempts:       attempts,
			FallbackUsed:   attempts > 1,
		},
	}
}

// SelectProvider explains the routing decision for a request without calling it
func (e *AdaptiveRoutingEngine) SelectProvider(req *types.RoutingRequest) (*routing.RoutingDecision, error) {
	return e.router.Decide(req)
}

// SendAlert queues an alert for the given channels, or the default channels when empty
func (e *AdaptiveRoutingEngine) SendAlert(ctx context.Context, alertType, message string, channels []string) error {
	return e.alerts.Notify(ctx, alertType, message, channels)
}
