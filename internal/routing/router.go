package routing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/analytics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

var (
	ErrNoHealthyProvider  = errors.New("no healthy provider available")
	ErrNoFallbackProvider = errors.New("no fallback provider available")
)

// Weights of the score components; they must sum to 1
type Weights struct {
	Cost          float64 `yaml:"cost"`
	Quality       float64 `yaml:"quality"`
	Latency       float64 `yaml:"latency"`
	Availability  float64 `yaml:"availability"`
	Compatibility float64 `yaml:"compatibility"`
}

func DefaultWeights() Weights {
	return Weights{
		Cost:          0.25,
		Quality:       0.30,
		Latency:       0.25,
		Availability:  0.15,
		Compatibility: 0.05,
	}
}

func (w Weights) Sum() float64 {
	return w.Cost + w.Quality + w.Latency + w.Availability + w.Compatibility
}

// Config for the router
type Config struct {
	CostThreshold    float64  `yaml:"cost_threshold"`
	LatencyThreshold float64  `yaml:"latency_threshold"` // milliseconds
	Weights          Weights  `yaml:"weights"`
	FallbackChain    []string `yaml:"fallback_chain"`
	DefaultProvider  string   `yaml:"default_provider"`
}

func DefaultConfig() Config {
	return Config{
		CostThreshold:    0.05,
		LatencyThreshold: 2000,
		Weights:          DefaultWeights(),
	}
}

// BreakerGate reports whether a provider's circuit is open. Polling may consume
// a half-open probe, so the router asks only about the provider it is about to pick.
type BreakerGate interface {
	IsOpen(provider string) bool
}

// MetricsSource is the read-only view of analytics the router scores with
type MetricsSource interface {
	Live(provider string) (analytics.ProviderMetrics, bool)
	RecentSuccessRate(provider string) (float64, int)
}

// IntelligentRouter scores registered providers and picks one per request
type IntelligentRouter struct {
	config   Config
	breakers BreakerGate
	metrics  MetricsSource
	logger   *logrus.Logger

	mu            sync.RWMutex
	providers     map[string]types.ProviderInfo
	providerNames []string // registration order, used for tie-breaks
	healthStatus  map[string]*types.HealthStatus
	adjustments   map[string]float64
	lastOptimized time.Time
}

// NewRouter creates a router. breakers and metrics may be nil.
func NewRouter(config Config, breakers BreakerGate, metrics MetricsSource, logger *logrus.Logger) *IntelligentRouter {
	defaults := DefaultConfig()
	if config.CostThreshold <= 0 {
		config.CostThreshold = defaults.CostThreshold
	}
	if config.LatencyThreshold <= 0 {
		config.LatencyThreshold = defaults.LatencyThreshold
	}
	if config.Weights == (Weights{}) {
		config.Weights = defaults.Weights
	}

	return &IntelligentRouter{
		config:       config,
		breakers:     breakers,
		metrics:      metrics,
		logger:       logger,
		providers:    make(map[string]types.ProviderInfo),
		healthStatus: make(map[string]*types.HealthStatus),
		adjustments:  make(map[string]float64),
	}
}

// RegisterProvider adds a provider or replaces the record of an existing one
func (r *IntelligentRouter) RegisterProvider(info types.ProviderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[info.Name]; !exists {
		r.providerNames = append(r.providerNames, info.Name)
		r.healthStatus[info.Name] = &types.HealthStatus{Status: types.HealthUnknown}
	}
	r.providers[info.Name] = info

	r.logger.WithFields(logrus.Fields{
		"provider":    info.Name,
		"cost":        info.Cost,
		"quality":     info.Quality,
		"avg_latency": info.AvgLatency,
	}).Info("Provider registered")
}

// GetProvider returns a provider record by name
func (r *IntelligentRouter) GetProvider(name string) (types.ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, exists := r.providers[name]
	return info, exists
}

// ListProviders returns all registered provider names in registration order
func (r *IntelligentRouter) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.providerNames))
	copy(names, r.providerNames)
	return names
}

// SetProviderHealth records the outcome of a health probe
func (r *IntelligentRouter) SetProviderHealth(name string, healthy bool, responseTime time.Duration, probeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.healthStatus[name]
	if !exists {
		return
	}

	previous := status.Status
	status.ResponseTime = responseTime.Milliseconds()
	status.LastChecked = time.Now().Unix()
	status.ErrorMessage = ""
	if healthy {
		status.Status = types.HealthHealthy
	} else {
		status.Status = types.HealthUnhealthy
		if probeErr != nil {
			status.ErrorMessage = probeErr.Error()
		}
	}

	if previous != status.Status {
		entry := r.logger.WithFields(logrus.Fields{
			"provider": name,
			"from":     previous,
			"state":    status.Status,
		})
		if probeErr != nil {
			entry = entry.WithError(probeErr)
		}
		entry.Info("Provider health changed")
	}
}

// IsProviderHealthy reports whether a provider is registered, marked available and
// not failing health checks. Providers never probed count as healthy.
func (r *IntelligentRouter) IsProviderHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isHealthyLocked(name)
}

func (r *IntelligentRouter) isHealthyLocked(name string) bool {
	info, exists := r.providers[name]
	if !exists || !info.Available {
		return false
	}
	status := r.healthStatus[name]
	return status == nil || status.Status != types.HealthUnhealthy
}

// GetHealthStatus returns a copy of every provider's health status
func (r *IntelligentRouter) GetHealthStatus() map[string]types.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.HealthStatus, len(r.healthStatus))
	for name, status := range r.healthStatus {
		out[name] = *status
	}
	return out
}

// Scores computes the score of every registered provider for the request, in
// registration order. It does not consult circuit breakers.
func (r *IntelligentRouter) Scores(req *types.RoutingRequest) []ProviderScore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scoresLocked(req)
}

func (r *IntelligentRouter) scoresLocked(req *types.RoutingRequest) []ProviderScore {
	scores := make([]ProviderScore, 0, len(r.providerNames))
	for _, name := range r.providerNames {
		scores = append(scores, r.scoreLocked(name, req))
	}
	return scores
}

func (r *IntelligentRouter) scoreLocked(name string, req *types.RoutingRequest) ProviderScore {
	info := r.providers[name]
	cost, quality, latency := info.Cost, info.Quality, info.AvgLatency

	live := false
	if r.metrics != nil {
		if m, ok := r.metrics.Live(name); ok {
			cost, quality, latency = m.Cost, m.Quality, m.Latency
			live = true
		}
	}

	s := ProviderScore{
		Provider:      name,
		Cost:          math.Max(0, 1-cost/r.config.CostThreshold),
		Quality:       clamp01(quality),
		Latency:       math.Max(0, 1-latency/r.config.LatencyThreshold),
		Compatibility: 0.5,
		Adjustment:    r.adjustments[name],
		Live:          live,
	}
	if r.isHealthyLocked(name) {
		s.Availability = 1
	}
	if req == nil || req.Type == "" || info.Supports(req.Type) {
		s.Compatibility = 1
	}

	w := r.config.Weights
	s.Total = w.Cost*s.Cost +
		w.Quality*s.Quality +
		w.Latency*s.Latency +
		w.Availability*s.Availability +
		w.Compatibility*s.Compatibility +
		s.Adjustment
	return s
}

// Decide selects a provider for the request and explains why
func (r *IntelligentRouter) Decide(req *types.RoutingRequest) (*RoutingDecision, error) {
	r.mu.RLock()
	scores := r.scoresLocked(req)
	healthy := make(map[string]bool, len(scores))
	for _, s := range scores {
		healthy[s.Provider] = r.isHealthyLocked(s.Provider)
	}
	r.mu.RUnlock()

	if len(scores) == 0 {
		return nil, fmt.Errorf("no providers registered: %w", ErrNoHealthyProvider)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})

	decision := &RoutingDecision{
		Scores:    scores,
		Strategy:  StrategyScored,
		Timestamp: time.Now(),
	}

	if req != nil {
		if preferred := req.Metadata[types.MetadataPreferredProvider]; preferred != "" {
			if healthy[preferred] && !r.isOpen(preferred) {
				decision.SelectedProvider = preferred
				decision.Strategy = StrategyPreferred
				decision.Reasoning = append(decision.Reasoning,
					fmt.Sprintf("Preferred provider %s is healthy", preferred))
			} else {
				decision.Reasoning = append(decision.Reasoning,
					fmt.Sprintf("Preferred provider %s unavailable, falling back to scoring", preferred))
			}
		}
	}

	if decision.SelectedProvider == "" {
		for _, s := range scores {
			if !healthy[s.Provider] {
				continue
			}
			if r.isOpen(s.Provider) {
				decision.SkippedOpen = append(decision.SkippedOpen, s.Provider)
				continue
			}
			decision.SelectedProvider = s.Provider
			decision.Reasoning = append(decision.Reasoning,
				fmt.Sprintf("Selected %s with score %.4f", s.Provider, s.Total))
			break
		}
	}

	if decision.SelectedProvider == "" {
		return nil, ErrNoHealthyProvider
	}

	for _, p := range decision.SkippedOpen {
		decision.Reasoning = append(decision.Reasoning, fmt.Sprintf("Skipped %s: circuit open", p))
	}

	r.mu.RLock()
	info := r.providers[decision.SelectedProvider]
	r.mu.RUnlock()
	decision.EstimatedCost = info.Cost
	decision.EstimatedLatency = time.Duration(info.AvgLatency * float64(time.Millisecond))
	if r.metrics != nil {
		if m, ok := r.metrics.Live(decision.SelectedProvider); ok {
			decision.EstimatedCost = m.Cost
			decision.EstimatedLatency = time.Duration(m.Latency * float64(time.Millisecond))
		}
	}
	decision.FallbackChain = r.buildFallbackChain(decision.SelectedProvider)

	fields := logrus.Fields{
		"provider": decision.SelectedProvider,
		"strategy": decision.Strategy,
	}
	if req != nil {
		fields["request_id"] = req.ID
	}
	r.logger.WithFields(fields).Debug("Routing decision made")

	return decision, nil
}

// SelectOptimalProvider returns the id of the best-scoring healthy provider whose
// circuit is not open
func (r *IntelligentRouter) SelectOptimalProvider(req *types.RoutingRequest) (string, error) {
	decision, err := r.Decide(req)
	if err != nil {
		return "", err
	}
	return decision.SelectedProvider, nil
}

// GetFallbackProvider walks the fallback chain and returns the first healthy provider
// that is neither the failed one nor excluded. With no chain configured the
// registration order is used; the default provider is the last resort.
func (r *IntelligentRouter) GetFallbackProvider(failed string, exclude ...string) (string, error) {
	skip := make(map[string]bool, len(exclude)+1)
	skip[failed] = true
	for _, e := range exclude {
		skip[e] = true
	}

	for _, name := range r.chain() {
		if skip[name] || !r.IsProviderHealthy(name) {
			continue
		}
		skip[name] = true
		if r.isOpen(name) {
			continue
		}
		return name, nil
	}

	if def := r.config.DefaultProvider; def != "" && !skip[def] && r.IsProviderHealthy(def) && !r.isOpen(def) {
		return def, nil
	}

	r.logger.WithField("provider", failed).Warn("No fallback provider available")
	return "", ErrNoFallbackProvider
}

func (r *IntelligentRouter) chain() []string {
	if len(r.config.FallbackChain) > 0 {
		return r.config.FallbackChain
	}
	return r.ListProviders()
}

// buildFallbackChain lists the healthy providers that would be tried after primary,
// without consulting breakers
func (r *IntelligentRouter) buildFallbackChain(primary string) []string {
	var chain []string
	seen := map[string]bool{primary: true}
	for _, name := range r.chain() {
		if seen[name] || !r.IsProviderHealthy(name) {
			continue
		}
		seen[name] = true
		chain = append(chain, name)
	}
	if def := r.config.DefaultProvider; def != "" && !seen[def] && r.IsProviderHealthy(def) {
		chain = append(chain, def)
	}
	return chain
}

func (r *IntelligentRouter) isOpen(provider string) bool {
	if r.breakers == nil {
		return false
	}
	return r.breakers.IsOpen(provider)
}

// OptimizeRouting recomputes the per-provider score adjustment from the recent call
// window: 0.1 * (recentSuccessRate - 1), so a provider failing every recent call
// loses 0.1 and a clean record costs nothing.
func (r *IntelligentRouter) OptimizeRouting() map[string]float64 {
	if r.metrics == nil {
		return nil
	}

	names := r.ListProviders()
	adjustments := make(map[string]float64, len(names))
	for _, name := range names {
		rate, n := r.metrics.RecentSuccessRate(name)
		if n == 0 {
			continue
		}
		adjustments[name] = 0.1 * (rate - 1)
	}

	r.mu.Lock()
	r.adjustments = adjustments
	r.lastOptimized = time.Now()
	r.mu.Unlock()

	r.logger.WithField("adjustments", adjustments).Debug("Routing score cache refreshed")

	out := make(map[string]float64, len(adjustments))
	for k, v := range adjustments {
		out[k] = v
	}
	return out
}

// Adjustments returns the cached score adjustments and when they were computed
func (r *IntelligentRouter) Adjustments() (map[string]float64, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.adjustments))
	for k, v := range r.adjustments {
		out[k] = v
	}
	return out, r.lastOptimized
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
