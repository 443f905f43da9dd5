// Package analytics owns per-provider performance metrics. Every routed call is
// folded into exponential moving averages plus a bounded window of recent outcomes.
package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// Config for the metrics store
type Config struct {
	// Alpha is the EMA smoothing factor in (0,1]; higher reacts faster
	Alpha float64 `yaml:"alpha"`
	// WindowSize is the number of recent calls kept per provider
	WindowSize int `yaml:"window_size"`
}

func DefaultConfig() Config {
	return Config{Alpha: 0.2, WindowSize: 50}
}

// ProviderMetrics is the tracked performance record for one provider
type ProviderMetrics struct {
	Provider     string    `json:"provider"`
	Cost         float64   `json:"cost"`
	Quality      float64   `json:"quality"`
	Latency      float64   `json:"latency_ms"`
	SuccessRate  float64   `json:"success_rate"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	TotalCost    float64   `json:"total_cost"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

// Outcome of a single routed call
type Outcome struct {
	Success bool
	Latency time.Duration
	Cost    float64
	// Quality is an optional executor-reported score in [0,1]; zero means not reported
	Quality float64
}

// Summary aggregates all providers
type Summary struct {
	TotalRequests int64             `json:"total_requests"`
	TotalErrors   int64             `json:"total_errors"`
	TotalCost     float64           `json:"total_cost"`
	SuccessRate   float64           `json:"success_rate"`
	Providers     []ProviderMetrics `json:"providers"`
}

type providerState struct {
	metrics ProviderMetrics
	seeded  bool

	// ring of recent outcomes
	window []bool
	next   int
	filled int
}

// Store is the ProviderMetrics owner. The router only reads from it.
type Store struct {
	config    Config
	logger    *logrus.Logger
	collector *metrics.Collector

	mu        sync.RWMutex
	providers map[string]*providerState
}

// NewStore creates an empty store. collector may be nil.
func NewStore(config Config, collector *metrics.Collector, logger *logrus.Logger) *Store {
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = DefaultConfig().Alpha
	}
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}

	return &Store{
		config:    config,
		logger:    logger,
		collector: collector,
		providers: make(map[string]*providerState),
	}
}

// Seed initializes a provider's averages from its registry record
func (s *Store) Seed(info types.ProviderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(info.Name)
	st.metrics.Cost = info.Cost
	st.metrics.Quality = info.Quality
	st.metrics.Latency = info.AvgLatency
	st.seeded = true
}

func (s *Store) stateLocked(provider string) *providerState {
	st, ok := s.providers[provider]
	if !ok {
		st = &providerState{
			metrics: ProviderMetrics{Provider: provider, SuccessRate: 1},
			window:  make([]bool, s.config.WindowSize),
		}
		s.providers[provider] = st
	}
	return st
}

// Record folds one call outcome into the provider's metrics
func (s *Store) Record(provider string, outcome Outcome) {
	s.mu.Lock()

	st := s.stateLocked(provider)
	m := &st.metrics
	first := m.RequestCount == 0 && !st.seeded
	alpha := s.config.Alpha

	m.RequestCount++
	m.LastUsed = time.Now()

	latencyMs := float64(outcome.Latency) / float64(time.Millisecond)
	if outcome.Latency > 0 {
		m.Latency = ema(m.Latency, latencyMs, alpha, first)
	}

	if outcome.Success {
		m.SuccessRate = ema(m.SuccessRate, 1, alpha, m.RequestCount == 1)
		if outcome.Cost > 0 {
			m.Cost = ema(m.Cost, outcome.Cost, alpha, first)
			m.TotalCost += outcome.Cost
		}
		if outcome.Quality > 0 {
			m.Quality = ema(m.Quality, outcome.Quality, alpha, first)
		}
	} else {
		m.ErrorCount++
		m.SuccessRate = ema(m.SuccessRate, 0, alpha, m.RequestCount == 1)
	}

	st.window[st.next] = outcome.Success
	st.next = (st.next + 1) % len(st.window)
	if st.filled < len(st.window) {
		st.filled++
	}
	snapshot := *m
	s.mu.Unlock()

	s.collector.RecordRequest(provider, outcome.Success, outcome.Latency, outcome.Cost)

	s.logger.WithFields(logrus.Fields{
		"provider":     provider,
		"success":      outcome.Success,
		"duration_ms":  outcome.Latency.Milliseconds(),
		"success_rate": snapshot.SuccessRate,
		"latency_ms":   snapshot.Latency,
	}).Debug("Recorded provider outcome")
}

// RecordSuccess is shorthand for a successful Record
func (s *Store) RecordSuccess(provider string, latency time.Duration, cost, quality float64) {
	s.Record(provider, Outcome{Success: true, Latency: latency, Cost: cost, Quality: quality})
}

func (s *Store) RecordFailure(provider string, latency time.Duration) {
	s.Record(provider, Outcome{Success: false, Latency: latency})
}

// Live returns the provider's metrics once at least one call has been recorded
func (s *Store) Live(provider string) (ProviderMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[provider]
	if !ok || st.metrics.RequestCount == 0 {
		return ProviderMetrics{}, false
	}
	return st.metrics, true
}

// Get returns the provider's metrics, seeded or live
func (s *Store) Get(provider string) (ProviderMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[provider]
	if !ok {
		return ProviderMetrics{}, false
	}
	return st.metrics, true
}

// RecentSuccessRate returns the success ratio over the recent window and the
// number of calls it covers
func (s *Store) RecentSuccessRate(provider string) (float64, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[provider]
	if !ok || st.filled == 0 {
		return 0, 0
	}

	successes := 0
	for i := 0; i < st.filled; i++ {
		if st.window[i] {
			successes++
		}
	}
	return float64(successes) / float64(st.filled), st.filled
}

// Snapshot returns every provider's metrics ordered by name
func (s *Store) Snapshot() []ProviderMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ProviderMetrics, 0, len(s.providers))
	for _, st := range s.providers {
		out = append(out, st.metrics)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Summary aggregates the snapshot
func (s *Store) Summary() Summary {
	providers := s.Snapshot()
	sum := Summary{Providers: providers}
	for _, m := range providers {
		sum.TotalRequests += m.RequestCount
		sum.TotalErrors += m.ErrorCount
		sum.TotalCost += m.TotalCost
	}
	if sum.TotalRequests > 0 {
		sum.SuccessRate = float64(sum.TotalRequests-sum.TotalErrors) / float64(sum.TotalRequests)
	}
	return sum
}

func ema(current, sample, alpha float64, first bool) float64 {
	if first {
		return sample
	}
	return alpha*sample + (1-alpha)*current
}
