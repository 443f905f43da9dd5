// Package loadbalancer tracks in-flight requests per provider and moves load away
// from providers that turn unhealthy.
package loadbalancer

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
)

// ProviderStats is the per-provider view returned by GetStats
type ProviderStats struct {
	Provider          string `json:"provider"`
	ActiveConnections int    `json:"active_connections"`
	Healthy           bool   `json:"healthy"`
}

// Stats is a point-in-time snapshot of the balancer
type Stats struct {
	TotalConnections int             `json:"total_connections"`
	HealthyProviders int             `json:"healthy_providers"`
	Providers        []ProviderStats `json:"providers"`
}

// LoadBalancer owns the connection counters and health map
type LoadBalancer struct {
	logger    *logrus.Logger
	collector *metrics.Collector

	mu                sync.Mutex
	order             []string
	activeConnections map[string]int
	providerHealth    map[string]bool

	// moved holds, per source provider, one entry per connection Rebalance took
	// from it: the targets whose counters that connection now occupies.
	moved map[string][][]string
}

func New(collector *metrics.Collector, logger *logrus.Logger) *LoadBalancer {
	return &LoadBalancer{
		logger:            logger,
		collector:         collector,
		activeConnections: make(map[string]int),
		providerHealth:    make(map[string]bool),
		moved:             make(map[string][][]string),
	}
}

// AddProvider registers a provider as healthy with no connections
func (lb *LoadBalancer) AddProvider(provider string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.ensureLocked(provider)
}

func (lb *LoadBalancer) ensureLocked(provider string) {
	if _, ok := lb.providerHealth[provider]; ok {
		return
	}
	lb.order = append(lb.order, provider)
	lb.providerHealth[provider] = true
	lb.activeConnections[provider] = 0
}

// Acquire counts a new in-flight request for provider
func (lb *LoadBalancer) Acquire(provider string) {
	lb.mu.Lock()
	lb.ensureLocked(provider)
	lb.activeConnections[provider]++
	count := lb.activeConnections[provider]
	lb.mu.Unlock()

	lb.collector.SetActiveConnections(provider, count)
}

// Release ends an in-flight request. When Rebalance already moved the
// connection, the counters it was moved to are released instead.
func (lb *LoadBalancer) Release(provider string) {
	lb.mu.Lock()
	touched := make(map[string]bool)
	lb.releaseLocked(provider, touched)
	counts := make(map[string]int, len(touched))
	for p := range touched {
		counts[p] = lb.activeConnections[p]
	}
	lb.mu.Unlock()

	for p, n := range counts {
		lb.collector.SetActiveConnections(p, n)
	}
}

// releaseLocked terminates because every step either decrements a counter or
// consumes a moved entry
func (lb *LoadBalancer) releaseLocked(provider string, touched map[string]bool) {
	touched[provider] = true
	if lb.activeConnections[provider] > 0 {
		lb.activeConnections[provider]--
		return
	}
	pending := lb.moved[provider]
	if len(pending) == 0 {
		return
	}
	targets := pending[0]
	if len(pending) == 1 {
		delete(lb.moved, provider)
	} else {
		lb.moved[provider] = pending[1:]
	}
	for _, t := range targets {
		lb.releaseLocked(t, touched)
	}
}

// SetHealth marks a provider healthy or unhealthy
func (lb *LoadBalancer) SetHealth(provider string, healthy bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.ensureLocked(provider)
	lb.providerHealth[provider] = healthy
}

// ActiveConnections returns the counter for a provider
func (lb *LoadBalancer) ActiveConnections(provider string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.activeConnections[provider]
}

// Rebalance spreads each unhealthy provider's connections across the healthy ones,
// ceil(count/healthy) each, and zeroes the unhealthy counter. With no healthy
// provider nothing moves so the backlog stays visible.
func (lb *LoadBalancer) Rebalance() {
	lb.mu.Lock()

	var healthy []string
	for _, p := range lb.order {
		if lb.providerHealth[p] {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		lb.mu.Unlock()
		lb.logger.Warn("Rebalance skipped: no healthy providers")
		return
	}

	moved := make(map[string]int)
	for _, p := range lb.order {
		count := lb.activeConnections[p]
		if lb.providerHealth[p] || count == 0 {
			continue
		}
		share := (count + len(healthy) - 1) / len(healthy)
		entries := make([][]string, count)
		slot := 0
		for i := 0; i < share; i++ {
			for _, h := range healthy {
				lb.activeConnections[h]++
				entries[slot%count] = append(entries[slot%count], h)
				slot++
			}
		}
		lb.activeConnections[p] = 0
		lb.moved[p] = append(lb.moved[p], entries...)
		moved[p] = count
	}

	counts := make(map[string]int, len(lb.order))
	for _, p := range lb.order {
		counts[p] = lb.activeConnections[p]
	}
	lb.mu.Unlock()

	for p, n := range moved {
		lb.collector.RecordRebalance(p, n)
		lb.logger.WithFields(logrus.Fields{
			"provider":    p,
			"connections": n,
			"targets":     len(healthy),
		}).Info("Rebalanced connections away from unhealthy provider")
	}
	for p, n := range counts {
		lb.collector.SetActiveConnections(p, n)
	}
}

// GetStats returns a snapshot ordered by provider name
func (lb *LoadBalancer) GetStats() Stats {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	stats := Stats{Providers: make([]ProviderStats, 0, len(lb.order))}
	for _, p := range lb.order {
		ps := ProviderStats{
			Provider:          p,
			ActiveConnections: lb.activeConnections[p],
			Healthy:           lb.providerHealth[p],
		}
		stats.TotalConnections += ps.ActiveConnections
		if ps.Healthy {
			stats.HealthyProviders++
		}
		stats.Providers = append(stats.Providers, ps)
	}
	sort.Slice(stats.Providers, func(i, j int) bool {
		return stats.Providers[i].Provider < stats.Providers[j].Provider
	})
	return stats
}
