package routing

import (
	"time"
)

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	// The selected provider name
	SelectedProvider string `json:"selected_provider"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reasoning"`

	// Registry or live estimates for the selected provider
	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency"`

	// Per-provider score breakdown in descending score order
	Scores []ProviderScore `json:"scores"`

	// Fallback providers that could handle this request
	FallbackChain []string `json:"fallback_chain"`

	// Providers skipped because their circuit breaker was open
	SkippedOpen []string `json:"skipped_open,omitempty"`

	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderScore is the weighted score of one provider for one request
type ProviderScore struct {
	Provider      string  `json:"provider"`
	Cost          float64 `json:"cost_score"`
	Quality       float64 `json:"quality_score"`
	Latency       float64 `json:"latency_score"`
	Availability  float64 `json:"availability_score"`
	Compatibility float64 `json:"compatibility_score"`
	// Adjustment is the cached bias computed by OptimizeRouting
	Adjustment float64 `json:"adjustment"`
	Total      float64 `json:"total"`
	Live       bool    `json:"live_metrics"`
}

const (
	StrategyScored    = "scored"
	StrategyPreferred = "preferred"
)
