package providers

import (
	"context"

	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// Executor performs a routed request against the provider named in
// req.Metadata["provider"]. A returned error, or a response with Success false,
// is a provider failure.
type Executor interface {
	ProcessRequest(ctx context.Context, req *types.RoutingRequest) (*types.RoutingResponse, error)
}

// HealthChecker is implemented by executors that can probe a provider out of band
type HealthChecker interface {
	CheckHealth(ctx context.Context, provider string) error
}

// LLMProvider is a vendor adapter behind the default executor
type LLMProvider interface {
	GetCapabilities() types.ProviderCapabilities
	GetProviderName() string
	ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	EstimateCost(req *types.ChatRequest) (*types.CostEstimate, error)
	HealthCheck(ctx context.Context) error
}
