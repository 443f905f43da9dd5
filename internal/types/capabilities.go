package types

// ProviderInfo is the registry record for a routable provider
type ProviderInfo struct {
	Name           string   `json:"name" yaml:"name"`
	Cost           float64  `json:"cost" yaml:"cost"`                 // expected cost per request
	Quality        float64  `json:"quality" yaml:"quality"`           // 0..1
	AvgLatency     float64  `json:"avg_latency" yaml:"avg_latency"`   // milliseconds
	Available      bool     `json:"available" yaml:"available"`
	SupportedTypes []string `json:"supported_types" yaml:"supported_types"`
}

// Supports reports whether the provider declares support for a content type
func (p ProviderInfo) Supports(contentType string) bool {
	for _, t := range p.SupportedTypes {
		if t == contentType || t == "*" {
			return true
		}
	}
	return false
}

type ModelInfo struct {
	Name             string  `json:"name" yaml:"name"`
	ProviderModelID  string  `json:"provider_model_id,omitempty" yaml:"provider_model_id"`
	MaxContextWindow int     `json:"max_context_window" yaml:"max_context_window"`
	MaxOutputTokens  int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	InputCostPer1K   float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K  float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

// ProviderCapabilities describes what an adapter can serve
type ProviderCapabilities struct {
	ProviderName      string      `json:"provider_name"`
	SupportedModels   []ModelInfo `json:"supported_models"`
	SupportedTypes    []string    `json:"supported_types"`
	SupportsStreaming bool        `json:"supports_streaming"`
	MaxContextWindow  int         `json:"max_context_window"`
}

// Health check types
type HealthStatus struct {
	Status       string `json:"status"` // "healthy", "unhealthy", "unknown"
	ResponseTime int64  `json:"response_time_ms"`
	LastChecked  int64  `json:"last_checked"`
	ErrorMessage string `json:"error_message,omitempty"`
}

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)
