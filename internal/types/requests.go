package types

import (
	"time"
)

// RoutingRequest is the unit of work handed to the engine and forwarded to the executor
type RoutingRequest struct {
	ID        string                 `json:"id" yaml:"id"`
	Type      string                 `json:"type" yaml:"type"`           // content type, matched against ProviderInfo.SupportedTypes
	Operation string                 `json:"operation" yaml:"operation"` // e.g. "chat", "summarize", "classify"
	Payload   map[string]interface{} `json:"payload" yaml:"payload"`
	Priority  Priority               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp" yaml:"-"`
}

// Priority of a routing request
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Well-known metadata keys
const (
	// MetadataProvider carries the provider hint chosen by the router
	MetadataProvider = "provider"
	// MetadataPreferredProvider pins a provider when it is healthy
	MetadataPreferredProvider = "preferred_provider"
	// MetadataModel overrides the model used by the provider adapter
	MetadataModel = "model"
)

// Clone returns a copy of the request with its own metadata map
func (r *RoutingRequest) Clone() *RoutingRequest {
	c := *r
	c.Metadata = make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// WithProvider returns a copy of the request carrying the provider hint
func (r *RoutingRequest) WithProvider(provider string) *RoutingRequest {
	c := r.Clone()
	c.Metadata[MetadataProvider] = provider
	return c
}

// ChatRequest is the provider-facing chat completion request built by the default executor
type ChatRequest struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
