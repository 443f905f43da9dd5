package types

import (
	"time"
)

// RoutingResponse is returned by the executor and by the engine facade
type RoutingResponse struct {
	Success   bool             `json:"success"`
	Data      interface{}      `json:"data,omitempty"`
	Metadata  ResponseMetadata `json:"metadata"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
}

// ResponseMetadata describes how a request was served
type ResponseMetadata struct {
	RequestID      string        `json:"request_id"`
	ProcessingTime time.Duration `json:"processing_time"`
	Cost           float64       `json:"cost"`
	Provider       string        `json:"provider"`
	Timestamp      time.Time     `json:"timestamp"`
	Attempts       int           `json:"attempts,omitempty"`
	FallbackUsed   bool          `json:"fallback_used,omitempty"`
	Quality        float64       `json:"quality,omitempty"` // optional executor-reported quality in [0,1]
}

// Error kinds surfaced on failed responses
const (
	ErrorKindRateLimit          = "rate_limit"
	ErrorKindTimeout            = "timeout"
	ErrorKindAuth               = "auth_error"
	ErrorKindServiceUnavailable = "service_unavailable"
	ErrorKindUnknown            = "unknown"
	ErrorKindNoHealthyProvider  = "no_healthy_provider"
)

// ChatResponse is the provider-facing chat completion response
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Text returns the content of the first choice
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

type CostEstimate struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens,omitempty"`
	TotalTokens     int     `json:"total_tokens"`
	InputCost       float64 `json:"input_cost"`
	OutputCost      float64 `json:"output_cost"`
	TotalCost       float64 `json:"total_cost"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
}
