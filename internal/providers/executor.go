package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// ProviderExecutor is the default Executor: it turns a routing request into a chat
// completion on the adapter named by the router
type ProviderExecutor struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
	logger    *logrus.Logger
}

func NewProviderExecutor(logger *logrus.Logger) *ProviderExecutor {
	return &ProviderExecutor{
		providers: make(map[string]LLMProvider),
		logger:    logger,
	}
}

// Register adds an adapter under its provider name
func (e *ProviderExecutor) Register(p LLMProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[p.GetProviderName()] = p
	e.logger.WithField("provider", p.GetProviderName()).Info("Registered provider adapter")
}

// Providers returns registered adapter names, sorted
func (e *ProviderExecutor) Providers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.providers))
	for name := range e.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *ProviderExecutor) provider(name string) (LLMProvider, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered with the executor", name)
	}
	return p, nil
}

// ProcessRequest implements Executor
func (e *ProviderExecutor) ProcessRequest(ctx context.Context, req *types.RoutingRequest) (*types.RoutingResponse, error) {
	name := req.Metadata[types.MetadataProvider]
	p, err := e.provider(name)
	if err != nil {
		return nil, err
	}

	chat, err := BuildChatRequest(req, p.GetCapabilities())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.ChatCompletion(ctx, chat)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	cost := usageCost(resp, p.GetCapabilities())
	if resp.Usage == nil {
		if estimate, err := p.EstimateCost(chat); err == nil {
			cost = estimate.TotalCost
		}
	}

	e.logger.WithFields(logrus.Fields{
		"provider":    name,
		"request_id":  req.ID,
		"model":       resp.Model,
		"duration_ms": elapsed.Milliseconds(),
		"cost":        cost,
	}).Debug("Provider request completed")

	data := map[string]interface{}{
		"id":      resp.ID,
		"model":   resp.Model,
		"content": resp.Text(),
	}
	if len(resp.Choices) > 0 {
		data["finish_reason"] = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		data["usage"] = map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}

	return &types.RoutingResponse{
		Success: true,
		Data:    data,
		Metadata: types.ResponseMetadata{
			RequestID:      req.ID,
			ProcessingTime: elapsed,
			Cost:           cost,
			Provider:       name,
			Timestamp:      time.Now(),
		},
	}, nil
}

// CheckHealth implements HealthChecker
func (e *ProviderExecutor) CheckHealth(ctx context.Context, provider string) error {
	p, err := e.provider(provider)
	if err != nil {
		return err
	}
	return p.HealthCheck(ctx)
}

// BuildChatRequest converts a routing payload to a chat request. The payload may
// carry "messages" (role/content objects) or a "prompt" with an optional "system";
// otherwise the operation and payload are sent as a single user message.
func BuildChatRequest(req *types.RoutingRequest, caps types.ProviderCapabilities) (*types.ChatRequest, error) {
	chat := &types.ChatRequest{ID: req.ID}

	chat.Model = req.Metadata[types.MetadataModel]
	if chat.Model == "" {
		if m, ok := req.Payload["model"].(string); ok {
			chat.Model = m
		}
	}
	if chat.Model == "" && len(caps.SupportedModels) > 0 {
		chat.Model = caps.SupportedModels[0].Name
	}

	if system, ok := req.Payload["system"].(string); ok && system != "" {
		chat.Messages = append(chat.Messages, types.Message{Role: "system", Content: system})
	}

	switch {
	case req.Payload["messages"] != nil:
		messages, err := decodeMessages(req.Payload["messages"])
		if err != nil {
			return nil, err
		}
		chat.Messages = append(chat.Messages, messages...)
	case req.Payload["prompt"] != nil:
		chat.Messages = append(chat.Messages, types.Message{Role: "user", Content: fmt.Sprint(req.Payload["prompt"])})
	default:
		body, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		chat.Messages = append(chat.Messages, types.Message{Role: "user", Content: fmt.Sprintf("%s: %s", req.Operation, body)})
	}

	if n, ok := number(req.Payload["max_tokens"]); ok {
		v := int(n)
		chat.MaxTokens = &v
	}
	if n, ok := number(req.Payload["temperature"]); ok {
		v := float32(n)
		chat.Temperature = &v
	}
	return chat, nil
}

func decodeMessages(raw interface{}) ([]types.Message, error) {
	if msgs, ok := raw.([]types.Message); ok {
		return msgs, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid messages: %w", err)
	}
	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("invalid messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	return msgs, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// usageCost prices reported token usage with the model table
func usageCost(resp *types.ChatResponse, caps types.ProviderCapabilities) float64 {
	if resp.Usage == nil {
		return 0
	}
	for _, m := range caps.SupportedModels {
		if m.Name == resp.Model || m.ProviderModelID == resp.Model {
			return float64(resp.Usage.PromptTokens)*m.InputCostPer1K/1000 +
				float64(resp.Usage.CompletionTokens)*m.OutputCostPer1K/1000
		}
	}
	return 0
}

// EstimateTokens approximates prompt tokens from message length
func EstimateTokens(req *types.ChatRequest, charsPerToken float64) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) + len(msg.Role) + len(msg.Name)
	}
	return int(float64(total) / charsPerToken)
}

// EstimateCostFor prices a request against the model table
func EstimateCostFor(req *types.ChatRequest, models []types.ModelInfo, charsPerToken float64) (*types.CostEstimate, error) {
	var model *types.ModelInfo
	for i := range models {
		if models[i].Name == req.Model || models[i].ProviderModelID == req.Model {
			model = &models[i]
			break
		}
	}
	if model == nil {
		return nil, fmt.Errorf("model %s not found in configuration", req.Model)
	}

	inputTokens := EstimateTokens(req, charsPerToken)
	outputTokens := 100
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}

	inputCost := float64(inputTokens) * model.InputCostPer1K / 1000
	outputCost := float64(outputTokens) * model.OutputCostPer1K / 1000
	return &types.CostEstimate{
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TotalTokens:     inputTokens + outputTokens,
		InputCost:       inputCost,
		OutputCost:      outputCost,
		TotalCost:       inputCost + outputCost,
		CostPer1KTokens: (model.InputCostPer1K + model.OutputCostPer1K) / 2,
	}, nil
}
