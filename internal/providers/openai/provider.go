package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// OpenAIProvider implements the LLMProvider interface for OpenAI
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	APIKey         string            `yaml:"api_key"`
	BaseURL        string            `yaml:"base_url"`
	OrgID          string            `yaml:"org_id"`
	Models         []types.ModelInfo `yaml:"models"`
	Timeout        time.Duration     `yaml:"timeout"`
	SupportedTypes []string          `yaml:"supported_types"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (p *OpenAIProvider) GetProviderName() string {
	return "openai"
}

func (p *OpenAIProvider) GetCapabilities() types.ProviderCapabilities {
	supported := p.config.SupportedTypes
	if len(supported) == 0 {
		supported = []string{"text", "code", "chat"}
	}
	return types.ProviderCapabilities{
		ProviderName:      "openai",
		SupportedModels:   p.config.Models,
		SupportedTypes:    supported,
		SupportsStreaming: true,
		MaxContextWindow:  128000,
	}
}

// ChatCompletion performs a chat completion request
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	openaiReq := p.convertToOpenAIRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Warn("OpenAI API call failed")
		return nil, fmt.Errorf("openai api call failed: %w", err)
	}

	return convertFromOpenAIResponse(&resp), nil
}

// EstimateCost estimates the cost for a chat completion request at ~4 chars per token
func (p *OpenAIProvider) EstimateCost(req *types.ChatRequest) (*types.CostEstimate, error) {
	return providers.EstimateCostFor(req, p.config.Models, 4)
}

// HealthCheck lists models as a cheap authenticated probe
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		p.logger.WithError(err).Warn("OpenAI health check failed")
		return fmt.Errorf("openai health check failed: %w", err)
	}
	p.logger.Debug("OpenAI health check passed")
	return nil
}

func (p *OpenAIProvider) convertToOpenAIRequest(req *types.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	return openaiReq
}

func convertFromOpenAIResponse(resp *openai.ChatCompletionResponse) *types.ChatResponse {
	choices := make([]types.Choice, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, types.Choice{
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
			Message: types.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
		})
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   usage,
	}
}

var _ providers.LLMProvider = (*OpenAIProvider)(nil)
