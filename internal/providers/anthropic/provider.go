package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

const defaultHealthModel = "claude-3-5-haiku-latest"

// AnthropicProvider implements the LLMProvider interface for Anthropic Claude
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey         string            `yaml:"api_key"`
	BaseURL        string            `yaml:"base_url"`
	Models         []types.ModelInfo `yaml:"models"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxRetries     int               `yaml:"max_retries"`
	SupportedTypes []string          `yaml:"supported_types"`
}

// NewAnthropicProvider creates a new Anthropic provider instance. Retries are
// left to the routing engine, so the SDK's own retry count defaults to zero.
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

func (p *AnthropicProvider) GetProviderName() string {
	return "anthropic"
}

func (p *AnthropicProvider) GetCapabilities() types.ProviderCapabilities {
	supported := p.config.SupportedTypes
	if len(supported) == 0 {
		supported = []string{"text", "analysis", "chat"}
	}
	return types.ProviderCapabilities{
		ProviderName:      "anthropic",
		SupportedModels:   p.config.Models,
		SupportedTypes:    supported,
		SupportsStreaming: true,
		MaxContextWindow:  200000,
	}
}

// ChatCompletion performs a chat completion request through the Messages API
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	params, err := convertToAnthropicRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		p.logger.WithError(err).WithField("model", req.Model).Warn("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	return convertFromAnthropicResponse(resp), nil
}

// EstimateCost estimates the cost for a chat completion request at ~3.5 chars per token
func (p *AnthropicProvider) EstimateCost(req *types.ChatRequest) (*types.CostEstimate, error) {
	return providers.EstimateCostFor(req, p.config.Models, 3.5)
}

// HealthCheck sends a one-token message with the cheapest configured model
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	model := defaultHealthModel
	if len(p.config.Models) > 0 {
		model = p.config.Models[0].Name
	}

	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		p.logger.WithError(err).Warn("Anthropic health check failed")
		return fmt.Errorf("anthropic health check failed: %w", err)
	}
	p.logger.Debug("Anthropic health check passed")
	return nil
}

// convertToAnthropicRequest lifts system messages into the system prompt
func convertToAnthropicRequest(req *types.ChatRequest) (*anthropic.MessageNewParams, error) {
	var system []string
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("request has no user or assistant messages")
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: 1024,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(float64(*req.TopP))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = append([]string(nil), req.Stop...)
	}
	return params, nil
}

func convertFromAnthropicResponse(resp *anthropic.Message) *types.ChatResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var usage *types.Usage
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(resp.Model),
		Choices: []types.Choice{{
			Index:        0,
			FinishReason: string(resp.StopReason),
			Message:      types.Message{Role: "assistant", Content: text.String()},
		}},
		Usage: usage,
	}
}

var _ providers.LLMProvider = (*AnthropicProvider)(nil)
