package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/adaptive-routing-engine/internal/alerts"
	"github.com/tributary-ai/adaptive-routing-engine/internal/analytics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/circuitbreaker"
	"github.com/tributary-ai/adaptive-routing-engine/internal/engine"
	"github.com/tributary-ai/adaptive-routing-engine/internal/middleware"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/anthropic"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/openai"
	"github.com/tributary-ai/adaptive-routing-engine/internal/recovery"
	"github.com/tributary-ai/adaptive-routing-engine/internal/routing"
	"github.com/tributary-ai/adaptive-routing-engine/internal/security"
	"github.com/tributary-ai/adaptive-routing-engine/internal/server"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

const envPrefix = "ROUTING_ENGINE_"

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig          `yaml:"server"`
	Logging        LoggingConfig         `yaml:"logging"`
	Security       SecurityConfig        `yaml:"security"`
	Router         RouterConfig          `yaml:"router"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	Recovery       recovery.Config       `yaml:"recovery"`
	Workflows      workflow.Config       `yaml:"workflows"`
	Alerts         alerts.Config         `yaml:"alerts"`
	Providers      ProvidersConfig       `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds HTTP surface protection. Authentication is required as
// soon as an API key or a JWT secret is configured.
type SecurityConfig struct {
	APIKeys          []string                 `yaml:"api_keys"`
	JWTSecret        string                   `yaml:"jwt_secret"`
	TokenTTL         time.Duration            `yaml:"token_ttl"`
	RateLimiting     security.RateLimitConfig `yaml:"rate_limiting"`
	CORS             middleware.CORSConfig    `yaml:"cors"`
	Guard            security.GuardConfig     `yaml:"request_validation"`
	ValidateRequests bool                     `yaml:"openapi_validation"`
}

// RouterConfig holds scoring, fallback and background loop settings
type RouterConfig struct {
	CostThreshold    float64         `yaml:"cost_threshold"`
	LatencyThreshold float64         `yaml:"latency_threshold"` // milliseconds
	Weights          routing.Weights `yaml:"weights"`
	FallbackChain    []string        `yaml:"fallback_chain"`
	DefaultProvider  string          `yaml:"default_provider"`

	RequestTimeout      time.Duration `yaml:"request_timeout"`
	OptimizeInterval    time.Duration `yaml:"optimize_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	// WindowSize is the number of recent calls kept per provider
	WindowSize int     `yaml:"window_size"`
	EMAAlpha   float64 `yaml:"ema_alpha"`
}

// ProvidersConfig holds the routing registry and the adapters behind it. Every
// registry entry needs an adapter of the same name.
type ProvidersConfig struct {
	Registry  []types.ProviderInfo       `yaml:"registry"`
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   150 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		TokenTTL: time.Hour,
		RateLimiting: security.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
			BurstSize:         100,
			CleanupInterval:   5 * time.Minute,
		},
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Guard: security.GuardConfig{
			MaxRequestSize: 1 << 20,
			MaxJSONDepth:   20,
		},
		ValidateRequests: true,
	}

	routerDefaults := routing.DefaultConfig()
	analyticsDefaults := analytics.DefaultConfig()
	c.Router = RouterConfig{
		CostThreshold:       routerDefaults.CostThreshold,
		LatencyThreshold:    routerDefaults.LatencyThreshold,
		Weights:             routerDefaults.Weights,
		RequestTimeout:      120 * time.Second,
		OptimizeInterval:    time.Minute,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  10 * time.Second,
		WindowSize:          analyticsDefaults.WindowSize,
		EMAAlpha:            analyticsDefaults.Alpha,
	}

	c.CircuitBreaker = circuitbreaker.DefaultConfig()
	c.Recovery = recovery.DefaultConfig()
	c.Workflows = workflow.DefaultConfig()
	c.Alerts = alerts.Config{
		BufferSize:      100,
		SendTimeout:     10 * time.Second,
		DefaultChannels: []string{"console"},
	}

	c.Providers = ProvidersConfig{
		Registry: []types.ProviderInfo{
			{Name: "openai", Cost: 0.002, Quality: 0.85, AvgLatency: 900, Available: true, SupportedTypes: []string{"text", "chat", "code"}},
			{Name: "anthropic", Cost: 0.003, Quality: 0.9, AvgLatency: 1100, Available: true, SupportedTypes: []string{"text", "chat", "analysis"}},
		},
		OpenAI: &openai.OpenAIConfig{
			Models: []types.ModelInfo{
				{
					Name:             "gpt-4o-mini",
					ProviderModelID:  "gpt-4o-mini",
					InputCostPer1K:   0.00015,
					OutputCostPer1K:  0.0006,
					MaxContextWindow: 128000,
					MaxOutputTokens:  16384,
				},
				{
					Name:             "gpt-4o",
					ProviderModelID:  "gpt-4o",
					InputCostPer1K:   0.005,
					OutputCostPer1K:  0.015,
					MaxContextWindow: 128000,
					MaxOutputTokens:  4096,
				},
			},
			Timeout: 120 * time.Second,
		},
		Anthropic: &anthropic.AnthropicConfig{
			Models: []types.ModelInfo{
				{
					Name:             "claude-3-5-haiku-latest",
					ProviderModelID:  "claude-3-5-haiku-latest",
					InputCostPer1K:   0.0008,
					OutputCostPer1K:  0.004,
					MaxContextWindow: 200000,
					MaxOutputTokens:  8192,
				},
				{
					Name:             "claude-3-5-sonnet-latest",
					ProviderModelID:  "claude-3-5-sonnet-latest",
					InputCostPer1K:   0.003,
					OutputCostPer1K:  0.015,
					MaxContextWindow: 200000,
					MaxOutputTokens:  8192,
				},
			},
			Timeout:    120 * time.Second,
			MaxRetries: 2,
		},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv(envPrefix + "PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv(envPrefix + "LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if provider := os.Getenv(envPrefix + "DEFAULT_PROVIDER"); provider != "" {
		c.Router.DefaultProvider = provider
	}

	if secret := os.Getenv(envPrefix + "JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
	if keys := os.Getenv(envPrefix + "API_KEYS"); keys != "" {
		c.Security.APIKeys = nil
		for _, key := range strings.Split(keys, ",") {
			if key = strings.TrimSpace(key); key != "" {
				c.Security.APIKeys = append(c.Security.APIKeys, key)
			}
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Providers.OpenAI != nil {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Providers.Anthropic != nil {
		c.Providers.Anthropic.APIKey = key
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Router.CostThreshold <= 0 {
		return fmt.Errorf("router cost_threshold must be positive")
	}
	if c.Router.LatencyThreshold <= 0 {
		return fmt.Errorf("router latency_threshold must be positive")
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit_breaker failure_threshold must be positive")
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit_breaker timeout must be positive")
	}
	if c.Router.WindowSize <= 0 {
		return fmt.Errorf("router window_size must be positive")
	}
	if c.Router.EMAAlpha <= 0 || c.Router.EMAAlpha > 1 {
		return fmt.Errorf("router ema_alpha must be in (0, 1]")
	}

	w := c.Router.Weights
	for _, v := range []float64{w.Cost, w.Quality, w.Latency, w.Availability, w.Compatibility} {
		if v < 0 {
			return fmt.Errorf("router weights cannot be negative")
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("router weights must sum to 1, got %.4f", sum)
	}

	if len(c.Providers.Registry) == 0 {
		return fmt.Errorf("at least one provider must be registered")
	}

	known := make(map[string]bool, len(c.Providers.Registry))
	for _, p := range c.Providers.Registry {
		if p.Name == "" {
			return fmt.Errorf("provider registry entry without a name")
		}
		if known[p.Name] {
			return fmt.Errorf("provider %s registered twice", p.Name)
		}
		known[p.Name] = true
		if err := c.validateAdapter(p.Name); err != nil {
			return err
		}
	}

	for _, name := range c.Router.FallbackChain {
		if !known[name] {
			return fmt.Errorf("fallback chain names unknown provider: %s", name)
		}
	}
	if c.Router.DefaultProvider != "" && !known[c.Router.DefaultProvider] {
		return fmt.Errorf("default provider is not registered: %s", c.Router.DefaultProvider)
	}

	return nil
}

func (c *Config) validateAdapter(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI == nil || c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when openai is registered")
		}
		if len(c.Providers.OpenAI.Models) == 0 {
			return fmt.Errorf("OpenAI provider must have at least one model configured")
		}
	case "anthropic":
		if c.Providers.Anthropic == nil || c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when anthropic is registered")
		}
		if len(c.Providers.Anthropic.Models) == 0 {
			return fmt.Errorf("Anthropic provider must have at least one model configured")
		}
	default:
		return fmt.Errorf("no adapter available for provider %s", name)
	}
	return nil
}

// ToEngineConfig converts to engine.Config
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		Providers: append([]types.ProviderInfo(nil), c.Providers.Registry...),
		Router: routing.Config{
			CostThreshold:    c.Router.CostThreshold,
			LatencyThreshold: c.Router.LatencyThreshold,
			Weights:          c.Router.Weights,
			FallbackChain:    c.Router.FallbackChain,
			DefaultProvider:  c.Router.DefaultProvider,
		},
		CircuitBreaker: c.CircuitBreaker,
		Analytics: analytics.Config{
			Alpha:      c.Router.EMAAlpha,
			WindowSize: c.Router.WindowSize,
		},
		Recovery:            c.Recovery,
		Workflows:           c.Workflows,
		Alerts:              c.Alerts,
		RequestTimeout:      c.Router.RequestTimeout,
		OptimizeInterval:    c.Router.OptimizeInterval,
		HealthCheckInterval: c.Router.HealthCheckInterval,
		HealthCheckTimeout:  c.Router.HealthCheckTimeout,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:             c.Server.Port,
		ReadTimeout:      c.Server.ReadTimeout,
		WriteTimeout:     c.Server.WriteTimeout,
		MaxHeaderBytes:   c.Server.MaxHeaderBytes,
		Security:         c.ToSecurityMiddlewareConfig(),
		ValidateRequests: c.Security.ValidateRequests,
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: security.AuthConfig{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			TokenTTL:    c.Security.TokenTTL,
			RequireAuth: len(c.Security.APIKeys) > 0 || c.Security.JWTSecret != "",
		},
		RateLimit: c.Security.RateLimiting,
		Guard:     c.Security.Guard,
		CORS:      c.Security.CORS,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the registered providers currently marked available
func (c *Config) GetEnabledProviders() []string {
	var names []string
	for _, p := range c.Providers.Registry {
		if p.Available {
			names = append(names, p.Name)
		}
	}
	return names
}
