package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/config"
	"github.com/tributary-ai/adaptive-routing-engine/internal/engine"
	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/anthropic"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/openai"
	"github.com/tributary-ai/adaptive-routing-engine/internal/server"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config *config.Config
	engine *engine.AdaptiveRoutingEngine
	server *server.Server
	logger *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	executor, err := registerProviders(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("routing_engine", registry)

	eng, err := engine.New(cfg.ToEngineConfig(), executor, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if err := loadWorkflows(eng, cfg.Workflows.DefinitionsDir, logger); err != nil {
		return nil, err
	}

	srv, err := server.NewServer(eng, cfg.ToServerConfig(), registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config: cfg,
		engine: eng,
		server: srv,
		logger: logger,
	}, nil
}

// Run starts the engine and the HTTP server, then blocks until a shutdown signal
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting adaptive routing engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.engine.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	app.engine.Stop()

	app.logger.Info("Graceful shutdown completed")
	return runErr
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders wires every configured adapter into one executor
func registerProviders(cfg *config.Config, logger *logrus.Logger) (*providers.ProviderExecutor, error) {
	executor := providers.NewProviderExecutor(logger)
	registered := 0

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		executor.Register(openai.NewOpenAIProvider(cfg.Providers.OpenAI, logger))
		logger.WithFields(logrus.Fields{
			"provider": "openai",
			"models":   len(cfg.Providers.OpenAI.Models),
		}).Info("OpenAI provider registered")
		registered++
	}

	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		executor.Register(anthropic.NewAnthropicProvider(cfg.Providers.Anthropic, logger))
		logger.WithFields(logrus.Fields{
			"provider": "anthropic",
			"models":   len(cfg.Providers.Anthropic.Models),
		}).Info("Anthropic provider registered")
		registered++
	}

	if registered == 0 {
		return nil, fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", registered).Info("Provider registration completed")
	return executor, nil
}

// loadWorkflows registers every definition found in dir; an empty dir is skipped
func loadWorkflows(eng *engine.AdaptiveRoutingEngine, dir string, logger *logrus.Logger) error {
	if dir == "" {
		return nil
	}

	defs, err := workflow.LoadDefinitions(dir)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}
	for _, def := range defs {
		id, err := eng.CreateWorkflow(def)
		if err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", def.Name, err)
		}
		logger.WithFields(logrus.Fields{
			"workflow_id": id,
			"name":        def.Name,
		}).Debug("Workflow definition loaded")
	}
	logger.WithFields(logrus.Fields{
		"dir":   dir,
		"count": len(defs),
	}).Info("Workflow definitions loaded")
	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY                   OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY                Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_PORT              Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_LOG_LEVEL         Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_LOG_FORMAT        Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_DEFAULT_PROVIDER  Provider used when nothing else qualifies\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_JWT_SECRET        Secret for bearer token validation\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_API_KEYS          Comma separated API keys\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Adaptive Routing Engine v%s\n", version)
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
