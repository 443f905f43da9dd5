package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-routing-engine/internal/config"
	"github.com/tributary-ai/adaptive-routing-engine/internal/engine"
	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/anthropic"
	"github.com/tributary-ai/adaptive-routing-engine/internal/providers/openai"
	"github.com/tributary-ai/adaptive-routing-engine/internal/server"
	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

const apiKey = "integration-key-01"

// upstreams fakes both vendor APIs. openai can be taken down; anthropic records prompts.
type upstreams struct {
	openai     *httptest.Server
	anthropic  *httptest.Server
	openaiDown atomic.Bool

	mu      sync.Mutex
	prompts []string
}

func newUpstreams(t *testing.T) *upstreams {
	t.Helper()
	u := &upstreams{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if u.openaiDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","type":"server_error"}}`))
			return
		}
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if n := len(body.Messages); n > 0 {
			u.record(body.Messages[n-1].Content)
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-int",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "from openai"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`))
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if u.openaiDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"id": "gpt-4o-mini", "object": "model"}]}`))
	})
	u.openai = httptest.NewServer(mux)
	t.Cleanup(u.openai.Close)

	u.anthropic = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if n := len(body.Messages); n > 0 && len(body.Messages[n-1].Content) > 0 {
			u.record(body.Messages[n-1].Content[0].Text)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_int",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [{"type": "text", "text": "from anthropic"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 2}
		}`))
	}))
	t.Cleanup(u.anthropic.Close)

	return u
}

func (u *upstreams) record(prompt string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompts = append(u.prompts, prompt)
}

func (u *upstreams) seen(prompt string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range u.prompts {
		if p == prompt {
			return true
		}
	}
	return false
}

const qaWorkflow = `
id: qa
name: Question answering
triggers:
  - type: webhook
    path: questions
steps:
  - id: answer
    type: agent_call
    operation: chat
    content_type: text
    payload:
      prompt: "{{ inputs.question }}"
  - id: answered
    type: condition
    dependencies: [answer]
    expression: answer.content != ""
`

func writeFiles(t *testing.T, u *upstreams) string {
	t.Helper()
	dir := t.TempDir()
	workflows := filepath.Join(dir, "workflows")
	require.NoError(t, os.Mkdir(workflows, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workflows, "qa.yaml"), []byte(qaWorkflow), 0o600))

	cfg := fmt.Sprintf(`
logging:
  level: warn
security:
  api_keys: [%s]
router:
  fallback_chain: [openai, anthropic]
  request_timeout: 10s
  health_check_timeout: 2s
circuit_breaker:
  failure_threshold: 3
  timeout: 1m
recovery:
  rate_limit_backoff: 0s
workflows:
  definitions_dir: %s
providers:
  registry:
    - name: openai
      cost: 0.001
      quality: 0.9
      avg_latency: 300
      available: true
      supported_types: [text]
    - name: anthropic
      cost: 0.004
      quality: 0.8
      avg_latency: 1500
      available: true
      supported_types: [text]
  openai:
    api_key: test-openai
    base_url: %s/v1
    timeout: 5s
    models:
      - name: gpt-4o-mini
        input_cost_per_1k: 0.00015
        output_cost_per_1k: 0.0006
  anthropic:
    api_key: test-anthropic
    base_url: %s
    timeout: 5s
    models:
      - name: claude-3-5-haiku-latest
        input_cost_per_1k: 0.0008
        output_cost_per_1k: 0.004
`, apiKey, workflows, u.openai.URL, u.anthropic.URL)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

type stack struct {
	handler http.Handler
	engine  *engine.AdaptiveRoutingEngine
}

// buildStack wires the same pieces as the binary does
func buildStack(t *testing.T, configPath string) *stack {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	executor := providers.NewProviderExecutor(logger)
	executor.Register(openai.NewOpenAIProvider(cfg.Providers.OpenAI, logger))
	executor.Register(anthropic.NewAnthropicProvider(cfg.Providers.Anthropic, logger))

	reg := prometheus.NewRegistry()
	eng, err := engine.New(cfg.ToEngineConfig(), executor, metrics.NewCollector("integration", reg), logger)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	defs, err := workflow.LoadDefinitions(cfg.Workflows.DefinitionsDir)
	require.NoError(t, err)
	for _, def := range defs {
		_, err := eng.CreateWorkflow(def)
		require.NoError(t, err)
	}

	srv, err := server.NewServer(eng, cfg.ToServerConfig(), reg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return &stack{handler: srv.Handler(), engine: eng}
}

func (s *stack) call(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("X-API-Key", apiKey)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)

	out := make(map[string]interface{})
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestRoutingWithFallbackEndToEnd(t *testing.T) {
	u := newUpstreams(t)
	s := buildStack(t, writeFiles(t, u))

	code, resp := s.call(t, http.MethodPost, "/v1/route", `{"type":"text","operation":"chat","payload":{"prompt":"first"}}`)
	require.Equal(t, http.StatusOK, code, resp)
	meta := resp["metadata"].(map[string]interface{})
	assert.Equal(t, "openai", meta["provider"])
	assert.Equal(t, "from openai", resp["data"].(map[string]interface{})["content"])
	assert.True(t, u.seen("first"))

	u.openaiDown.Store(true)
	code, resp = s.call(t, http.MethodPost, "/v1/route", `{"type":"text","operation":"chat","payload":{"prompt":"second"}}`)
	require.Equal(t, http.StatusOK, code, resp)
	meta = resp["metadata"].(map[string]interface{})
	assert.Equal(t, "anthropic", meta["provider"])
	assert.Equal(t, true, meta["fallback_used"])
	assert.EqualValues(t, 2, meta["attempts"])
	assert.True(t, u.seen("second"))

	s.engine.CheckHealth(context.Background())
	code, health := s.call(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.StatusDegraded, health["status"])

	u.openaiDown.Store(false)
	s.engine.CheckHealth(context.Background())
	assert.Equal(t, engine.StatusHealthy, s.engine.GetHealthStatus().Status)
}

func TestRejectsUnauthenticatedAndInvalidRequests(t *testing.T) {
	u := newUpstreams(t)
	s := buildStack(t, writeFiles(t, u))

	r := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(`{"type":"text"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	code, _ := s.call(t, http.MethodPost, "/v1/route", `{"operation":"chat"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWorkflowFromDefinitionsDir(t *testing.T) {
	u := newUpstreams(t)
	s := buildStack(t, writeFiles(t, u))

	code, list := s.call(t, http.MethodGet, "/v1/workflows", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, list["count"])

	code, snap := s.call(t, http.MethodPost, "/v1/workflows/qa/execute", `{"inputs":{"question":"what is routing"}}`)
	require.Equal(t, http.StatusOK, code, snap)
	assert.Equal(t, "completed", snap["status"])
	results := snap["results"].(map[string]interface{})
	assert.Equal(t, true, results["answered"])
	assert.True(t, u.seen("what is routing"))

	code, started := s.call(t, http.MethodPost, "/v1/hooks/questions", `{"question":"via webhook"}`)
	require.Equal(t, http.StatusAccepted, code, started)
	ids := started["executions"].([]interface{})
	require.Len(t, ids, 1)

	execPath := "/v1/executions/" + ids[0].(string)
	assert.Eventually(t, func() bool {
		code, exec := s.call(t, http.MethodGet, execPath, "")
		return code == http.StatusOK && exec["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, u.seen("via webhook"))
}
