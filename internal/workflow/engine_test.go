package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// fakeRouter answers agent calls through respond and records each request
type fakeRouter struct {
	mu      sync.Mutex
	calls   []*types.RoutingRequest
	respond func(req *types.RoutingRequest) (*types.RoutingResponse, error)
}

func (f *fakeRouter) RouteRequest(ctx context.Context, req *types.RoutingRequest) (*types.RoutingResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &types.RoutingResponse{Success: true, Data: map[string]interface{}{"operation": req.Operation}}, nil
	}
	return respond(req)
}

func (f *fakeRouter) requests() []*types.RoutingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.RoutingRequest(nil), f.calls...)
}

type recordedAlert struct {
	alertType string
	message   string
	channels  []string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (f *fakeAlerter) Notify(ctx context.Context, alertType, message string, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, recordedAlert{alertType, message, channels})
	return nil
}

func (f *fakeAlerter) sent() []recordedAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedAlert(nil), f.alerts...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func createTestEngine(t *testing.T, router RequestRouter, alerter Alerter) *Engine {
	t.Helper()
	e := NewEngine(DefaultConfig(), router, alerter, nil, testLogger())
	t.Cleanup(e.Stop)
	return e
}

func agentStep(id string, deps ...string) Step {
	return Step{ID: id, Dependencies: deps, Action: AgentCallAction{Operation: "op-" + id}}
}

func delayStep(id string, d time.Duration, deps ...string) Step {
	return Step{ID: id, Dependencies: deps, Action: DelayAction{Duration: Duration(d)}}
}

func TestCreateWorkflow(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)

	id, err := e.CreateWorkflow(&Definition{
		Name:     "summarize",
		Steps:    []Step{agentStep("a")},
		Triggers: []Trigger{{Active: true, Source: ManualTrigger{}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	def, err := e.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, "summarize", def.Name)
	assert.False(t, def.CreatedAt.IsZero())
	assert.NotEmpty(t, def.Triggers[0].ID)

	_, err = e.CreateWorkflow(&Definition{ID: id, Steps: []Step{agentStep("a")}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = e.GetWorkflow("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCreateWorkflowRejectsInvalid(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)

	tests := []struct {
		name string
		def  *Definition
	}{
		{"no steps", &Definition{Name: "empty"}},
		{"unknown dependency", &Definition{Steps: []Step{agentStep("a", "ghost")}}},
		{"duplicate ids", &Definition{Steps: []Step{agentStep("a"), agentStep("a")}}},
		{"later dependency in sequential mode", &Definition{Steps: []Step{agentStep("a", "b"), agentStep("b")}}},
		{"cycle", &Definition{ParallelExecution: true, Steps: []Step{agentStep("a", "b"), agentStep("b", "a")}}},
		{"bad expression", &Definition{Steps: []Step{{ID: "c", Action: ConditionAction{Expression: "a =="}}}}},
		{"schedule without interval", &Definition{
			Steps:    []Step{agentStep("a")},
			Triggers: []Trigger{{Active: true, Source: ScheduleTrigger{}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateWorkflow(tt.def)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
	assert.Empty(t, e.ListWorkflows())
}

func TestExecuteSequential(t *testing.T) {
	router := &fakeRouter{}
	e := createTestEngine(t, router, nil)

	id, err := e.CreateWorkflow(&Definition{
		Name: "sequence",
		Steps: []Step{
			agentStep("first"),
			delayStep("pause", 5*time.Millisecond),
			agentStep("second", "first"),
		},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	snap := exec.Snapshot()
	require.Len(t, snap.Steps, 3)
	assert.Equal(t, []string{"first", "pause", "second"}, []string{snap.Steps[0].StepID, snap.Steps[1].StepID, snap.Steps[2].StepID})
	for i := 1; i < len(snap.Steps); i++ {
		assert.False(t, snap.Steps[i].StartTime.Before(snap.Steps[i-1].EndTime), "step %s started before previous finished", snap.Steps[i].StepID)
	}

	calls := router.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, "op-first", calls[0].Operation)
	assert.Equal(t, id, calls[0].Metadata["workflow_id"])
	assert.Equal(t, exec.ID(), calls[0].Metadata["execution_id"])
	assert.Equal(t, "first", calls[0].Metadata["step_id"])
	assert.Equal(t, map[string]interface{}{"topic": "go"}, calls[0].Payload["inputs"])

	result, ok := exec.Result("first")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"operation": "op-first"}, result)
}

func TestExecuteParallelWaves(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)

	id, err := e.CreateWorkflow(&Definition{
		ParallelExecution: true,
		Steps: []Step{
			delayStep("a", 50*time.Millisecond),
			delayStep("b", 50*time.Millisecond),
			delayStep("c", 50*time.Millisecond),
			agentStep("join", "a", "b", "c"),
		},
	})
	require.NoError(t, err)

	start := time.Now()
	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Less(t, elapsed, 140*time.Millisecond, "independent steps should overlap")

	join, ok := exec.Step("join")
	require.True(t, ok)
	for _, dep := range []string{"a", "b", "c"} {
		rec, ok := exec.Step(dep)
		require.True(t, ok)
		assert.False(t, join.StartTime.Before(rec.EndTime), "join started before %s finished", dep)
	}
}

func TestConditionBranching(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		completed string
		skipped   []string
	}{
		{"true branch", 0.9, "publish", []string{"review", "notify"}},
		{"false branch", 0.2, "review", []string{"publish"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := createTestEngine(t, &fakeRouter{}, nil)
			id, err := e.CreateWorkflow(&Definition{
				Steps: []Step{
					{ID: "check", Action: ConditionAction{Expression: "inputs.score >= 0.5", TrueStep: "publish", FalseStep: "review"}},
					agentStep("publish"),
					agentStep("review"),
					agentStep("notify", "review"),
				},
			})
			require.NoError(t, err)

			exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"score": tt.score})
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, exec.Status())

			rec, _ := exec.Step(tt.completed)
			assert.Equal(t, StepCompleted, rec.Status)
			for _, s := range tt.skipped {
				rec, ok := exec.Step(s)
				require.True(t, ok, s)
				assert.Equal(t, StepSkipped, rec.Status, s)
			}
		})
	}
}

func TestNamedConditionInParallelMode(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)
	id, err := e.CreateWorkflow(&Definition{
		ParallelExecution: true,
		Conditions:        []Condition{{ID: "big", Expression: "inputs.size > 10", TrueStep: "split", FalseStep: "direct"}},
		Steps: []Step{
			{ID: "check", Action: ConditionAction{ConditionID: "big"}},
			agentStep("split"),
			agentStep("direct"),
		},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"size": 3})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	split, _ := exec.Step("split")
	direct, _ := exec.Step("direct")
	assert.Equal(t, StepSkipped, split.Status)
	assert.Equal(t, StepCompleted, direct.Status)
	result, _ := exec.Result("check")
	assert.Equal(t, false, result)
}

func TestStepTimeout(t *testing.T) {
	alerter := &fakeAlerter{}
	e := createTestEngine(t, &fakeRouter{}, alerter)

	id, err := e.CreateWorkflow(&Definition{
		Name: "slow",
		Steps: []Step{
			{ID: "wait", Timeout: Duration(20 * time.Millisecond), Action: DelayAction{Duration: Duration(time.Second)}},
			agentStep("after"),
		},
		ErrorHandling: ErrorHandling{AlertChannels: []string{"console"}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status())
	assert.Contains(t, exec.Error(), ErrStepTimeout.Error())

	rec, _ := exec.Step("wait")
	assert.Equal(t, StepFailed, rec.Status)
	_, ran := exec.Step("after")
	assert.False(t, ran)

	alerts := alerter.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, "workflow_failed", alerts[0].alertType)
	assert.Equal(t, []string{"console"}, alerts[0].channels)
	assert.Contains(t, alerts[0].message, exec.ID())
}

func TestExecutionDeadline(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)
	id, err := e.CreateWorkflow(&Definition{Steps: []Step{delayStep("wait", time.Second)}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	exec, err := e.ExecuteWorkflow(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status())
	assert.Contains(t, exec.Error(), "timed out")
}

func TestStepRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	router := &fakeRouter{respond: func(req *types.RoutingRequest) (*types.RoutingResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return &types.RoutingResponse{Success: false, ErrorKind: types.ErrorKindServiceUnavailable, Error: "upstream down"}, nil
		}
		return &types.RoutingResponse{Success: true, Data: "ok"}, nil
	}}
	e := createTestEngine(t, router, nil)

	id, err := e.CreateWorkflow(&Definition{
		Steps:         []Step{agentStep("call")},
		ErrorHandling: ErrorHandling{RetryCount: 2, RetryDelay: Duration(time.Millisecond)},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())

	rec, _ := exec.Step("call")
	assert.Equal(t, 3, rec.Attempts)
	result, _ := exec.Result("call")
	assert.Equal(t, "ok", result)
}

func TestStepFailureStopsExecution(t *testing.T) {
	router := &fakeRouter{respond: func(req *types.RoutingRequest) (*types.RoutingResponse, error) {
		if req.Operation == "op-bad" {
			return nil, errors.New("boom")
		}
		return &types.RoutingResponse{Success: true}, nil
	}}
	e := createTestEngine(t, router, nil)

	id, err := e.CreateWorkflow(&Definition{Steps: []Step{agentStep("bad"), agentStep("next")}})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status())
	assert.Contains(t, exec.Error(), "step bad failed")
	assert.Len(t, router.requests(), 1)
}

func TestLoopStep(t *testing.T) {
	router := &fakeRouter{respond: func(req *types.RoutingRequest) (*types.RoutingResponse, error) {
		return &types.RoutingResponse{Success: true, Data: map[string]interface{}{"n": req.Payload["n"]}}, nil
	}}
	e := createTestEngine(t, router, nil)

	id, err := e.CreateWorkflow(&Definition{
		Steps: []Step{{
			ID: "refine",
			Action: LoopAction{
				Body:          AgentCallAction{Operation: "refine", Payload: map[string]interface{}{"n": "{{loop.index}}"}},
				Until:         "loop.previous.n >= 2",
				MaxIterations: 5,
			},
		}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status())

	result, _ := exec.Result("refine")
	iterations, ok := result.([]interface{})
	require.True(t, ok)
	assert.Len(t, iterations, 3)
	assert.Len(t, router.requests(), 3)
}

func TestLoopIsCapped(t *testing.T) {
	router := &fakeRouter{}
	e := NewEngine(Config{MaxLoopIterations: 4}, router, nil, nil, testLogger())
	t.Cleanup(e.Stop)

	id, err := e.CreateWorkflow(&Definition{
		Steps: []Step{{ID: "spin", Action: LoopAction{Body: AgentCallAction{Operation: "x"}, MaxIterations: 50}}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status())
	assert.Len(t, router.requests(), 4)
}

func TestParallelStep(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)

	id, err := e.CreateWorkflow(&Definition{
		Steps: []Step{{
			ID: "fanout",
			Action: ParallelAction{Steps: []Step{
				agentStep("left"),
				agentStep("right"),
			}},
		}},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status())

	result, _ := exec.Result("fanout")
	grouped, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, grouped, "left")
	assert.Contains(t, grouped, "right")

	left, ok := exec.Result("left")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"operation": "op-left"}, left)
}

func TestTransformStep(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)

	id, err := e.CreateWorkflow(&Definition{
		Steps: []Step{
			agentStep("fetch"),
			{ID: "shape", Dependencies: []string{"fetch"}, Action: TransformAction{Mappings: map[string]string{
				"op":      "fetch.operation",
				"user":    "inputs.user",
				"premium": "inputs.tier == 'gold'",
			}}},
		},
	})
	require.NoError(t, err)

	exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"user": "ada", "tier": "gold"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status())

	result, _ := exec.Result("shape")
	assert.Equal(t, map[string]interface{}{"op": "op-fetch", "user": "ada", "premium": true}, result)
}

func TestAgentCallRendersPayload(t *testing.T) {
	router := &fakeRouter{}
	e := createTestEngine(t, router, nil)

	id, err := e.CreateWorkflow(&Definition{
		Steps: []Step{{
			ID: "ask",
			Action: AgentCallAction{
				Operation:   "chat",
				ContentType: "text",
				Provider:    "openai",
				Model:       "gpt-4o",
				Priority:    "high",
				Payload: map[string]interface{}{
					"prompt": "Summarize {{inputs.title}} in {{inputs.words}} words",
					"limit":  "{{inputs.words}}",
				},
			},
		}},
	})
	require.NoError(t, err)

	_, err = e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"title": "Go", "words": 50})
	require.NoError(t, err)

	calls := router.requests()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "Summarize Go in 50 words", req.Payload["prompt"])
	assert.Equal(t, 50, req.Payload["limit"])
	assert.Equal(t, "text", req.Type)
	assert.Equal(t, types.PriorityHigh, req.Priority)
	assert.Equal(t, "openai", req.Metadata[types.MetadataPreferredProvider])
	assert.Equal(t, "gpt-4o", req.Metadata[types.MetadataModel])
	assert.NotEmpty(t, req.ID)
}

func TestStartWorkflowAsync(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)
	id, err := e.CreateWorkflow(&Definition{Steps: []Step{delayStep("wait", 10*time.Millisecond)}})
	require.NoError(t, err)

	exec, err := e.StartWorkflow(context.Background(), id, "manual", nil)
	require.NoError(t, err)

	found, err := e.GetExecution(exec.ID())
	require.NoError(t, err)
	assert.Same(t, exec, found)

	select {
	case <-exec.Done():
	case <-time.After(time.Second):
		t.Fatal("execution did not finish")
	}
	assert.Equal(t, StatusCompleted, exec.Status())

	_, err = e.GetExecution("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestHistoryEviction(t *testing.T) {
	e := NewEngine(Config{HistoryCapacity: 3}, &fakeRouter{}, nil, nil, testLogger())
	t.Cleanup(e.Stop)

	id, err := e.CreateWorkflow(&Definition{Steps: []Step{agentStep("a")}})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"i": i})
		require.NoError(t, err)
		ids = append(ids, exec.ID())
	}

	status, err := e.GetWorkflowStatus(id)
	require.NoError(t, err)
	require.Len(t, status.Executions, 3)
	assert.Equal(t, ids[2:], []string{status.Executions[0].ID, status.Executions[1].ID, status.Executions[2].ID})

	_, err = e.GetExecution(ids[0])
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Workflows)
	assert.Equal(t, 3, stats.HistorySize)
	assert.Equal(t, 3, stats.Executions[StatusCompleted])
}

func TestConcurrentExecutions(t *testing.T) {
	e := createTestEngine(t, &fakeRouter{}, nil)
	id, err := e.CreateWorkflow(&Definition{ParallelExecution: true, Steps: []Step{agentStep("a"), agentStep("b", "a")}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := e.ExecuteWorkflow(context.Background(), id, map[string]interface{}{"i": i})
			assert.NoError(t, err)
			assert.Equal(t, StatusCompleted, exec.Status(), fmt.Sprintf("run %d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, e.Stats().Executions[StatusCompleted])
}
