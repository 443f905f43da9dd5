// Package workflow runs declarative multi-step automations. Definitions are
// immutable once created; each invocation produces an Execution kept in a bounded
// history.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// RequestRouter is the routing path agent_call steps go through
type RequestRouter interface {
	RouteRequest(ctx context.Context, req *types.RoutingRequest) (*types.RoutingResponse, error)
}

// Alerter receives failure alerts for workflows that declare alert channels
type Alerter interface {
	Notify(ctx context.Context, alertType, message string, channels []string) error
}

// Config for the engine
type Config struct {
	HistoryCapacity    int           `yaml:"history_capacity"`
	MaxLoopIterations  int           `yaml:"max_loop_iterations"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	DefinitionsDir     string        `yaml:"definitions_dir"`
}

func DefaultConfig() Config {
	return Config{
		HistoryCapacity:    1000,
		MaxLoopIterations:  100,
		DefaultStepTimeout: 5 * time.Minute,
	}
}

const defaultLoopIterations = 10

// WorkflowStatus is a definition with its retained executions
type WorkflowStatus struct {
	Definition *Definition         `json:"definition"`
	Executions []ExecutionSnapshot `json:"executions"`
}

// Stats summarizes the engine for health reporting
type Stats struct {
	Workflows       int            `json:"workflows"`
	ActiveTriggers  int            `json:"active_triggers"`
	ScheduledJobs   int            `json:"scheduled_jobs"`
	Executions      map[Status]int `json:"executions"`
	HistorySize     int            `json:"history_size"`
	HistoryCapacity int            `json:"history_capacity"`
}

// Engine owns workflow definitions, executions and triggers
type Engine struct {
	config    Config
	router    RequestRouter
	alerter   Alerter
	collector *metrics.Collector
	logger    *logrus.Logger

	mu        sync.RWMutex
	workflows map[string]*Definition
	order     []string

	history *History

	// lifetime bounds asynchronous executions and schedules; Stop cancels it
	lifetime context.Context
	shutdown context.CancelFunc
	inflight sync.WaitGroup

	sched scheduler
}

// NewEngine creates an engine. alerter and collector may be nil.
func NewEngine(config Config, router RequestRouter, alerter Alerter, collector *metrics.Collector, logger *logrus.Logger) *Engine {
	defaults := DefaultConfig()
	if config.HistoryCapacity <= 0 {
		config.HistoryCapacity = defaults.HistoryCapacity
	}
	if config.MaxLoopIterations <= 0 {
		config.MaxLoopIterations = defaults.MaxLoopIterations
	}

	lifetime, shutdown := context.WithCancel(context.Background())
	e := &Engine{
		config:    config,
		router:    router,
		alerter:   alerter,
		collector: collector,
		logger:    logger,
		workflows: make(map[string]*Definition),
		history:   NewHistory(config.HistoryCapacity),
		lifetime:  lifetime,
		shutdown:  shutdown,
	}
	e.sched.init()
	return e
}

// CreateWorkflow validates and stores a definition, returning its id
func (e *Engine) CreateWorkflow(def *Definition) (string, error) {
	if def == nil {
		return "", fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}

	d := *def
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Triggers = append([]Trigger(nil), def.Triggers...)
	for i := range d.Triggers {
		if d.Triggers[i].ID == "" {
			d.Triggers[i].ID = fmt.Sprintf("%s-trigger-%d", d.ID, i)
		}
	}
	if err := d.Validate(); err != nil {
		return "", err
	}
	d.CreatedAt = time.Now()

	e.mu.Lock()
	if _, exists := e.workflows[d.ID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: workflow %q already exists", ErrInvalidDefinition, d.ID)
	}
	e.workflows[d.ID] = &d
	e.order = append(e.order, d.ID)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"workflow_id": d.ID,
		"name":        d.Name,
		"steps":       len(d.Steps),
		"triggers":    len(d.Triggers),
		"parallel":    d.ParallelExecution,
	}).Info("Workflow created")

	e.scheduleWorkflow(&d)
	return d.ID, nil
}

// GetWorkflow returns a stored definition
func (e *Engine) GetWorkflow(id string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return def, nil
}

// ListWorkflows returns definitions in creation order
func (e *Engine) ListWorkflows() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.workflows[id])
	}
	return out
}

// ExecuteWorkflow runs a workflow to completion. Step failures are reported on the
// returned execution; the error covers only unknown workflows.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]interface{}) (*Execution, error) {
	def, err := e.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	exec := e.newExecution(def, string(TriggerManual), inputs)
	e.run(ctx, def, exec)
	return exec, nil
}

// StartWorkflow begins an execution in the background and returns immediately.
// The run is detached from ctx cancellation but ends when the engine stops.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, trigger string, inputs map[string]interface{}) (*Execution, error) {
	def, err := e.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if e.lifetime.Err() != nil {
		return nil, fmt.Errorf("workflow engine stopped: %w", e.lifetime.Err())
	}

	exec := e.newExecution(def, trigger, inputs)
	runCtx, cancel := context.WithCancel(e.lifetime)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		e.run(runCtx, def, exec)
	}()
	return exec, nil
}

// GetExecution looks up a retained execution
func (e *Engine) GetExecution(id string) (*Execution, error) {
	exec, ok := e.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return exec, nil
}

// GetWorkflowStatus returns the definition and its retained executions, oldest first
func (e *Engine) GetWorkflowStatus(workflowID string) (*WorkflowStatus, error) {
	def, err := e.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	execs := e.history.List(workflowID)
	status := &WorkflowStatus{Definition: def, Executions: make([]ExecutionSnapshot, 0, len(execs))}
	for _, exec := range execs {
		status.Executions = append(status.Executions, exec.Snapshot())
	}
	return status, nil
}

// Stats summarizes workflows, triggers and retained executions
func (e *Engine) Stats() Stats {
	stats := Stats{
		Executions:      make(map[Status]int),
		HistorySize:     e.history.Len(),
		HistoryCapacity: e.history.Capacity(),
		ScheduledJobs:   e.sched.count(),
	}
	for _, def := range e.ListWorkflows() {
		stats.Workflows++
		for _, t := range def.Triggers {
			if t.Active {
				stats.ActiveTriggers++
			}
		}
	}
	for _, exec := range e.history.List("") {
		stats.Executions[exec.Status()]++
	}
	return stats
}

func (e *Engine) newExecution(def *Definition, trigger string, inputs map[string]interface{}) *Execution {
	exec := newExecution(uuid.NewString(), def.ID, trigger, inputs)
	if evicted := e.history.Add(exec); evicted != nil {
		e.logger.WithField("execution_id", evicted.id).Debug("Evicted oldest execution from history")
	}
	return exec
}

func (e *Engine) run(ctx context.Context, def *Definition, exec *Execution) {
	exec.start()
	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{
		"workflow_id":  def.ID,
		"execution_id": exec.id,
		"trigger":      exec.trigger,
	})
	log.Info("Workflow execution started")

	var err error
	if def.ParallelExecution {
		err = e.runParallel(ctx, def, exec)
	} else {
		err = e.runSequential(ctx, def, exec)
	}
	duration := time.Since(start)

	if err != nil {
		exec.finish(StatusFailed, err.Error())
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Error("Workflow execution failed")
		e.alertFailure(def, exec, err)
	} else {
		exec.finish(StatusCompleted, "")
		log.WithField("duration_ms", duration.Milliseconds()).Info("Workflow execution completed")
	}
	e.collector.RecordWorkflowExecution(string(exec.Status()), duration)
}

func (e *Engine) runSequential(ctx context.Context, def *Definition, exec *Execution) error {
	for _, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return contextFailure(err)
		}
		if e.shouldSkip(exec, step) {
			exec.skip(step.ID, kindOf(step))
			e.collector.RecordStep(string(kindOf(step)), string(StepSkipped))
			continue
		}
		if err := e.runStep(ctx, def, exec, step); err != nil {
			return err
		}
	}
	return nil
}

// runParallel executes dependency waves: every step whose dependencies have
// finished runs concurrently with the rest of its wave
func (e *Engine) runParallel(ctx context.Context, def *Definition, exec *Execution) error {
	deps := dependencies(def)
	done := make(map[string]bool, len(def.Steps))

	for len(done) < len(def.Steps) {
		if err := ctx.Err(); err != nil {
			return contextFailure(err)
		}

		var wave []Step
		for _, step := range def.Steps {
			if done[step.ID] {
				continue
			}
			ready := true
			for _, dep := range deps[step.ID] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, step)
			}
		}
		if len(wave) == 0 {
			return fmt.Errorf("%w: unresolvable step dependencies", ErrInvalidDefinition)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, step := range wave {
			done[step.ID] = true
			if e.shouldSkip(exec, step) {
				exec.skip(step.ID, kindOf(step))
				e.collector.RecordStep(string(kindOf(step)), string(StepSkipped))
				continue
			}
			step := step
			g.Go(func() error {
				return e.runStep(gctx, def, exec, step)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// shouldSkip reports whether the step was skipped by a branch or depends on a
// skipped step
func (e *Engine) shouldSkip(exec *Execution, step Step) bool {
	if exec.stepStatus(step.ID) == StepSkipped {
		return true
	}
	for _, dep := range step.Dependencies {
		if exec.stepStatus(dep) == StepSkipped {
			return true
		}
	}
	return false
}

func (e *Engine) runStep(ctx context.Context, def *Definition, exec *Execution, step Step) error {
	kind := kindOf(step)
	result, err := e.executeWithRetry(ctx, def, exec, step)
	if err != nil {
		exec.stepFailed(step.ID, err)
		e.collector.RecordStep(string(kind), string(StepFailed))
		e.logger.WithFields(logrus.Fields{
			"workflow_id":  def.ID,
			"execution_id": exec.id,
			"step_id":      step.ID,
		}).WithError(err).Error("Workflow step failed")
		return &StepError{StepID: step.ID, Cause: err}
	}

	exec.stepCompleted(step.ID, result)
	e.collector.RecordStep(string(kind), string(StepCompleted))

	if c, ok := step.Action.(ConditionAction); ok {
		e.applyBranch(def, exec, step.ID, c, result)
	}
	return nil
}

// applyBranch skips the step on the branch not taken
func (e *Engine) applyBranch(def *Definition, exec *Execution, stepID string, c ConditionAction, result interface{}) {
	_, trueStep, falseStep := def.resolveCondition(c)
	taken, _ := result.(bool)

	notTaken := falseStep
	if !taken {
		notTaken = trueStep
	}
	if notTaken == "" || notTaken == trueStep && notTaken == falseStep {
		return
	}
	if target, ok := def.step(notTaken); ok {
		exec.skip(notTaken, kindOf(*target))
		e.logger.WithFields(logrus.Fields{
			"execution_id": exec.id,
			"step_id":      stepID,
			"skipped":      notTaken,
			"result":       taken,
		}).Debug("Condition branch resolved")
	}
}

func (e *Engine) executeWithRetry(ctx context.Context, def *Definition, exec *Execution, step Step) (interface{}, error) {
	attempts := 1 + def.ErrorHandling.RetryCount
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, def.ErrorHandling.RetryDelay.Std()); err != nil {
				return nil, contextFailure(err)
			}
			e.logger.WithFields(logrus.Fields{
				"execution_id": exec.id,
				"step_id":      step.ID,
				"attempt":      attempt,
			}).WithError(lastErr).Warn("Retrying workflow step")
		}

		exec.stepStarted(step.ID, kindOf(step))
		result, err := e.executeStep(ctx, def, exec, step)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// executeStep runs a step's action under the step timeout
func (e *Engine) executeStep(ctx context.Context, def *Definition, exec *Execution, step Step) (interface{}, error) {
	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := e.runAction(stepCtx, def, exec, step.ID, step.Action, nil)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, contextFailure(ctx.Err())
		}
		return nil, err
	}
	return result, nil
}

func (e *Engine) runAction(ctx context.Context, def *Definition, exec *Execution, stepID string, action StepAction, loop map[string]interface{}) (interface{}, error) {
	scope := exec.vars()
	if loop != nil {
		scope["loop"] = loop
	}

	switch a := action.(type) {
	case AgentCallAction:
		return e.callAgent(ctx, exec, stepID, a, scope)
	case ConditionAction:
		src, _, _ := def.resolveCondition(a)
		cond, err := Compile(src)
		if err != nil {
			return nil, err
		}
		return cond.EvalBool(scope)
	case LoopAction:
		return e.runLoop(ctx, def, exec, stepID, a)
	case ParallelAction:
		return e.runNested(ctx, def, exec, a)
	case DelayAction:
		if err := sleep(ctx, a.Duration.Std()); err != nil {
			return nil, err
		}
		return a.Duration.Std().String(), nil
	case TransformAction:
		out := make(map[string]interface{}, len(a.Mappings))
		for key, src := range a.Mappings {
			value, err := Evaluate(src, scope)
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStepKind, action)
	}
}

func (e *Engine) callAgent(ctx context.Context, exec *Execution, stepID string, a AgentCallAction, scope map[string]interface{}) (interface{}, error) {
	if e.router == nil {
		return nil, fmt.Errorf("no request router configured")
	}

	payload := make(map[string]interface{}, len(a.Payload)+1)
	for k, v := range a.Payload {
		rendered, err := render(v, scope)
		if err != nil {
			return nil, fmt.Errorf("payload %q: %w", k, err)
		}
		payload[k] = rendered
	}
	if _, ok := payload["inputs"]; !ok {
		payload["inputs"] = scope["inputs"]
	}

	req := &types.RoutingRequest{
		ID:        uuid.NewString(),
		Type:      a.ContentType,
		Operation: a.Operation,
		Payload:   payload,
		Priority:  types.Priority(a.Priority),
		Metadata: map[string]string{
			"workflow_id":  exec.workflowID,
			"execution_id": exec.id,
			"step_id":      stepID,
		},
		Timestamp: time.Now(),
	}
	if a.Provider != "" {
		req.Metadata[types.MetadataPreferredProvider] = a.Provider
	}
	if a.Model != "" {
		req.Metadata[types.MetadataModel] = a.Model
	}

	resp, err := e.router.RouteRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("router returned no response")
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s: %s", resp.ErrorKind, resp.Error)
	}
	return resp.Data, nil
}

func (e *Engine) runLoop(ctx context.Context, def *Definition, exec *Execution, stepID string, a LoopAction) (interface{}, error) {
	limit := a.MaxIterations
	if limit <= 0 {
		limit = defaultLoopIterations
	}
	if limit > e.config.MaxLoopIterations {
		limit = e.config.MaxLoopIterations
	}

	var until *Expression
	if a.Until != "" {
		compiled, err := Compile(a.Until)
		if err != nil {
			return nil, err
		}
		until = compiled
	}

	results := make([]interface{}, 0, limit)
	var previous interface{}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loop := map[string]interface{}{"index": i, "previous": previous, "results": results}
		out, err := e.runAction(ctx, def, exec, stepID, a.Body, loop)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		results = append(results, out)
		previous = out

		if until != nil {
			scope := exec.vars()
			scope["loop"] = map[string]interface{}{"index": i, "previous": out, "results": results}
			done, err := until.EvalBool(scope)
			if err != nil {
				return nil, fmt.Errorf("iteration %d until: %w", i, err)
			}
			if done {
				break
			}
		}
	}
	return results, nil
}

// runNested runs the sub-steps of a parallel step concurrently; each result is
// stored under its own id and collected under the parent
func (e *Engine) runNested(ctx context.Context, def *Definition, exec *Execution, a ParallelAction) (interface{}, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make(map[string]interface{}, len(a.Steps))
	for _, sub := range a.Steps {
		sub := sub
		g.Go(func() error {
			exec.stepStarted(sub.ID, kindOf(sub))
			res, err := e.executeStep(gctx, def, exec, sub)
			if err != nil {
				exec.stepFailed(sub.ID, err)
				return &StepError{StepID: sub.ID, Cause: err}
			}
			exec.stepCompleted(sub.ID, res)

			mu.Lock()
			out[sub.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) alertFailure(def *Definition, exec *Execution, err error) {
	channels := def.ErrorHandling.AlertChannels
	if e.alerter == nil || len(channels) == 0 {
		return
	}
	msg := fmt.Sprintf("workflow %q (%s) execution %s failed: %v", def.Name, def.ID, exec.id, err)
	if alertErr := e.alerter.Notify(context.Background(), "workflow_failed", msg, channels); alertErr != nil {
		e.logger.WithError(alertErr).WithField("workflow_id", def.ID).Warn("Failed to send workflow alert")
	}
}

func kindOf(step Step) StepKind {
	if step.Action == nil {
		return ""
	}
	return step.Action.Kind()
}

// contextFailure turns a context error into the timeout error executions report
func contextFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStepTimeout, err)
	}
	return fmt.Errorf("execution cancelled: %w", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
