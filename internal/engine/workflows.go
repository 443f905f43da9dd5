package engine

import (
	"context"

	"github.com/tributary-ai/adaptive-routing-engine/internal/workflow"
)

// CreateWorkflow validates and registers a workflow definition
func (e *AdaptiveRoutingEngine) CreateWorkflow(def *workflow.Definition) (string, error) {
	return e.workflows.CreateWorkflow(def)
}

// ExecuteWorkflow runs a workflow to completion and returns its execution
func (e *AdaptiveRoutingEngine) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]interface{}) (*workflow.Execution, error) {
	return e.workflows.ExecuteWorkflow(ctx, workflowID, inputs)
}

// StartWorkflow launches a workflow in the background
func (e *AdaptiveRoutingEngine) StartWorkflow(ctx context.Context, workflowID string, inputs map[string]interface{}) (*workflow.Execution, error) {
	return e.workflows.StartWorkflow(ctx, workflowID, string(workflow.TriggerManual), inputs)
}

func (e *AdaptiveRoutingEngine) GetWorkflowStatus(workflowID string) (*workflow.WorkflowStatus, error) {
	return e.workflows.GetWorkflowStatus(workflowID)
}

func (e *AdaptiveRoutingEngine) GetExecution(executionID string) (*workflow.Execution, error) {
	return e.workflows.GetExecution(executionID)
}

func (e *AdaptiveRoutingEngine) ListWorkflows() []*workflow.Definition {
	return e.workflows.ListWorkflows()
}

// Trigger injection points. The engine never listens on sockets or watches files;
// the HTTP layer or another collaborator reports what happened.

func (e *AdaptiveRoutingEngine) HandleWebhook(ctx context.Context, path string, payload map[string]interface{}) []*workflow.Execution {
	return e.workflows.HandleWebhook(ctx, path, payload)
}

func (e *AdaptiveRoutingEngine) EmitEvent(ctx context.Context, event string, payload map[string]interface{}) []*workflow.Execution {
	return e.workflows.EmitEvent(ctx, event, payload)
}

func (e *AdaptiveRoutingEngine) NotifyFileChange(ctx context.Context, path string) []*workflow.Execution {
	return e.workflows.NotifyFileChange(ctx, path)
}

func (e *AdaptiveRoutingEngine) ReportMetric(ctx context.Context, metric string, value float64) []*workflow.Execution {
	return e.workflows.ReportMetric(ctx, metric, value)
}
