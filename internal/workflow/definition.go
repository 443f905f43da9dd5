package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrStepTimeout        = errors.New("step timed out")
	ErrUnknownStepKind    = errors.New("unknown step type")
	ErrUnknownTriggerKind = errors.New("unknown trigger type")
)

// StepError wraps the failure of a single step
type StepError struct {
	StepID string
	Cause  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Duration accepts Go duration strings ("1m30s") or bare integers in milliseconds
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	value := strings.TrimSpace(node.Value)
	if value == "" {
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Definition is an immutable workflow: triggers, steps, named conditions and
// error handling policy
type Definition struct {
	ID                string        `yaml:"id" json:"id"`
	Name              string        `yaml:"name" json:"name"`
	Description       string        `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers          []Trigger     `yaml:"triggers" json:"triggers"`
	Steps             []Step        `yaml:"steps" json:"steps"`
	Conditions        []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	ParallelExecution bool          `yaml:"parallel_execution" json:"parallel_execution"`
	ErrorHandling     ErrorHandling `yaml:"error_handling" json:"error_handling"`
	CreatedAt         time.Time     `yaml:"-" json:"created_at"`
}

// ErrorHandling is the per-workflow failure policy. FallbackStep is informational:
// the engine never runs it on its own.
type ErrorHandling struct {
	RetryCount    int      `yaml:"retry_count" json:"retry_count"`
	RetryDelay    Duration `yaml:"retry_delay" json:"retry_delay"`
	FallbackStep  string   `yaml:"fallback_step,omitempty" json:"fallback_step,omitempty"`
	AlertChannels []string `yaml:"alert_channels,omitempty" json:"alert_channels,omitempty"`
}

// Condition is a named, reusable branch point referenced by condition steps
type Condition struct {
	ID         string `yaml:"id" json:"id"`
	Expression string `yaml:"expression" json:"expression"`
	TrueStep   string `yaml:"true_step,omitempty" json:"true_step,omitempty"`
	FalseStep  string `yaml:"false_step,omitempty" json:"false_step,omitempty"`
}

// StepKind names a step variant
type StepKind string

const (
	StepAgentCall StepKind = "agent_call"
	StepCondition StepKind = "condition"
	StepLoop      StepKind = "loop"
	StepParallel  StepKind = "parallel"
	StepDelay     StepKind = "delay"
	StepTransform StepKind = "transform"
)

// Step is one unit of work
type Step struct {
	ID           string
	Name         string
	Dependencies []string
	Timeout      Duration
	Action       StepAction
}

// StepAction is the closed set of step variants
type StepAction interface {
	Kind() StepKind
	stepAction()
}

// AgentCallAction routes a request through the engine and stores the response data
type AgentCallAction struct {
	Operation   string                 `yaml:"operation" json:"operation"`
	ContentType string                 `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Provider    string                 `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string                 `yaml:"model,omitempty" json:"model,omitempty"`
	Priority    string                 `yaml:"priority,omitempty" json:"priority,omitempty"`
	Payload     map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// ConditionAction evaluates an expression, either inline or from a named Condition.
// When a branch target is set the step on the other branch is skipped.
type ConditionAction struct {
	Expression  string `yaml:"expression,omitempty" json:"expression,omitempty"`
	ConditionID string `yaml:"condition,omitempty" json:"condition,omitempty"`
	TrueStep    string `yaml:"true_step,omitempty" json:"true_step,omitempty"`
	FalseStep   string `yaml:"false_step,omitempty" json:"false_step,omitempty"`
}

// LoopAction re-runs Body until Until holds or MaxIterations is reached.
// Body is an AgentCallAction or a TransformAction.
type LoopAction struct {
	Body          StepAction `yaml:"-" json:"body"`
	Until         string     `yaml:"until,omitempty" json:"until,omitempty"`
	MaxIterations int        `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// ParallelAction runs nested steps concurrently
type ParallelAction struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

type DelayAction struct {
	Duration Duration `yaml:"duration" json:"duration"`
}

// TransformAction builds a map by evaluating one expression per key
type TransformAction struct {
	Mappings map[string]string `yaml:"mappings" json:"mappings"`
}

func (AgentCallAction) Kind() StepKind { return StepAgentCall }
func (ConditionAction) Kind() StepKind { return StepCondition }
func (LoopAction) Kind() StepKind      { return StepLoop }
func (ParallelAction) Kind() StepKind  { return StepParallel }
func (DelayAction) Kind() StepKind     { return StepDelay }
func (TransformAction) Kind() StepKind { return StepTransform }

func (AgentCallAction) stepAction() {}
func (ConditionAction) stepAction() {}
func (LoopAction) stepAction()      {}
func (ParallelAction) stepAction()  {}
func (DelayAction) stepAction()     {}
func (TransformAction) stepAction() {}

// TriggerKind names a trigger variant
type TriggerKind string

const (
	TriggerWebhook    TriggerKind = "webhook"
	TriggerSchedule   TriggerKind = "schedule"
	TriggerFileChange TriggerKind = "file_change"
	TriggerThreshold  TriggerKind = "threshold"
	TriggerEvent      TriggerKind = "event"
	TriggerManual     TriggerKind = "manual"
)

// Trigger starts executions of a workflow. Inactive triggers are kept but ignored.
type Trigger struct {
	ID     string
	Active bool
	Source TriggerSource
}

// TriggerSource is the closed set of trigger variants
type TriggerSource interface {
	Kind() TriggerKind
	triggerSource()
}

// WebhookTrigger fires when an external caller posts to Path
type WebhookTrigger struct {
	Path string `yaml:"path" json:"path"`
}

// ScheduleTrigger fires every Interval while the engine is started
type ScheduleTrigger struct {
	Interval Duration `yaml:"interval" json:"interval"`
}

// FileChangeTrigger fires on change notifications whose path matches Pattern
// (filepath.Match syntax)
type FileChangeTrigger struct {
	Pattern string `yaml:"pattern" json:"pattern"`
}

// ThresholdTrigger fires when a reported metric crosses into Operator Value
type ThresholdTrigger struct {
	Metric   string  `yaml:"metric" json:"metric"`
	Operator string  `yaml:"operator" json:"operator"`
	Value    float64 `yaml:"value" json:"value"`
}

type EventTrigger struct {
	Event string `yaml:"event" json:"event"`
}

type ManualTrigger struct{}

func (WebhookTrigger) Kind() TriggerKind    { return TriggerWebhook }
func (ScheduleTrigger) Kind() TriggerKind   { return TriggerSchedule }
func (FileChangeTrigger) Kind() TriggerKind { return TriggerFileChange }
func (ThresholdTrigger) Kind() TriggerKind  { return TriggerThreshold }
func (EventTrigger) Kind() TriggerKind      { return TriggerEvent }
func (ManualTrigger) Kind() TriggerKind     { return TriggerManual }

func (WebhookTrigger) triggerSource()    {}
func (ScheduleTrigger) triggerSource()   {}
func (FileChangeTrigger) triggerSource() {}
func (ThresholdTrigger) triggerSource()  {}
func (EventTrigger) triggerSource()      {}
func (ManualTrigger) triggerSource()     {}

// step looks up a top-level or nested step by id
func (d *Definition) step(id string) (*Step, bool) {
	var find func(steps []Step) (*Step, bool)
	find = func(steps []Step) (*Step, bool) {
		for i := range steps {
			if steps[i].ID == id {
				return &steps[i], true
			}
			if p, ok := steps[i].Action.(ParallelAction); ok {
				if s, ok := find(p.Steps); ok {
					return s, true
				}
			}
		}
		return nil, false
	}
	return find(d.Steps)
}

func (d *Definition) condition(id string) (Condition, bool) {
	for _, c := range d.Conditions {
		if c.ID == id {
			return c, true
		}
	}
	return Condition{}, false
}

// resolveCondition returns the expression and branch targets of a condition step
func (d *Definition) resolveCondition(a ConditionAction) (expr, trueStep, falseStep string) {
	expr, trueStep, falseStep = a.Expression, a.TrueStep, a.FalseStep
	if a.ConditionID != "" {
		if c, ok := d.condition(a.ConditionID); ok {
			if expr == "" {
				expr = c.Expression
			}
			if trueStep == "" {
				trueStep = c.TrueStep
			}
			if falseStep == "" {
				falseStep = c.FalseStep
			}
		}
	}
	return expr, trueStep, falseStep
}
