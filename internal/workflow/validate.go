package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks a definition before it is accepted by the engine
func (d *Definition) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(d.Steps) == 0 {
		addf("workflow has no steps")
	}

	conditionIDs := make(map[string]bool)
	for _, c := range d.Conditions {
		if c.ID == "" {
			addf("condition without id")
		} else if conditionIDs[c.ID] {
			addf("duplicate condition id %q", c.ID)
		}
		conditionIDs[c.ID] = true
		if _, err := Compile(c.Expression); err != nil {
			addf("condition %q: %v", c.ID, err)
		}
	}

	position := make(map[string]int, len(d.Steps))
	seen := make(map[string]bool)
	var checkIDs func(steps []Step, nested bool)
	checkIDs = func(steps []Step, nested bool) {
		for i, s := range steps {
			switch {
			case s.ID == "":
				addf("step without id")
			case seen[s.ID]:
				addf("duplicate step id %q", s.ID)
			}
			seen[s.ID] = true
			if !nested {
				position[s.ID] = i
			}
			if p, ok := s.Action.(ParallelAction); ok {
				checkIDs(p.Steps, true)
			}
		}
	}
	checkIDs(d.Steps, false)

	for i, s := range d.Steps {
		for _, dep := range s.Dependencies {
			pos, ok := position[dep]
			switch {
			case !ok:
				addf("step %q depends on unknown step %q", s.ID, dep)
			case dep == s.ID:
				addf("step %q depends on itself", s.ID)
			case !d.ParallelExecution && pos > i:
				addf("step %q depends on later step %q in sequential mode", s.ID, dep)
			}
		}
		d.validateAction(s.ID, s.Action, i, position, conditionIDs, false, addf)
		if s.Timeout < 0 {
			addf("step %q has a negative timeout", s.ID)
		}
	}

	if len(problems) == 0 {
		if cycle := findCycle(d); cycle != "" {
			addf("dependency cycle through step %q", cycle)
		}
	}

	for i, t := range d.Triggers {
		name := t.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		switch src := t.Source.(type) {
		case nil:
			addf("trigger %s has no type", name)
		case WebhookTrigger:
			if strings.Trim(src.Path, "/") == "" {
				addf("webhook trigger %s requires a path", name)
			}
		case ScheduleTrigger:
			if src.Interval <= 0 {
				addf("schedule trigger %s requires a positive interval", name)
			}
		case FileChangeTrigger:
			if src.Pattern == "" {
				addf("file_change trigger %s requires a pattern", name)
			} else if _, err := filepath.Match(src.Pattern, ""); err != nil {
				addf("file_change trigger %s: %v", name, err)
			}
		case ThresholdTrigger:
			if src.Metric == "" {
				addf("threshold trigger %s requires a metric", name)
			}
			if !isComparison(src.Operator) {
				addf("threshold trigger %s has invalid operator %q", name, src.Operator)
			}
		case EventTrigger:
			if src.Event == "" {
				addf("event trigger %s requires an event name", name)
			}
		case ManualTrigger:
		}
	}

	if d.ErrorHandling.RetryCount < 0 {
		addf("retry_count must not be negative")
	}
	if d.ErrorHandling.RetryDelay < 0 {
		addf("retry_delay must not be negative")
	}
	if fb := d.ErrorHandling.FallbackStep; fb != "" && !seen[fb] {
		addf("fallback_step %q does not exist", fb)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

func (d *Definition) validateAction(stepID string, action StepAction, index int, position map[string]int, conditionIDs map[string]bool, nested bool, addf func(string, ...interface{})) {
	switch a := action.(type) {
	case nil:
		addf("step %q has no type", stepID)
	case AgentCallAction:
		if a.Operation == "" {
			addf("agent_call step %q requires an operation", stepID)
		}
	case ConditionAction:
		if a.ConditionID != "" && !conditionIDs[a.ConditionID] {
			addf("step %q references unknown condition %q", stepID, a.ConditionID)
			return
		}
		expr, trueStep, falseStep := d.resolveCondition(a)
		if _, err := Compile(expr); err != nil {
			addf("step %q: %v", stepID, err)
		}
		for _, target := range []string{trueStep, falseStep} {
			if target == "" {
				continue
			}
			pos, ok := position[target]
			switch {
			case !ok:
				addf("step %q branches to unknown step %q", stepID, target)
			case target == stepID:
				addf("step %q branches to itself", stepID)
			case nested:
				addf("nested step %q cannot branch", stepID)
			case !d.ParallelExecution && pos < index:
				addf("step %q branches to earlier step %q", stepID, target)
			}
		}
	case LoopAction:
		switch a.Body.(type) {
		case AgentCallAction, TransformAction:
			d.validateAction(stepID, a.Body, index, position, conditionIDs, nested, addf)
		default:
			addf("loop step %q body must be agent_call or transform", stepID)
		}
		if a.Until != "" {
			if _, err := Compile(a.Until); err != nil {
				addf("step %q until: %v", stepID, err)
			}
		}
		if a.MaxIterations < 0 {
			addf("loop step %q has negative max_iterations", stepID)
		}
	case ParallelAction:
		if len(a.Steps) == 0 {
			addf("parallel step %q has no steps", stepID)
		}
		for _, sub := range a.Steps {
			if len(sub.Dependencies) > 0 {
				addf("nested step %q cannot declare dependencies", sub.ID)
			}
			d.validateAction(sub.ID, sub.Action, index, position, conditionIDs, true, addf)
		}
	case DelayAction:
		if a.Duration < 0 {
			addf("delay step %q has a negative duration", stepID)
		}
	case TransformAction:
		if len(a.Mappings) == 0 {
			addf("transform step %q has no mappings", stepID)
		}
		for key, src := range a.Mappings {
			if _, err := Compile(src); err != nil {
				addf("step %q mapping %q: %v", stepID, key, err)
			}
		}
	}
}

// dependencies returns explicit dependencies plus the implicit edge from a
// condition step to each of its branch targets
func dependencies(d *Definition) map[string][]string {
	deps := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		deps[s.ID] = append(deps[s.ID], s.Dependencies...)
		if c, ok := s.Action.(ConditionAction); ok {
			_, trueStep, falseStep := d.resolveCondition(c)
			for _, target := range []string{trueStep, falseStep} {
				if target != "" && target != s.ID {
					deps[target] = append(deps[target], s.ID)
				}
			}
		}
	}
	return deps
}

// findCycle returns a step on a dependency cycle, or ""
func findCycle(d *Definition) string {
	deps := dependencies(d)
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case visited:
			return ""
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if c := visit(dep); c != "" {
				return c
			}
		}
		state[id] = visited
		return ""
	}

	for _, s := range d.Steps {
		if c := visit(s.ID); c != "" {
			return c
		}
	}
	return ""
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", ">", "<", ">=", "<=":
		return true
	}
	return false
}
