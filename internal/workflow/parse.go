package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow from YAML. JSON documents are valid YAML and
// go through the same path.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return &def, nil
}

// LoadDefinitions parses every .yaml, .yml and .json file in dir, in name order
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow file %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("workflow file %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

type stepHeader struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Type         StepKind `yaml:"type"`
	Dependencies []string `yaml:"dependencies"`
	Timeout      Duration `yaml:"timeout"`
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var h stepHeader
	if err := node.Decode(&h); err != nil {
		return err
	}
	action, err := decodeStepAction(h.Type, node)
	if err != nil {
		return fmt.Errorf("step %q: %w", h.ID, err)
	}

	*s = Step{
		ID:           h.ID,
		Name:         h.Name,
		Dependencies: h.Dependencies,
		Timeout:      h.Timeout,
		Action:       action,
	}
	return nil
}

func decodeStepAction(kind StepKind, node *yaml.Node) (StepAction, error) {
	switch kind {
	case StepAgentCall:
		var a AgentCallAction
		err := node.Decode(&a)
		return a, err
	case StepCondition:
		var a ConditionAction
		err := node.Decode(&a)
		return a, err
	case StepLoop:
		var a LoopAction
		if err := node.Decode(&a); err != nil {
			return nil, err
		}
		var raw struct {
			Body yaml.Node `yaml:"body"`
		}
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		if raw.Body.Kind == 0 {
			return nil, fmt.Errorf("loop requires a body")
		}
		var bodyHeader struct {
			Type StepKind `yaml:"type"`
		}
		if err := raw.Body.Decode(&bodyHeader); err != nil {
			return nil, err
		}
		body, err := decodeStepAction(bodyHeader.Type, &raw.Body)
		if err != nil {
			return nil, fmt.Errorf("loop body: %w", err)
		}
		a.Body = body
		return a, nil
	case StepParallel:
		var a ParallelAction
		err := node.Decode(&a)
		return a, err
	case StepDelay:
		var a DelayAction
		err := node.Decode(&a)
		return a, err
	case StepTransform:
		var a TransformAction
		err := node.Decode(&a)
		return a, err
	case "":
		return nil, fmt.Errorf("missing step type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepKind, kind)
	}
}

func (s Step) MarshalJSON() ([]byte, error) {
	fields, err := actionFields(s.Action)
	if err != nil {
		return nil, err
	}
	fields["id"] = s.ID
	if s.Name != "" {
		fields["name"] = s.Name
	}
	if len(s.Dependencies) > 0 {
		fields["dependencies"] = s.Dependencies
	}
	if s.Timeout > 0 {
		fields["timeout"] = s.Timeout.Std().String()
	}
	return json.Marshal(fields)
}

func (a LoopAction) MarshalJSON() ([]byte, error) {
	body, err := actionFields(a.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Body          map[string]interface{} `json:"body"`
		Until         string                 `json:"until,omitempty"`
		MaxIterations int                    `json:"max_iterations,omitempty"`
	}{body, a.Until, a.MaxIterations})
}

// actionFields flattens an action into a JSON object carrying its type
func actionFields(a StepAction) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if a == nil {
		return fields, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"] = a.Kind()
	return fields, nil
}

type triggerHeader struct {
	ID     string      `yaml:"id"`
	Type   TriggerKind `yaml:"type"`
	Active *bool       `yaml:"active"`
}

func (t *Trigger) UnmarshalYAML(node *yaml.Node) error {
	var h triggerHeader
	if err := node.Decode(&h); err != nil {
		return err
	}

	var source TriggerSource
	var err error
	switch h.Type {
	case TriggerWebhook:
		var s WebhookTrigger
		err = node.Decode(&s)
		source = s
	case TriggerSchedule:
		var s ScheduleTrigger
		err = node.Decode(&s)
		source = s
	case TriggerFileChange:
		var s FileChangeTrigger
		err = node.Decode(&s)
		source = s
	case TriggerThreshold:
		var s ThresholdTrigger
		err = node.Decode(&s)
		source = s
	case TriggerEvent:
		var s EventTrigger
		err = node.Decode(&s)
		source = s
	case TriggerManual:
		source = ManualTrigger{}
	case "":
		return fmt.Errorf("trigger %q: missing trigger type", h.ID)
	default:
		return fmt.Errorf("trigger %q: %w: %q", h.ID, ErrUnknownTriggerKind, h.Type)
	}
	if err != nil {
		return fmt.Errorf("trigger %q: %w", h.ID, err)
	}

	active := true
	if h.Active != nil {
		active = *h.Active
	}
	*t = Trigger{ID: h.ID, Active: active, Source: source}
	return nil
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{})
	if t.Source != nil {
		raw, err := json.Marshal(t.Source)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		fields["type"] = t.Source.Kind()
	}
	fields["id"] = t.ID
	fields["active"] = t.Active
	return json.Marshal(fields)
}
