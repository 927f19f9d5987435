package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Workflow is the declarative definition of a run. It is immutable once loaded.
type Workflow struct {
	ID          string               `json:"id" yaml:"id"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string               `json:"version,omitempty" yaml:"version,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Defaults    *WorkflowDefaults    `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Inputs      map[string]InputSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []*Step              `json:"steps" yaml:"steps"`

	// BasePath is the directory relative paths (sub-workflows, prompts) resolve against.
	BasePath string `json:"base_path,omitempty" yaml:"-"`
}

// WorkflowDefaults carries optional default-agent, default-model and permission settings.
type WorkflowDefaults struct {
	Agent       string         `json:"agent,omitempty" yaml:"agent,omitempty"`
	Model       string         `json:"model,omitempty" yaml:"model,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// InputSpec declares a run parameter.
type InputSpec struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// StepType discriminates the Step union.
type StepType string

const (
	StepTypeAction   StepType = "action"
	StepTypeWorkflow StepType = "workflow"
	StepTypeIf       StepType = "if"
	StepTypeSwitch   StepType = "switch"
	StepTypeForEach  StepType = "for_each"
	StepTypeWhile    StepType = "while"
	StepTypeMap      StepType = "map"
	StepTypeFilter   StepType = "filter"
	StepTypeReduce   StepType = "reduce"
	StepTypeParallel StepType = "parallel"
	StepTypeTry      StepType = "try"
	StepTypeScript   StepType = "script"
	StepTypeWait     StepType = "wait"
	StepTypeMerge    StepType = "merge"
)

// ErrorAction is the run-level reaction to a failed step.
type ErrorAction string

const (
	ErrorActionStop     ErrorAction = "stop"
	ErrorActionRollback ErrorAction = "rollback"
	ErrorActionContinue ErrorAction = "continue"
)

// WaitMode selects how a wait step behaves.
type WaitMode string

const (
	WaitModeDuration WaitMode = "duration"
	WaitModeApproval WaitMode = "approval"
	WaitModeForm     WaitMode = "form"
)

// Step is a node of the workflow tree. Which variant fields apply is decided by Kind().
type Step struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type           StepType       `json:"type,omitempty" yaml:"type,omitempty"`
	Conditions     []string       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	ErrorHandling  *ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	Timeout        Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// action
	Action       string         `json:"action,omitempty" yaml:"action,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Prompt       string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PromptInputs map[string]any `json:"prompt_inputs,omitempty" yaml:"prompt_inputs,omitempty"`

	// workflow
	Workflow    string          `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	UseSubagent bool            `json:"use_subagent,omitempty" yaml:"use_subagent,omitempty"`
	Subagent    *SubagentConfig `json:"subagent,omitempty" yaml:"subagent,omitempty"`

	// if, while
	Condition string  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []*Step `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []*Step `json:"else,omitempty" yaml:"else,omitempty"`

	// switch
	Expression string             `json:"expression,omitempty" yaml:"expression,omitempty"`
	Cases      map[string][]*Step `json:"cases,omitempty" yaml:"cases,omitempty"`
	Default    []*Step            `json:"default,omitempty" yaml:"default,omitempty"`

	// for_each, while, map, filter, reduce
	Items               string  `json:"items,omitempty" yaml:"items,omitempty"`
	ItemVariable        string  `json:"item_variable,omitempty" yaml:"item_variable,omitempty"`
	IndexVariable       string  `json:"index_variable,omitempty" yaml:"index_variable,omitempty"`
	AccumulatorVariable string  `json:"accumulator_variable,omitempty" yaml:"accumulator_variable,omitempty"`
	InitialValue        any     `json:"initial_value,omitempty" yaml:"initial_value,omitempty"`
	MaxIterations       int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Steps               []*Step `json:"steps,omitempty" yaml:"steps,omitempty"`

	// parallel
	Branches      []*Branch `json:"branches,omitempty" yaml:"branches,omitempty"`
	MaxConcurrent int       `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	// try
	Try     []*Step `json:"try,omitempty" yaml:"try,omitempty"`
	Catch   []*Step `json:"catch,omitempty" yaml:"catch,omitempty"`
	Finally []*Step `json:"finally,omitempty" yaml:"finally,omitempty"`

	// script
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// wait
	Mode     WaitMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Message  string   `json:"message,omitempty" yaml:"message,omitempty"`

	// merge
	Sources  []string `json:"sources,omitempty" yaml:"sources,omitempty"`
	Strategy string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// ErrorHandling configures how a failed step affects the run.
type ErrorHandling struct {
	Action     ErrorAction `json:"action,omitempty" yaml:"action,omitempty"`
	MaxRetries *int        `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// SubagentConfig selects the agent that interprets a sub-workflow.
type SubagentConfig struct {
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Branch is one nested step sequence of a parallel step.
type Branch struct {
	ID    string  `json:"id" yaml:"id"`
	Steps []*Step `json:"steps" yaml:"steps"`
}

// Kind resolves the effective step type. Steps without an explicit type are
// actions, or sub-workflows when they name a workflow file.
func (s *Step) Kind() StepType {
	if s.Type != "" {
		return s.Type
	}
	if s.Workflow != "" && s.Action == "" {
		return StepTypeWorkflow
	}
	return StepTypeAction
}

// OnError returns the configured error action, defaulting to continue.
func (s *Step) OnError() ErrorAction {
	if s.ErrorHandling == nil {
		return ErrorActionContinue
	}
	switch s.ErrorHandling.Action {
	case ErrorActionStop, ErrorActionRollback:
		return s.ErrorHandling.Action
	default:
		return ErrorActionContinue
	}
}

// Pauses reports whether the step suspends the run until resumed.
func (s *Step) Pauses() bool {
	return s.Kind() == StepTypeWait && (s.Mode == WaitModeApproval || s.Mode == WaitModeForm)
}

// Children returns every nested step sequence of the step, in declaration order.
func (s *Step) Children() [][]*Step {
	var out [][]*Step
	add := func(seq []*Step) {
		if len(seq) > 0 {
			out = append(out, seq)
		}
	}
	add(s.Then)
	add(s.Else)
	for _, k := range sortedKeys(s.Cases) {
		add(s.Cases[k])
	}
	add(s.Default)
	add(s.Steps)
	for _, b := range s.Branches {
		if b != nil {
			add(b.Steps)
		}
	}
	add(s.Try)
	add(s.Catch)
	add(s.Finally)
	return out
}

// FindStep returns the top-level index of the step with the given id, or -1.
func (w *Workflow) FindStep(id string) int {
	for i, s := range w.Steps {
		if s != nil && s.ID == id {
			return i
		}
	}
	return -1
}

// Duration is a time.Duration that decodes from a Go duration string ("30s")
// or from an integer number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns d, or def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case int:
		return Duration(time.Duration(v) * time.Millisecond), nil
	case string:
		if v == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Duration(time.Duration(ms) * time.Millisecond), nil
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		return Duration(dur), nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}
