package engine

import (
	"reflect"
	"sync"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowOutputsKey is the sentinel key a step output uses to replace the
// run's final output.
const WorkflowOutputsKey = actions.WorkflowOutputsKey

// ExecutionContext is the mutable state of one run. The run loop owns it;
// parallel branches work on clones and are merged back afterwards.
type ExecutionContext struct {
	RunID      string
	WorkflowID string

	mu               sync.RWMutex
	status           schema.RunStatus
	variables        map[string]any
	inputs           map[string]any
	stepMetadata     map[string]schema.StepMetadata
	currentStepIndex int
	workflowOutputs  map[string]any
	locals           map[string]any
}

// NewExecutionContext creates a RUNNING context. inputs are copied.
func NewExecutionContext(runID, workflowID string, inputs map[string]any) *ExecutionContext {
	in := expressions.CloneMap(inputs)
	if in == nil {
		in = map[string]any{}
	}
	return &ExecutionContext{
		RunID:        runID,
		WorkflowID:   workflowID,
		status:       schema.RunStatusRunning,
		variables:    map[string]any{},
		inputs:       in,
		stepMetadata: map[string]schema.StepMetadata{},
	}
}

// Status returns the run status.
func (c *ExecutionContext) Status() schema.RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus sets the run status.
func (c *ExecutionContext) SetStatus(s schema.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Variable returns a run variable.
func (c *ExecutionContext) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable sets or overwrites a run variable.
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a deep copy of the run variables.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.CloneMap(c.variables)
}

// Inputs returns a deep copy of the run inputs.
func (c *ExecutionContext) Inputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.CloneMap(c.inputs)
}

// StepMetadata returns the last recorded metadata of a step.
func (c *ExecutionContext) StepMetadata(stepID string) (schema.StepMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.stepMetadata[stepID]
	return m, ok
}

// CurrentStepIndex returns the top-level index being executed.
func (c *ExecutionContext) CurrentStepIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentStepIndex
}

// SetCurrentStepIndex records the top-level index being executed.
func (c *ExecutionContext) SetCurrentStepIndex(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStepIndex = i
}

// WorkflowOutputs returns the final-output override, or nil.
func (c *ExecutionContext) WorkflowOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.CloneMap(c.workflowOutputs)
}

// SetLocal binds a loop-scoped name (item, index, accumulator) that shadows
// variables in expressions without becoming a run variable.
func (c *ExecutionContext) SetLocal(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locals == nil {
		c.locals = map[string]any{}
	}
	c.locals[name] = value
}

// ClearLocal removes a loop-scoped binding, restoring prev when it existed.
func (c *ExecutionContext) ClearLocal(name string, prev any, hadPrev bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hadPrev {
		c.locals[name] = prev
		return
	}
	delete(c.locals, name)
}

// Local returns a loop-scoped binding.
func (c *ExecutionContext) Local(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.locals[name]
	return v, ok
}

// Apply records a finished step: its metadata always, its output under
// OutputVariable when set, and the workflow-outputs sentinel when present.
func (c *ExecutionContext) Apply(step *schema.Step, res *schema.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stepMetadata[res.StepID] = schema.StepMetadata{
		Status:     res.Status,
		RetryCount: res.RetryCount,
		Error:      res.Error,
	}
	if res.Status != schema.StepStatusCompleted {
		return
	}
	if step != nil && step.OutputVariable != "" {
		c.variables[step.OutputVariable] = res.Output
	}
	if m, ok := res.Output.(map[string]any); ok {
		if wo, ok := m[WorkflowOutputsKey].(map[string]any); ok {
			c.workflowOutputs = expressions.CloneMap(wo)
		}
	}
}

// Scope snapshots the context for template and condition evaluation.
func (c *ExecutionContext) Scope() *expressions.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]any, len(c.stepMetadata))
	for id, m := range c.stepMetadata {
		steps[id] = map[string]any{
			"status":      string(m.Status),
			"retry_count": m.RetryCount,
			"error":       m.Error,
		}
	}
	return &expressions.Scope{
		Variables: expressions.CloneMap(c.variables),
		Inputs:    expressions.CloneMap(c.inputs),
		Steps:     steps,
		Run: map[string]any{
			"id":          c.RunID,
			"workflow_id": c.WorkflowID,
			"step_index":  c.currentStepIndex,
		},
		Locals: expressions.CloneMap(c.locals),
	}
}

// Clone returns an independent copy: no map is shared with the receiver.
func (c *ExecutionContext) Clone() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	meta := make(map[string]schema.StepMetadata, len(c.stepMetadata))
	for k, v := range c.stepMetadata {
		meta[k] = v
	}
	return &ExecutionContext{
		RunID:            c.RunID,
		WorkflowID:       c.WorkflowID,
		status:           c.status,
		variables:        expressions.CloneMap(c.variables),
		inputs:           expressions.CloneMap(c.inputs),
		stepMetadata:     meta,
		currentStepIndex: c.currentStepIndex,
		workflowOutputs:  expressions.CloneMap(c.workflowOutputs),
		locals:           expressions.CloneMap(c.locals),
	}
}

// MergeBranch copies every variable of branch into c as "<branchID>.<name>".
// Variables the branch inherited unchanged from c are skipped. Step metadata
// of steps that ran inside the branch is merged as-is.
func (c *ExecutionContext) MergeBranch(branchID string, branch *ExecutionContext) {
	branch.mu.RLock()
	vars := expressions.CloneMap(branch.variables)
	meta := make(map[string]schema.StepMetadata, len(branch.stepMetadata))
	for k, v := range branch.stepMetadata {
		meta[k] = v
	}
	outputs := expressions.CloneMap(branch.workflowOutputs)
	branch.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range vars {
		if parent, ok := c.variables[name]; ok && equalValues(parent, v) {
			continue
		}
		c.variables[branchID+"."+name] = v
	}
	for id, m := range meta {
		c.stepMetadata[id] = m
	}
	if outputs != nil {
		c.workflowOutputs = outputs
	}
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// replay applies a persisted step outcome while rebuilding a context for resume.
func (c *ExecutionContext) replay(step *schema.Step, res *schema.StepResult) {
	c.Apply(step, res)
}
