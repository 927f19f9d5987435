package engine

import (
	"context"
	"time"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/prompts"
	"github.com/rendis/stepwise/pkg/schema"
)

// ToolRegistry is the lookup the engine hands to step executors.
type ToolRegistry = actions.ActionRegistry

// StepRequest is one attempt of an action step, with inputs already resolved.
type StepRequest struct {
	RunID    string
	Step     *schema.Step
	Inputs   map[string]any
	Context  map[string]any
	Registry ToolRegistry
}

// StepExecutor performs the external work of an action step.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, req StepRequest) (any, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, req StepRequest) (any, error)

func (f StepExecutorFunc) ExecuteStep(ctx context.Context, req StepRequest) (any, error) {
	return f(ctx, req)
}

// RegistryExecutor executes a step by looking its action up in the request registry.
type RegistryExecutor struct{}

// NewRegistryExecutor returns the default StepExecutor.
func NewRegistryExecutor() *RegistryExecutor { return &RegistryExecutor{} }

func (RegistryExecutor) ExecuteStep(ctx context.Context, req StepRequest) (any, error) {
	if req.Registry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no registry to resolve action %q", req.Step.Action).WithStep(req.Step.ID)
	}
	action, err := req.Registry.Get(req.Step.Action)
	if err != nil {
		return nil, err
	}
	if err := action.Validate(req.Inputs); err != nil {
		return nil, err
	}
	out, err := action.Execute(ctx, actions.ActionInput{Params: req.Inputs, Context: req.Context})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// SubAgentRequest delegates a whole sub-workflow to an external agent.
type SubAgentRequest struct {
	RunID    string
	StepID   string
	Workflow *schema.Workflow
	Path     string
	Inputs   map[string]any
	Agent    string
	Model    string
	Timeout  time.Duration
}

// SubAgentRunner interprets a sub-workflow outside the engine.
type SubAgentRunner interface {
	RunSubAgent(ctx context.Context, req SubAgentRequest) (any, error)
}

// PromptLoader resolves, validates and renders prompt resources.
type PromptLoader interface {
	Load(ref, basePath string) (*prompts.Document, error)
	ValidateInputs(doc *prompts.Document, inputs map[string]any) *schema.ValidationResult
	Render(ctx context.Context, doc *prompts.Document, inputs map[string]any, scope *expressions.Scope) (string, error)
}

// RollbackRequest is the state handed to compensations when a run rolls back.
type RollbackRequest struct {
	RunID      string
	FailedStep string
	Error      string
	Context    *ExecutionContext
	Inputs     map[string]any
	Variables  map[string]any
}

// RollbackRegistry runs compensations for a failed run.
type RollbackRegistry interface {
	RollbackAll(ctx context.Context, req RollbackRequest) error
}

// Hooks are optional observers called synchronously from the run loop. A
// panicking hook is recovered and logged; it never affects the run.
type Hooks struct {
	OnWorkflowStart    func(ctx context.Context, runID string, wf *schema.Workflow)
	OnWorkflowComplete func(ctx context.Context, result *schema.WorkflowResult)
	OnStepStart        func(ctx context.Context, runID string, step *schema.Step)
	OnStepComplete     func(ctx context.Context, runID string, result *schema.StepResult)
	OnStepError        func(ctx context.Context, runID string, step *schema.Step, err error, attempt int)
}
