package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/stepwise/internal/loader"
	"github.com/rendis/stepwise/pkg/schema"
)

// maxWorkflowDepth bounds sub-workflow nesting.
const maxWorkflowDepth = 16

type depthKey struct{}

func workflowDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// runSubWorkflow runs a sub-workflow step once under a single timeout. It
// either delegates to the sub-agent runner or runs the file on a fresh engine
// that shares this engine's config, store and collaborators but not its
// breaker or health state.
func (e *Engine) runSubWorkflow(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) *schema.StepResult {
	started := e.now()
	scope := ec.Scope()

	inputs, err := e.resolver.ResolveMap(ctx, step.Inputs, scope)
	if err != nil {
		return e.stepResult(step, started, nil, interpolationError(step.ID, "inputs", err), 0)
	}
	ref, err := e.resolver.ResolveString(ctx, step.Workflow, scope)
	if err != nil {
		return e.stepResult(step, started, nil, interpolationError(step.ID, "workflow", err), 0)
	}
	path := loader.Resolve(toString(ref), r.wf.BasePath)

	depth := workflowDepth(ctx) + 1
	if depth > maxWorkflowDepth {
		err := schema.NewErrorf(schema.ErrCodeValidation, "sub-workflow nesting deeper than %d", maxWorkflowDepth).WithStep(step.ID)
		return e.stepResult(step, started, nil, err, 0)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth)

	timeout := step.Timeout.Or(e.cfg.DefaultTimeout)
	out, err := e.race(ctx, timeout, "sub-workflow "+step.ID, func(ctx context.Context) (any, error) {
		wf, err := loader.Load(path)
		if err != nil {
			return nil, err
		}
		if step.UseSubagent {
			return e.delegateSubAgent(ctx, r, step, wf, path, inputs, timeout)
		}
		return e.runChild(ctx, r, step, wf, inputs)
	})
	return e.stepResult(step, started, out, err, 0)
}

func (e *Engine) delegateSubAgent(ctx context.Context, r *run, step *schema.Step, wf *schema.Workflow, path string, inputs map[string]any, timeout time.Duration) (any, error) {
	if e.subagent == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "use_subagent is set but no sub-agent runner is configured").WithStep(step.ID)
	}
	req := SubAgentRequest{
		RunID:    r.id,
		StepID:   step.ID,
		Workflow: wf,
		Path:     path,
		Inputs:   inputs,
		Timeout:  timeout,
	}
	if r.wf.Defaults != nil {
		req.Agent, req.Model = r.wf.Defaults.Agent, r.wf.Defaults.Model
	}
	if step.Subagent != nil {
		if step.Subagent.Agent != "" {
			req.Agent = step.Subagent.Agent
		}
		if step.Subagent.Model != "" {
			req.Model = step.Subagent.Model
		}
	}
	return e.subagent.RunSubAgent(ctx, req)
}

func (e *Engine) runChild(ctx context.Context, r *run, step *schema.Step, wf *schema.Workflow, inputs map[string]any) (any, error) {
	child, err := New(e.cfg,
		WithStore(e.store),
		WithLogger(e.logger.With("parent_run_id", r.id, "parent_step_id", step.ID)),
		WithResolver(e.resolver),
		WithPromptLoader(e.prompts),
		WithSubAgent(e.subagent),
		WithRollback(e.rollback),
	)
	if err != nil {
		return nil, err
	}
	child.sleep = e.sleep

	res := child.Execute(ctx, wf, inputs, r.reg, r.exec)
	switch res.Status {
	case schema.RunStatusCompleted:
		return res.Output, nil
	case schema.RunStatusRunning:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"sub-workflow %s paused at %s; pausing waits are only supported in the top-level workflow", wf.ID, res.PausedAt).WithStep(step.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "sub-workflow %s failed: %s", wf.ID, res.Error).WithStep(step.ID)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
