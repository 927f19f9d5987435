package engine

import (
	"context"
	"sort"

	"github.com/rendis/stepwise/pkg/schema"
)

func (e *Engine) callHook(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (e *Engine) fireWorkflowStart(ctx context.Context, runID string, wf *schema.Workflow) {
	if e.hooks.OnWorkflowStart == nil {
		return
	}
	e.callHook(ctx, "OnWorkflowStart", func() { e.hooks.OnWorkflowStart(ctx, runID, wf) })
}

func (e *Engine) fireWorkflowComplete(ctx context.Context, result *schema.WorkflowResult) {
	if e.hooks.OnWorkflowComplete == nil {
		return
	}
	e.callHook(ctx, "OnWorkflowComplete", func() { e.hooks.OnWorkflowComplete(ctx, result) })
}

func (e *Engine) fireStepStart(ctx context.Context, runID string, step *schema.Step) {
	e.emit(ctx, runID, schema.EventStepStarted, map[string]any{"step_id": step.ID})
	if e.hooks.OnStepStart == nil {
		return
	}
	e.callHook(ctx, "OnStepStart", func() { e.hooks.OnStepStart(ctx, runID, step) })
}

func (e *Engine) fireStepComplete(ctx context.Context, runID string, res *schema.StepResult) {
	attrs := map[string]any{"step_id": res.StepID, "retry_count": res.RetryCount}
	switch res.Status {
	case schema.StepStatusFailed:
		attrs["error"] = res.Error
		e.emit(ctx, runID, schema.EventStepFailed, attrs)
	case schema.StepStatusSkipped:
		e.emit(ctx, runID, schema.EventStepSkipped, attrs)
	default:
		e.emit(ctx, runID, schema.EventStepCompleted, attrs)
	}
	if e.hooks.OnStepComplete == nil {
		return
	}
	e.callHook(ctx, "OnStepComplete", func() { e.hooks.OnStepComplete(ctx, runID, res) })
}

func (e *Engine) fireStepError(ctx context.Context, runID string, step *schema.Step, err error, attempt int) {
	if e.hooks.OnStepError == nil {
		return
	}
	e.callHook(ctx, "OnStepError", func() { e.hooks.OnStepError(ctx, runID, step, err, attempt) })
}

func sortedAttrKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
