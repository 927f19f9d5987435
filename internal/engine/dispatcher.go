package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/pkg/schema"
)

// stepHandler executes one control-flow step kind and returns its output.
type stepHandler func(e *Engine, ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error)

// controlHandler returns the handler of a control-flow kind, or nil for kinds
// that go through the retry and failover envelope (action, workflow).
func controlHandler(kind schema.StepType) stepHandler {
	switch kind {
	case schema.StepTypeIf:
		return (*Engine).runIf
	case schema.StepTypeSwitch:
		return (*Engine).runSwitch
	case schema.StepTypeForEach:
		return (*Engine).runForEach
	case schema.StepTypeWhile:
		return (*Engine).runWhile
	case schema.StepTypeMap:
		return (*Engine).runMap
	case schema.StepTypeFilter:
		return (*Engine).runFilter
	case schema.StepTypeReduce:
		return (*Engine).runReduce
	case schema.StepTypeParallel:
		return (*Engine).runParallel
	case schema.StepTypeTry:
		return (*Engine).runTry
	case schema.StepTypeScript:
		return (*Engine).runScript
	case schema.StepTypeWait:
		return (*Engine).runWait
	case schema.StepTypeMerge:
		return (*Engine).runMerge
	default:
		return nil
	}
}

// dispatch runs one step of any kind and always returns a StepResult.
// Errors and panics become FAILED results; false conditions become SKIPPED.
// The result is applied to ec before returning.
func (e *Engine) dispatch(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (res *schema.StepResult) {
	started := e.now()
	ctx = logging.WithStepID(ctx, step.ID)

	defer func() {
		if rec := recover(); rec != nil {
			res = e.stepResult(step, started, nil, fmt.Errorf("panic in step %s: %v", step.ID, rec), 0)
			ec.Apply(step, res)
			e.fireStepComplete(ctx, r.id, res)
		}
	}()

	ok, err := e.resolver.ResolveConditions(ctx, step.Conditions, ec.Scope())
	if err != nil {
		res = e.stepResult(step, started, nil, interpolationError(step.ID, "conditions", err), 0)
		ec.Apply(step, res)
		e.fireStepComplete(ctx, r.id, res)
		return res
	}
	if !ok {
		now := e.now()
		res = &schema.StepResult{
			StepID:      step.ID,
			Status:      schema.StepStatusSkipped,
			StartedAt:   started,
			CompletedAt: now,
		}
		ec.Apply(step, res)
		e.fireStepComplete(ctx, r.id, res)
		return res
	}

	e.fireStepStart(ctx, r.id, step)

	if handler := controlHandler(step.Kind()); handler != nil {
		hctx, cancel := ctx, context.CancelFunc(func() {})
		if step.Timeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		}
		out, err := handler(e, hctx, r, ec, step)
		if err == nil && hctx.Err() != nil && ctx.Err() == nil {
			err = contextError(hctx.Err(), "step "+step.ID)
		}
		cancel()
		res = e.stepResult(step, started, out, err, 0)
	} else {
		res = e.executeWithFailover(ctx, r, ec, step)
	}

	ec.Apply(step, res)
	e.fireStepComplete(ctx, r.id, res)
	return res
}

// stepResult builds a COMPLETED result, or a FAILED one when err is set.
func (e *Engine) stepResult(step *schema.Step, started time.Time, out any, err error, retries int) *schema.StepResult {
	res := &schema.StepResult{
		StepID:      step.ID,
		Status:      schema.StepStatusCompleted,
		Output:      out,
		RetryCount:  retries,
		StartedAt:   started,
		CompletedAt: e.now(),
	}
	if err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = err.Error()
	}
	return res
}

// runSequence dispatches steps in order. A failed step stops the sequence
// unless its error_handling action is continue. It returns the output of the
// last completed step.
func (e *Engine) runSequence(ctx context.Context, r *run, ec *ExecutionContext, steps []*schema.Step) (any, error) {
	ctx = withNested(ctx)
	var last any
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return last, contextError(err, "step "+s.ID)
		}
		res := e.dispatch(ctx, r, ec, s)
		switch {
		case res.Status == schema.StepStatusCompleted:
			last = res.Output
		case res.Failed() && s.OnError() != schema.ErrorActionContinue:
			return last, schema.NewErrorf(schema.ErrCodeStepFailed, "%s", res.Error).WithStep(s.ID)
		}
	}
	return last, nil
}

// evaluate computes a value expression: "{{ }}" templates are expanded,
// anything else is evaluated as a bare expr expression.
func (e *Engine) evaluate(ctx context.Context, expression string, scope *expressions.Scope) (any, error) {
	if strings.Contains(expression, "{{") {
		return e.resolver.ResolveString(ctx, expression, scope)
	}
	return e.resolver.Evaluate(ctx, expression, scope)
}

type nestedKey struct{}

func withNested(ctx context.Context) context.Context {
	if isNested(ctx) {
		return ctx
	}
	return context.WithValue(ctx, nestedKey{}, true)
}

func isNested(ctx context.Context) bool {
	v, _ := ctx.Value(nestedKey{}).(bool)
	return v
}

// contextError converts a context error into a FlowError. Deadline errors
// carry the timeout marker so failover can classify them.
func contextError(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s %s", what, schema.TimeoutMarker).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "%s cancelled", what).WithCause(err)
}

func interpolationError(stepID, what string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInterpolation, "resolve %s: %v", what, err).WithStep(stepID).WithCause(err)
}
