package engine

import (
	"context"
	"fmt"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

const (
	defaultItemVariable        = "item"
	defaultIndexVariable       = "index"
	defaultAccumulatorVariable = "accumulator"
	defaultMaxIterations       = 100
)

func (e *Engine) runIf(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	ok, err := e.resolver.ResolveCondition(ctx, step.Condition, ec.Scope())
	if err != nil {
		return nil, interpolationError(step.ID, "condition", err)
	}
	branch, body := "then", step.Then
	if !ok {
		branch, body = "else", step.Else
	}
	out, err := e.runSequence(ctx, r, ec, body)
	return map[string]any{"condition": ok, "branch": branch, "output": out}, err
}

func (e *Engine) runSwitch(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	val, err := e.evaluate(ctx, step.Expression, ec.Scope())
	if err != nil {
		return nil, interpolationError(step.ID, "expression", err)
	}
	key := fmt.Sprint(val)
	if val == nil {
		key = ""
	}

	matched, body := key, step.Cases[key]
	if _, ok := step.Cases[key]; !ok {
		if step.Default == nil {
			return map[string]any{"value": val, "case": nil}, nil
		}
		matched, body = "default", step.Default
	}
	out, err := e.runSequence(ctx, r, ec, body)
	return map[string]any{"value": val, "case": matched, "output": out}, err
}

func (e *Engine) runForEach(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	items, err := e.items(ctx, ec, step)
	if err != nil {
		return nil, err
	}
	itemVar := orString(step.ItemVariable, defaultItemVariable)
	indexVar := orString(step.IndexVariable, defaultIndexVariable)
	restore := bindLocals(ec, itemVar, indexVar)
	defer restore()

	results := make([]any, 0, len(items))
	for i, item := range items {
		ec.SetLocal(itemVar, item)
		ec.SetLocal(indexVar, i)
		out, err := e.runSequence(ctx, r, ec, step.Steps)
		if err != nil {
			return results, fmt.Errorf("iteration %d: %w", i, err)
		}
		results = append(results, out)
	}
	return results, nil
}

func (e *Engine) runWhile(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	restore := bindLocals(ec, "iteration")
	defer restore()

	var last any
	iterations := 0
	for iterations < maxIter {
		ok, err := e.resolver.ResolveCondition(ctx, step.Condition, ec.Scope())
		if err != nil {
			return nil, interpolationError(step.ID, "condition", err)
		}
		if !ok {
			break
		}
		ec.SetLocal("iteration", iterations)
		out, err := e.runSequence(ctx, r, ec, step.Steps)
		iterations++
		if err != nil {
			return map[string]any{"iterations": iterations, "output": last}, err
		}
		last = out
	}
	if iterations == maxIter {
		e.logger.WarnContext(ctx, "while loop reached max iterations", "step_id", step.ID, "max_iterations", maxIter)
	}
	return map[string]any{"iterations": iterations, "output": last}, nil
}

func (e *Engine) runTry(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	out, err := e.runSequence(ctx, r, ec, step.Try)
	result := map[string]any{"output": out, "recovered": false}

	if err != nil && len(step.Catch) > 0 {
		result["error"] = err.Error()
		restore := bindLocals(ec, "error")
		ec.SetLocal("error", map[string]any{"message": err.Error(), "code": schema.ErrorCode(err)})
		caught, catchErr := e.runSequence(ctx, r, ec, step.Catch)
		restore()
		if catchErr == nil {
			result["output"] = caught
			result["recovered"] = true
		}
		err = catchErr
	} else if err != nil {
		result["error"] = err.Error()
	}

	if len(step.Finally) > 0 {
		// finally runs even when the try block hit the step deadline.
		fctx := ctx
		if ctx.Err() != nil {
			fctx = context.WithoutCancel(ctx)
		}
		if _, ferr := e.runSequence(fctx, r, ec, step.Finally); ferr != nil {
			return result, fmt.Errorf("finally: %w", ferr)
		}
	}
	return result, err
}

// runScript evaluates an expr program. The step's resolved inputs are merged
// over the run inputs under "inputs".
func (e *Engine) runScript(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	scope := ec.Scope()
	if len(step.Inputs) > 0 {
		in, err := e.resolver.ResolveMap(ctx, step.Inputs, scope)
		if err != nil {
			return nil, interpolationError(step.ID, "inputs", err)
		}
		if scope.Inputs == nil {
			scope.Inputs = map[string]any{}
		}
		for k, v := range in {
			scope.Inputs[k] = v
		}
	}
	out, err := e.resolver.Evaluate(ctx, step.Script, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "script: %v", err).WithStep(step.ID).WithCause(err)
	}
	return out, nil
}

func (e *Engine) runWait(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	if !step.Pauses() {
		d := step.Duration.Std()
		if err := e.sleep(ctx, d); err != nil {
			return nil, contextError(err, "wait "+step.ID)
		}
		return map[string]any{"waited": d.String()}, nil
	}

	if isNested(ctx) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"wait mode %q can only pause a top-level step", step.Mode).WithStep(step.ID)
	}
	msg, err := e.resolver.ResolveString(ctx, step.Message, ec.Scope())
	if err != nil {
		return nil, interpolationError(step.ID, "message", err)
	}
	return map[string]any{
		"waiting": true,
		"mode":    string(step.Mode),
		"message": msg,
	}, nil
}

func (e *Engine) runMerge(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	scope := ec.Scope()
	values := make([]any, 0, len(step.Sources))
	for _, src := range step.Sources {
		v, err := e.evaluate(ctx, src, scope)
		if err != nil {
			return nil, interpolationError(step.ID, "source "+src, err)
		}
		values = append(values, v)
	}

	switch orString(step.Strategy, "shallow") {
	case "concat":
		var out []any
		for _, v := range values {
			if list, ok := toList(v); ok {
				out = append(out, list...)
			} else if v != nil {
				out = append(out, v)
			}
		}
		if out == nil {
			out = []any{}
		}
		return out, nil
	case "deep":
		out := map[string]any{}
		for i, v := range values {
			m, err := mergeSource(step, i, v)
			if err != nil {
				return nil, err
			}
			deepMerge(out, m)
		}
		return out, nil
	case "shallow":
		out := map[string]any{}
		for i, v := range values {
			m, err := mergeSource(step, i, v)
			if err != nil {
				return nil, err
			}
			for k, val := range m {
				out[k] = expressions.CloneValue(val)
			}
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown merge strategy %q", step.Strategy).WithStep(step.ID)
	}
}

func mergeSource(step *schema.Step, i int, v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"merge source %d (%s) is %T, want an object", i, step.Sources[i], v).WithStep(step.ID)
	}
	return m, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := v.(map[string]any)
		if dm, isMap := dst[k].(map[string]any); ok && isMap {
			deepMerge(dm, sm)
			continue
		}
		dst[k] = expressions.CloneValue(v)
	}
}

// bindLocals snapshots the given locals and returns a func restoring them.
func bindLocals(ec *ExecutionContext, names ...string) func() {
	type saved struct {
		val any
		ok  bool
	}
	prev := make(map[string]saved, len(names))
	for _, n := range names {
		v, ok := ec.Local(n)
		prev[n] = saved{v, ok}
	}
	return func() {
		for n, s := range prev {
			ec.ClearLocal(n, s.val, s.ok)
		}
	}
}

func orString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
