package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rendis/stepwise/pkg/schema"
)

// items evaluates a step's items expression into a list. nil yields an empty list.
func (e *Engine) items(ctx context.Context, ec *ExecutionContext, step *schema.Step) ([]any, error) {
	val, err := e.evaluate(ctx, step.Items, ec.Scope())
	if err != nil {
		return nil, interpolationError(step.ID, "items", err)
	}
	if val == nil {
		return []any{}, nil
	}
	list, ok := toList(val)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "items evaluated to %T, want a list", val).WithStep(step.ID)
	}
	return list, nil
}

func (e *Engine) runMap(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	items, err := e.items(ctx, ec, step)
	if err != nil {
		return nil, err
	}
	scope := ec.Scope()
	itemVar := orString(step.ItemVariable, defaultItemVariable)
	out := make([]any, 0, len(items))
	for i, item := range items {
		v, err := e.evaluate(ctx, step.Expression, scope.WithLocals(map[string]any{itemVar: item, defaultIndexVariable: i}))
		if err != nil {
			return nil, itemError(step, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) runFilter(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	items, err := e.items(ctx, ec, step)
	if err != nil {
		return nil, err
	}
	scope := ec.Scope()
	itemVar := orString(step.ItemVariable, defaultItemVariable)
	out := make([]any, 0, len(items))
	for i, item := range items {
		keep, err := e.resolver.ResolveCondition(ctx, step.Expression, scope.WithLocals(map[string]any{itemVar: item, defaultIndexVariable: i}))
		if err != nil {
			return nil, itemError(step, i, err)
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func (e *Engine) runReduce(ctx context.Context, _ *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	items, err := e.items(ctx, ec, step)
	if err != nil {
		return nil, err
	}
	scope := ec.Scope()
	acc, err := e.resolver.Resolve(ctx, step.InitialValue, scope)
	if err != nil {
		return nil, interpolationError(step.ID, "initial_value", err)
	}
	itemVar := orString(step.ItemVariable, defaultItemVariable)
	accVar := orString(step.AccumulatorVariable, defaultAccumulatorVariable)
	for i, item := range items {
		acc, err = e.evaluate(ctx, step.Expression, scope.WithLocals(map[string]any{
			itemVar:              item,
			defaultIndexVariable: i,
			accVar:               acc,
		}))
		if err != nil {
			return nil, itemError(step, i, err)
		}
	}
	return acc, nil
}

func itemError(step *schema.Step, i int, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "item %d: %v", i, err).WithStep(step.ID).WithCause(err)
}

// toList converts any slice or array value to []any.
func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toStringMap converts a decoded value to map[string]any.
func toStringMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
}
