package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

type mapInput struct {
	Items        []any           `mapstructure:"items"`
	Action       string          `mapstructure:"action" validate:"required"`
	Inputs       map[string]any  `mapstructure:"inputs"`
	Concurrency  int             `mapstructure:"concurrency" validate:"gte=0"`
	OnError      string          `mapstructure:"on_error" validate:"omitempty,oneof=fail continue partial"`
	Timeout      schema.Duration `mapstructure:"timeout"`
	ItemVariable string          `mapstructure:"item_variable"`
}

// mapBatch applies one sub-call to every item, in fixed batches of
// concurrency items. The next batch starts only when the current one has
// finished. The result is aligned with the input: failed items hold a
// placeholder under continue and partial.
func (e *Engine) mapBatch(ctx context.Context, r *run, step *schema.Step, inputs map[string]any, scope *expressions.Scope) (any, error) {
	var in mapInput
	if err := decodeMap(inputs, &in, "mapstructure"); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel.map: %v", err).WithStep(step.ID).WithCause(err)
	}
	if err := validate.Struct(in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel.map: %v", err).WithStep(step.ID).WithCause(err)
	}

	size := in.Concurrency
	if size <= 0 {
		size = e.cfg.MaxConcurrency
	}
	policy := orString(in.OnError, policyFail)
	timeout := in.Timeout.Or(e.cfg.DefaultTimeout)
	itemVar := orString(in.ItemVariable, defaultItemVariable)

	n := len(in.Items)
	results := make([]any, n)
	errs := make([]error, n)

	for start := 0; start < n; start += size {
		end := min(start+size, n)
		pool := NewWorkerPool(end - start)
		for i := start; i < end; i++ {
			i := i
			err := pool.Submit(ctx, func(ctx context.Context) error {
				out, err := e.mapItem(ctx, r, step, &in, i, itemVar, timeout, scope)
				results[i], errs[i] = out, err
				return err
			}, func(perr error) {
				errs[i] = perr
			})
			if err != nil {
				errs[i] = contextError(err, fmt.Sprintf("item %d", i))
			}
		}
		pool.Wait()

		if policy == policyFail {
			for i := start; i < end; i++ {
				if errs[i] != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "item %d failed: %v", i, errs[i]).
						WithStep(step.ID).WithCause(errs[i])
				}
			}
		}
	}

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		results[i] = map[string]any{"success": false, "index": i, "error": err.Error()}
	}
	if policy == policyPartial && n > 0 && failed == n {
		return results, schema.NewErrorf(schema.ErrCodeStepFailed, "all %d item(s) failed", n).WithStep(step.ID)
	}
	return results, nil
}

func (e *Engine) mapItem(ctx context.Context, r *run, step *schema.Step, in *mapInput, i int, itemVar string, timeout time.Duration, scope *expressions.Scope) (any, error) {
	item := in.Items[i]
	itemScope := scope.WithLocals(map[string]any{itemVar: item, defaultIndexVariable: i})
	params := map[string]any{itemVar: item, defaultIndexVariable: i}
	if len(in.Inputs) > 0 {
		var err error
		params, err = e.resolver.ResolveMap(ctx, in.Inputs, itemScope)
		if err != nil {
			return nil, interpolationError(step.ID, fmt.Sprintf("inputs of item %d", i), err)
		}
	}
	sub := &schema.Step{
		ID:     fmt.Sprintf("%s[%d]", step.ID, i),
		Action: in.Action,
		Inputs: in.Inputs,
	}
	return e.race(ctx, timeout, "item "+sub.ID, func(ctx context.Context) (any, error) {
		return e.invoke(ctx, r, sub, params, itemScope)
	})
}
