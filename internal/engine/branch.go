package engine

import (
	"context"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

type branchOutcome struct {
	output any
	err    error
}

// runParallel runs every branch on its own clone of ec, at most
// max_concurrent (or MaxConcurrency) at a time. Clones are merged back in
// declaration order once all branches finished, so the merge is deterministic.
func (e *Engine) runParallel(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	limit := step.MaxConcurrent
	if limit <= 0 {
		limit = e.cfg.MaxConcurrency
	}
	if limit > len(step.Branches) {
		limit = len(step.Branches)
	}
	pool := NewWorkerPool(limit)

	clones := make([]*ExecutionContext, len(step.Branches))
	outcomes := make([]branchOutcome, len(step.Branches))
	for i, b := range step.Branches {
		clones[i] = ec.Clone()
		i, b := i, b
		err := pool.Submit(ctx, func(ctx context.Context) error {
			out, err := e.runSequence(ctx, r, clones[i], b.Steps)
			outcomes[i] = branchOutcome{output: out, err: err}
			return err
		}, func(perr error) {
			outcomes[i] = branchOutcome{err: schema.NewErrorf(schema.ErrCodeExecution, "branch %s: %v", b.ID, perr)}
		})
		if err != nil {
			outcomes[i] = branchOutcome{err: contextError(err, "branch "+b.ID)}
		}
	}
	pool.Wait()

	out := make(map[string]any, len(step.Branches))
	var failed []string
	for i, b := range step.Branches {
		ec.MergeBranch(b.ID, clones[i])
		entry := map[string]any{"status": string(schema.StepStatusCompleted), "output": outcomes[i].output}
		if err := outcomes[i].err; err != nil {
			entry["status"] = string(schema.StepStatusFailed)
			entry["error"] = err.Error()
			failed = append(failed, b.ID)
		}
		out[b.ID] = entry
	}
	if len(failed) > 0 {
		return out, schema.NewErrorf(schema.ErrCodeStepFailed, "%d branch(es) failed: %s",
			len(failed), strings.Join(failed, ", ")).WithStep(step.ID)
	}
	return out, nil
}
