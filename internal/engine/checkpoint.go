package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// saveCheckpoint persists the outcome of top-level step index synchronously.
// The run loop does not start the next step until it returns.
func (e *Engine) saveCheckpoint(ctx context.Context, runID string, index int, res *schema.StepResult) error {
	out, err := json.Marshal(res.Output)
	if err != nil {
		out, _ = json.Marshal(fmt.Sprintf("%v", res.Output))
	}
	cp := &store.Checkpoint{
		RunID:       runID,
		StepIndex:   index,
		StepID:      res.StepID,
		Status:      res.Status,
		Output:      out,
		Error:       res.Error,
		RetryCount:  res.RetryCount,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	// Written even after the run context is cancelled.
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint step %s: %v", res.StepID, err).
			WithStep(res.StepID).WithCause(err)
	}
	e.emit(ctx, runID, schema.EventCheckpoint, map[string]any{"step_id": res.StepID, "step_index": index})
	return nil
}

// checkpointResult rebuilds the StepResult a checkpoint was written from.
func checkpointResult(cp *store.Checkpoint) *schema.StepResult {
	var out any
	if len(cp.Output) > 0 {
		if err := json.Unmarshal(cp.Output, &out); err != nil {
			out = string(cp.Output)
		}
	}
	return &schema.StepResult{
		StepID:      cp.StepID,
		Status:      cp.Status,
		Output:      out,
		Error:       cp.Error,
		RetryCount:  cp.RetryCount,
		StartedAt:   cp.StartedAt,
		CompletedAt: cp.CompletedAt,
	}
}
