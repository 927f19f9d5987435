package engine

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// ErrorHandlerResult describes what the run loop does after a failed step.
type ErrorHandlerResult struct {
	// Continue is true when the run proceeds to the next step.
	Continue bool
	// Rollback is true when registered compensations must run before the run fails.
	Rollback bool
	// Message is the run-level error recorded when the run stops.
	Message string
}

// HandleStepError maps a failed step's error_handling onto the run-level
// decision and emits a step_error event. Steps without error_handling continue.
func HandleStepError(ctx context.Context, emitter EventEmitter, runID string, step *schema.Step, res *schema.StepResult) ErrorHandlerResult {
	if res == nil || !res.Failed() {
		return ErrorHandlerResult{Continue: true}
	}

	action := step.OnError()
	if emitter != nil {
		emitter.Emit(ctx, runID, schema.EventStepError, map[string]any{
			"step_id":     step.ID,
			"error":       res.Error,
			"action":      string(action),
			"retry_count": res.RetryCount,
		})
	}

	switch action {
	case schema.ErrorActionStop:
		return ErrorHandlerResult{Message: stepFailureMessage(step.ID, res.Error)}
	case schema.ErrorActionRollback:
		return ErrorHandlerResult{Rollback: true, Message: stepFailureMessage(step.ID, res.Error)}
	default:
		return ErrorHandlerResult{Continue: true}
	}
}

func stepFailureMessage(stepID, msg string) string {
	return "step " + stepID + " failed: " + msg
}
