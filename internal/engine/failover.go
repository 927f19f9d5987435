package engine

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// executeWithFailover runs a step and, when it fails, retries the same
// method on each configured fallback service in order. Timeouts and ordinary
// failures are gated by separate switches. Every fallback attempt is
// recorded in the failover history.
func (e *Engine) executeWithFailover(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) *schema.StepResult {
	res := e.executeStep(ctx, r, ec, step)
	if step.Kind() != schema.StepTypeAction {
		return res
	}

	primary := ServiceName(step.Action)
	if res.Status == schema.StepStatusCompleted {
		e.health.MarkHealthy(primary)
		return res
	}
	e.health.MarkUnhealthy(primary, res.Error)

	fo := e.cfg.Failover
	reason := schema.FailoverReasonStepFailure
	enabled := fo.FailoverOnStepFailure
	if schema.IsTimeoutMessage(res.Error) {
		reason = schema.FailoverReasonTimeout
		enabled = fo.FailoverOnTimeout
	}
	method := MethodName(step.Action)
	if !enabled || method == "" || len(fo.FallbackServices) == 0 || ctx.Err() != nil {
		return res
	}

	attempts := 0
	for _, svc := range e.fallbackOrder(fo.FallbackServices, primary) {
		if attempts >= fo.MaxFailoverAttempts {
			break
		}
		attempts++

		alt := *step
		alt.Action = svc + "." + method
		e.recordFailover(schema.FailoverEvent{
			Timestamp:   e.now(),
			FromService: primary,
			ToService:   svc,
			Reason:      reason,
			StepIndex:   ec.CurrentStepIndex(),
			StepID:      step.ID,
			Error:       res.Error,
		})
		e.emit(ctx, r.id, schema.EventFailover, map[string]any{
			"step_id": step.ID,
			"from":    primary,
			"to":      svc,
			"reason":  string(reason),
		})

		altRes := e.executeStep(ctx, r, ec, &alt)
		if altRes.Status == schema.StepStatusCompleted {
			e.health.MarkHealthy(svc)
			altRes.StartedAt = res.StartedAt
			return altRes
		}
		e.health.MarkUnhealthy(svc, altRes.Error)
		if ctx.Err() != nil {
			break
		}
	}
	return res
}

// fallbackOrder returns the configured fallbacks without the primary,
// healthy services first. Unhealthy ones keep their relative order at the
// tail so they are still tried when nothing healthy is left.
func (e *Engine) fallbackOrder(services []string, primary string) []string {
	healthy := make([]string, 0, len(services))
	var unhealthy []string
	for _, svc := range services {
		if svc == primary {
			continue
		}
		if e.health.IsHealthy(svc) {
			healthy = append(healthy, svc)
		} else {
			unhealthy = append(unhealthy, svc)
		}
	}
	return append(healthy, unhealthy...)
}
