package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/prompts"
	"github.com/rendis/stepwise/pkg/schema"
)

const (
	actionSpawn = "parallel.spawn"
	actionMap   = "parallel.map"
)

// lazyInputKeys are inputs resolved per item rather than once per step.
var lazyInputKeys = map[string][]string{
	actionMap: {"inputs"},
}

// executeStep runs an action or sub-workflow step once through its envelope.
func (e *Engine) executeStep(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) *schema.StepResult {
	if step.Kind() == schema.StepTypeWorkflow {
		return e.runSubWorkflow(ctx, r, ec, step)
	}
	return e.runAction(ctx, r, ec, step)
}

// runAction drives the retry loop for one action step. A breaker rejection
// ends the loop without consuming an attempt. RetryCount is the index of the
// last attempt made.
func (e *Engine) runAction(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) *schema.StepResult {
	started := e.now()
	service := ServiceName(step.Action)
	ctx = logging.WithService(ctx, service)
	cb := e.breakers.Get(service)

	var maxRetries *int
	if step.ErrorHandling != nil {
		maxRetries = step.ErrorHandling.MaxRetries
	}
	policy := e.retry.WithMaxRetries(maxRetries)

	var (
		lastErr error
		attempt int
	)
	for attempt = 0; attempt <= policy.MaxRetries; attempt++ {
		if !cb.CanExecute() {
			if lastErr == nil {
				return e.stepResult(step, started, nil, cb.rejection(step.ID), attempt)
			}
			lastErr = cb.rejection(step.ID)
			attempt--
			break
		}

		out, err := e.attempt(ctx, r, ec, step)
		if err == nil {
			cb.RecordSuccess()
			return e.stepResult(step, started, out, nil, attempt)
		}

		lastErr = err
		cb.RecordFailure()
		e.fireStepError(ctx, r.id, step, err, attempt)
		e.logger.WarnContext(ctx, "step attempt failed", "attempt", attempt, "max_retries", policy.MaxRetries, "error", err)

		if !IsRetryableError(err) || attempt == policy.MaxRetries {
			break
		}
		if werr := e.sleep(ctx, policy.Delay(attempt)); werr != nil {
			lastErr = contextError(werr, "retry of step "+step.ID)
			break
		}
	}
	if attempt > policy.MaxRetries {
		attempt = policy.MaxRetries
	}
	return e.stepResult(step, started, nil, lastErr, attempt)
}

// attempt resolves inputs and invokes the step once under its timeout.
func (e *Engine) attempt(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step) (any, error) {
	scope := ec.Scope()
	inputs, err := e.prepareInputs(ctx, r, step, scope)
	if err != nil {
		return nil, err
	}
	timeout := step.Timeout.Or(e.cfg.DefaultTimeout)
	return e.race(ctx, timeout, "step "+step.ID, func(ctx context.Context) (any, error) {
		return e.invoke(ctx, r, step, inputs, scope)
	})
}

// prepareInputs splices a rendered prompt resource into the step inputs and
// expands every template.
func (e *Engine) prepareInputs(ctx context.Context, r *run, step *schema.Step, scope *expressions.Scope) (map[string]any, error) {
	raw := expressions.CloneMap(step.Inputs)
	if raw == nil {
		raw = map[string]any{}
	}

	if step.Prompt != "" {
		content, model, err := e.renderPrompt(ctx, r, step, scope)
		if err != nil {
			return nil, err
		}
		raw["prompt"] = content
		if _, ok := raw["model"]; !ok && model != "" {
			raw["model"] = model
		}
	}

	lazy := map[string]any{}
	for _, k := range lazyInputKeys[step.Action] {
		if v, ok := raw[k]; ok {
			lazy[k] = v
			delete(raw, k)
		}
	}

	resolved, err := e.resolver.ResolveMap(ctx, raw, scope)
	if err != nil {
		return nil, interpolationError(step.ID, "inputs", err)
	}
	if resolved == nil {
		resolved = map[string]any{}
	}
	for k, v := range lazy {
		resolved[k] = v
	}
	return resolved, nil
}

func (e *Engine) renderPrompt(ctx context.Context, r *run, step *schema.Step, scope *expressions.Scope) (string, string, error) {
	doc, err := e.loadPrompt(step.Prompt, r.wf.BasePath)
	if err != nil {
		return "", "", err
	}
	pin, err := e.resolver.ResolveMap(ctx, step.PromptInputs, scope)
	if err != nil {
		return "", "", interpolationError(step.ID, "prompt_inputs", err)
	}
	pin = doc.WithDefaults(pin)
	if vr := e.prompts.ValidateInputs(doc, pin); vr != nil && !vr.Valid() {
		err := vr.ToError()
		if fe, ok := err.(*schema.FlowError); ok {
			return "", "", fe.WithStep(step.ID)
		}
		return "", "", err
	}
	content, err := e.prompts.Render(ctx, doc, pin, scope)
	if err != nil {
		return "", "", interpolationError(step.ID, "prompt "+step.Prompt, err)
	}
	model := doc.Model
	if model == "" && r.wf.Defaults != nil {
		model = r.wf.Defaults.Model
	}
	return content, model, nil
}

// loadPrompt returns a cached prompt document, loading it on first use.
func (e *Engine) loadPrompt(ref, basePath string) (*prompts.Document, error) {
	key := basePath + "\x00" + ref
	e.promptMu.Lock()
	doc, ok := e.promptCache[key]
	e.promptMu.Unlock()
	if ok {
		return doc, nil
	}

	doc, err := e.prompts.Load(ref, basePath)
	if err != nil {
		return nil, err
	}
	e.promptMu.Lock()
	e.promptCache[key] = doc
	e.promptMu.Unlock()
	return doc, nil
}

// invoke performs one call of an action: built-ins and the parallel helpers
// run in-process, everything else goes to the run's StepExecutor.
func (e *Engine) invoke(ctx context.Context, r *run, step *schema.Step, inputs map[string]any, scope *expressions.Scope) (any, error) {
	switch {
	case step.Action == actionSpawn:
		return e.spawn(ctx, r, step, inputs, scope)
	case step.Action == actionMap:
		return e.mapBatch(ctx, r, step, inputs, scope)
	case e.builtins.Has(step.Action):
		action, err := e.builtins.Get(step.Action)
		if err != nil {
			return nil, err
		}
		if err := action.Validate(inputs); err != nil {
			return nil, err
		}
		out, err := action.Execute(ctx, actions.ActionInput{Params: inputs, Context: scope.Data()})
		if err != nil || out == nil {
			return nil, err
		}
		return out.Data, nil
	default:
		return r.exec.ExecuteStep(ctx, StepRequest{
			RunID:    r.id,
			Step:     step,
			Inputs:   inputs,
			Context:  scope.Data(),
			Registry: r.reg,
		})
	}
}

// race runs fn against a timer. When the timer fires first the call's context
// is cancelled and a "timed out" error is returned without waiting for fn.
func (e *Engine) race(ctx context.Context, timeout time.Duration, what string, fn func(ctx context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithCancel(ctx)
	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := fn(cctx)
		done <- outcome{out, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		cancel()
		return o.out, o.err
	case <-timer.C:
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s %s after %s", what, schema.TimeoutMarker, timeout)
	case <-ctx.Done():
		cancel()
		return nil, contextError(ctx.Err(), what)
	}
}
