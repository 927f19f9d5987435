package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/loader"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/prompts"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Engine runs workflows. Breakers, health, the prompt cache and the failover
// history belong to one instance; engines never share them.
type Engine struct {
	cfg      Config
	retry    RetryPolicy
	breakers *CircuitBreakerRegistry
	health   *HealthTracker
	resolver *expressions.Resolver
	builtins *actions.Registry
	store    store.Store
	rollback RollbackRegistry
	prompts  PromptLoader
	subagent SubAgentRunner
	hooks    Hooks
	events   EventEmitter
	logger   *slog.Logger
	fsm      *RunFSM

	promptMu    sync.Mutex
	promptCache map[string]*prompts.Document

	failoverMu sync.Mutex
	failovers  []schema.FailoverEvent

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newRunID func() string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore sets the state store. The default is an in-memory store.
func WithStore(s store.Store) Option { return func(e *Engine) { e.store = s } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithHooks sets the lifecycle observers.
func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// WithEvents forwards every lifecycle event to em in addition to the log.
func WithEvents(em EventEmitter) Option { return func(e *Engine) { e.events = em } }

// WithRollback sets the registry invoked when a step with error_handling
// rollback fails.
func WithRollback(r RollbackRegistry) Option { return func(e *Engine) { e.rollback = r } }

// WithPromptLoader replaces the file-based prompt loader.
func WithPromptLoader(p PromptLoader) Option { return func(e *Engine) { e.prompts = p } }

// WithSubAgent sets the runner for use_subagent sub-workflow steps.
func WithSubAgent(s SubAgentRunner) Option { return func(e *Engine) { e.subagent = s } }

// WithResolver shares an expression resolver (and its compiled-program caches).
func WithResolver(r *expressions.Resolver) Option { return func(e *Engine) { e.resolver = r } }

// New builds an engine from a validated config. Use DefaultConfig or
// LoadConfig to obtain one with defaults applied.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		retry:       cfg.RetryPolicy(),
		health:      NewHealthTracker(cfg.HealthRecheck),
		promptCache: make(map[string]*prompts.Document),
		now:         time.Now,
		sleep:       WaitForBackoff,
		newRunID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}
	if e.resolver == nil {
		r, err := expressions.NewResolver()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "init expression engines: %v", err).WithCause(err)
		}
		e.resolver = r
	}
	if e.prompts == nil {
		pl, err := prompts.NewLoader(e.resolver)
		if err != nil {
			return nil, err
		}
		e.prompts = pl
	}
	builtins, err := actions.NewBuiltinRegistry(e.resolver.JQ())
	if err != nil {
		return nil, err
	}
	e.builtins = builtins

	e.breakers = NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	e.breakers.OnStateChange = e.onBreakerStateChange
	e.fsm = NewRunFSM(EventEmitterFunc(e.emit))
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Store returns the engine's state store.
func (e *Engine) Store() store.Store { return e.store }

// run is the per-call state threaded through handlers.
type run struct {
	id   string
	wf   *schema.Workflow
	reg  ToolRegistry
	exec StepExecutor
}

// Execute runs wf from its first step. The returned result is terminal, or
// RUNNING with PausedAt set when an approval/form wait suspended the run.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, reg ToolRegistry, exec StepExecutor) *schema.WorkflowResult {
	runID := e.newRunID()
	result := &schema.WorkflowResult{
		RunID:     runID,
		Status:    schema.RunStatusRunning,
		Steps:     []*schema.StepResult{},
		StartedAt: e.now(),
	}
	ctx = logging.WithRunID(ctx, runID)

	if wf == nil {
		e.abort(ctx, result, schema.NewError(schema.ErrCodeValidation, "workflow is nil"))
		return result
	}
	result.WorkflowID = wf.ID

	inputs, err := applyInputDefaults(wf, inputs)
	if err != nil {
		e.abort(ctx, result, err)
		return result
	}

	wfJSON, err := json.Marshal(wf)
	if err != nil {
		e.abort(ctx, result, schema.NewErrorf(schema.ErrCodeValidation, "encode workflow: %v", err).WithCause(err))
		return result
	}
	if err := e.store.CreateExecution(ctx, &store.Execution{
		RunID:      runID,
		WorkflowID: wf.ID,
		Status:     schema.RunStatusRunning,
		Workflow:   wfJSON,
		BasePath:   wf.BasePath,
		Inputs:     inputs,
		StartedAt:  result.StartedAt,
	}); err != nil {
		e.abort(ctx, result, err)
		return result
	}

	r := &run{id: runID, wf: wf, reg: reg, exec: orDefaultExecutor(exec)}
	ec := NewExecutionContext(runID, wf.ID, inputs)

	if err := e.fsm.Transition(ctx, runID, runStart, schema.RunStatusRunning, ""); err != nil {
		e.fail(ctx, r, ec, result, err.Error())
		return result
	}
	e.fireWorkflowStart(ctx, runID, wf)

	e.runLoop(ctx, r, ec, 0, result)
	return result
}

// ExecuteFile loads a workflow file and executes it.
func (e *Engine) ExecuteFile(ctx context.Context, path string, inputs map[string]any, reg ToolRegistry, exec StepExecutor) *schema.WorkflowResult {
	wf, err := loader.Load(path)
	if err != nil {
		result := &schema.WorkflowResult{
			RunID:     e.newRunID(),
			Status:    schema.RunStatusRunning,
			Steps:     []*schema.StepResult{},
			StartedAt: e.now(),
		}
		e.abort(ctx, result, err)
		return result
	}
	return e.Execute(ctx, wf, inputs, reg, exec)
}

// ResumeExecution continues a paused run after stepID. The stored checkpoints
// up to and including stepID are replayed into a fresh context and
// resumeData is injected as "<stepID>_response".
func (e *Engine) ResumeExecution(ctx context.Context, runID, stepID string, resumeData any, reg ToolRegistry, exec StepExecutor) *schema.WorkflowResult {
	ctx = logging.WithRunID(ctx, runID)
	result := &schema.WorkflowResult{
		RunID:     runID,
		Status:    schema.RunStatusRunning,
		Steps:     []*schema.StepResult{},
		StartedAt: e.now(),
	}

	rec, err := e.store.GetExecution(ctx, runID)
	if err != nil {
		e.abort(ctx, result, err)
		return result
	}
	result.WorkflowID = rec.WorkflowID
	result.StartedAt = rec.StartedAt
	if rec.Status != schema.RunStatusRunning {
		e.abort(ctx, result, schema.NewErrorf(schema.ErrCodeNotResumable,
			"run %s is %s and cannot be resumed", runID, rec.Status))
		return result
	}

	var wf schema.Workflow
	if err := json.Unmarshal(rec.Workflow, &wf); err != nil {
		e.abort(ctx, result, schema.NewErrorf(schema.ErrCodeStore, "decode stored workflow: %v", err).WithCause(err))
		return result
	}
	wf.BasePath = rec.BasePath

	idx := wf.FindStep(stepID)
	if idx < 0 {
		e.abort(ctx, result, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in workflow %s", stepID, wf.ID))
		return result
	}

	checkpoints, err := e.store.GetCheckpoints(ctx, runID)
	if err != nil {
		e.abort(ctx, result, err)
		return result
	}

	r := &run{id: runID, wf: &wf, reg: reg, exec: orDefaultExecutor(exec)}
	ec := NewExecutionContext(runID, wf.ID, rec.Inputs)
	for _, cp := range checkpoints {
		if cp.StepIndex > idx || cp.StepIndex >= len(wf.Steps) {
			continue
		}
		res := checkpointResult(cp)
		ec.replay(wf.Steps[cp.StepIndex], res)
		result.Steps = append(result.Steps, res)
	}
	ec.SetVariable(stepID+"_response", resumeData)

	if err := e.fsm.Transition(ctx, runID, schema.RunStatusRunning, schema.RunStatusRunning, schema.EventWorkflowResumed); err != nil {
		e.fail(ctx, r, ec, result, err.Error())
		return result
	}
	empty := ""
	e.updateExecution(ctx, runID, store.ExecutionUpdate{PausedAt: &empty})

	e.runLoop(ctx, r, ec, idx+1, result)
	return result
}

// Status returns the stored record of a run and its checkpoints.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Execution, []*store.Checkpoint, error) {
	rec, err := e.store.GetExecution(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	cps, err := e.store.GetCheckpoints(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return rec, cps, nil
}

// ResetCircuitBreakers closes every breaker and forgets service health.
func (e *Engine) ResetCircuitBreakers() {
	e.breakers.Reset()
	e.health.Reset()
}

// CircuitBreakers returns the state of every breaker this engine created.
func (e *Engine) CircuitBreakers() []map[string]any {
	return e.breakers.Snapshot()
}

// FailoverHistory returns a copy of every failover attempt made by this engine.
func (e *Engine) FailoverHistory() []schema.FailoverEvent {
	e.failoverMu.Lock()
	defer e.failoverMu.Unlock()
	out := make([]schema.FailoverEvent, len(e.failovers))
	copy(out, e.failovers)
	return out
}

// runLoop executes the top-level steps from start. Anything escaping the
// per-step handling fails the run; nothing escapes to the caller.
func (e *Engine) runLoop(ctx context.Context, r *run, ec *ExecutionContext, start int, result *schema.WorkflowResult) {
	defer func() {
		if rec := recover(); rec != nil {
			e.fail(ctx, r, ec, result, fmt.Sprintf("unexpected error: %v", rec))
		}
	}()

	for i := start; i < len(r.wf.Steps); i++ {
		if err := ctx.Err(); err != nil {
			e.fail(ctx, r, ec, result, contextError(err, "run "+r.id).Error())
			return
		}

		step := r.wf.Steps[i]
		ec.SetCurrentStepIndex(i)
		cur := i
		e.updateExecution(ctx, r.id, store.ExecutionUpdate{CurrentStep: &cur})

		res := e.dispatch(ctx, r, ec, step)
		result.Steps = append(result.Steps, res)

		if err := e.saveCheckpoint(ctx, r.id, i, res); err != nil {
			e.fail(ctx, r, ec, result, err.Error())
			return
		}

		if step.Pauses() && res.Status == schema.StepStatusCompleted {
			e.pause(ctx, r, step, result)
			return
		}

		if res.Failed() {
			decision := HandleStepError(ctx, EventEmitterFunc(e.emit), r.id, step, res)
			if decision.Continue {
				continue
			}
			if decision.Rollback {
				e.runRollback(ctx, r, ec, step, res)
			}
			e.fail(ctx, r, ec, result, decision.Message)
			return
		}
	}

	e.complete(ctx, r, ec, result)
}

func (e *Engine) complete(ctx context.Context, r *run, ec *ExecutionContext, result *schema.WorkflowResult) {
	if err := e.fsm.Transition(ctx, r.id, ec.Status(), schema.RunStatusCompleted, ""); err != nil {
		e.logger.WarnContext(ctx, "run completion rejected", "error", err)
		return
	}
	ec.SetStatus(schema.RunStatusCompleted)
	result.Status = schema.RunStatusCompleted
	result.Output = finalOutput(ec)
	result.Finish(e.now())

	status := schema.RunStatusCompleted
	completed := result.CompletedAt
	e.updateExecution(ctx, r.id, store.ExecutionUpdate{
		Status:      &status,
		Output:      marshalOrNil(result.Output),
		CompletedAt: &completed,
	})
	e.fireWorkflowComplete(ctx, result)
}

func (e *Engine) fail(ctx context.Context, r *run, ec *ExecutionContext, result *schema.WorkflowResult, msg string) {
	if ec.Status() != schema.RunStatusRunning {
		return
	}
	if err := e.fsm.Transition(ctx, r.id, schema.RunStatusRunning, schema.RunStatusFailed, ""); err != nil {
		e.logger.WarnContext(ctx, "run failure transition rejected", "error", err)
	}
	ec.SetStatus(schema.RunStatusFailed)
	result.Status = schema.RunStatusFailed
	result.Error = msg
	result.Output = finalOutput(ec)
	result.Finish(e.now())

	status := schema.RunStatusFailed
	completed := result.CompletedAt
	e.updateExecution(ctx, r.id, store.ExecutionUpdate{
		Status:      &status,
		Error:       &msg,
		Output:      marshalOrNil(result.Output),
		CompletedAt: &completed,
	})
	e.fireWorkflowComplete(ctx, result)
}

// abort fails a run that never reached the run loop.
func (e *Engine) abort(ctx context.Context, result *schema.WorkflowResult, err error) {
	result.Status = schema.RunStatusFailed
	result.Error = err.Error()
	result.Finish(e.now())
	e.logger.ErrorContext(ctx, "run aborted", "error", err)
	e.fireWorkflowComplete(ctx, result)
}

func (e *Engine) pause(ctx context.Context, r *run, step *schema.Step, result *schema.WorkflowResult) {
	if err := e.fsm.Transition(ctx, r.id, schema.RunStatusRunning, schema.RunStatusRunning, schema.EventWorkflowPaused); err != nil {
		e.logger.WarnContext(ctx, "pause transition rejected", "error", err)
	}
	result.PausedAt = step.ID
	result.Finish(e.now())
	pausedAt := step.ID
	e.updateExecution(ctx, r.id, store.ExecutionUpdate{PausedAt: &pausedAt})
}

func (e *Engine) runRollback(ctx context.Context, r *run, ec *ExecutionContext, step *schema.Step, res *schema.StepResult) {
	if e.rollback == nil {
		e.logger.WarnContext(ctx, "rollback requested but no rollback registry configured", "step_id", step.ID)
		return
	}
	e.emit(ctx, r.id, schema.EventRollback, map[string]any{"step_id": step.ID})
	err := e.rollback.RollbackAll(ctx, RollbackRequest{
		RunID:      r.id,
		FailedStep: step.ID,
		Error:      res.Error,
		Context:    ec,
		Inputs:     ec.Inputs(),
		Variables:  ec.Variables(),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "rollback failed", "step_id", step.ID, "error", err)
	}
}

// updateExecution is a best-effort status write; failures are logged only.
func (e *Engine) updateExecution(ctx context.Context, runID string, u store.ExecutionUpdate) {
	if err := e.store.UpdateExecution(ctx, runID, u); err != nil {
		e.logger.WarnContext(ctx, "execution update failed", "error", err)
	}
}

func (e *Engine) recordFailover(ev schema.FailoverEvent) {
	e.failoverMu.Lock()
	defer e.failoverMu.Unlock()
	e.failovers = append(e.failovers, ev)
}

func (e *Engine) emit(ctx context.Context, runID, event string, attrs map[string]any) {
	args := make([]any, 0, 2+2*len(attrs))
	args = append(args, "event", event)
	for _, k := range sortedAttrKeys(attrs) {
		args = append(args, k, attrs[k])
	}
	logger := e.logger
	if logging.RunID(ctx) == "" && runID != "" {
		logger = logger.With("run_id", runID)
	}
	level := slog.LevelInfo
	switch event {
	case schema.EventStepError, schema.EventStepFailed, schema.EventWorkflowFailed, schema.EventCircuitBreakerOpen:
		level = slog.LevelWarn
	case schema.EventStepStarted, schema.EventCheckpoint:
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, event, args...)
	if e.events != nil {
		e.events.Emit(ctx, runID, event, attrs)
	}
}

func (e *Engine) onBreakerStateChange(service string, from, to CircuitState) {
	var event string
	switch to {
	case CircuitOpen:
		event = schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		event = schema.EventCircuitBreakerHalfOpen
	default:
		event = schema.EventCircuitBreakerClosed
	}
	e.emit(context.Background(), "", event, map[string]any{
		"service": service,
		"from":    from.String(),
		"to":      to.String(),
	})
}

// applyInputDefaults fills declared defaults and checks required inputs.
func applyInputDefaults(wf *schema.Workflow, inputs map[string]any) (map[string]any, error) {
	out := expressions.CloneMap(inputs)
	if out == nil {
		out = map[string]any{}
	}
	var missing []string
	for _, name := range sortedAttrKeys(wf.Inputs) {
		spec := wf.Inputs[name]
		if _, ok := out[name]; ok {
			continue
		}
		if spec.Default != nil {
			out[name] = expressions.CloneValue(spec.Default)
			continue
		}
		if spec.Required {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "missing required inputs: %v", missing).
			WithDetails(map[string]any{"missing": missing})
	}
	return out, nil
}

// finalOutput is the workflow-outputs override when a step set one, else the variables.
func finalOutput(ec *ExecutionContext) any {
	if wo := ec.WorkflowOutputs(); wo != nil {
		return wo
	}
	return ec.Variables()
}

func orDefaultExecutor(exec StepExecutor) StepExecutor {
	if exec == nil {
		return NewRegistryExecutor()
	}
	return exec
}

func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
