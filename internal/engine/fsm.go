package engine

import (
	"context"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventEmitter receives lifecycle events as runs and steps move through states.
type EventEmitter interface {
	Emit(ctx context.Context, runID, event string, attrs map[string]any)
}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, runID, event string, attrs map[string]any)

func (f EventEmitterFunc) Emit(ctx context.Context, runID, event string, attrs map[string]any) {
	f(ctx, runID, event, attrs)
}

// runStart is the pseudo-status of a run that has not been recorded yet.
const runStart schema.RunStatus = ""

// ValidRunTransitions lists the allowed moves of a run. RUNNING -> RUNNING is
// a pause or a resume; the run keeps its status while suspended.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	runStart:                  {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM guards run status transitions and emits the matching event.
type RunFSM struct {
	mu      sync.Mutex
	emitter EventEmitter
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that reports transitions to emitter.
func NewRunFSM(emitter EventEmitter) *RunFSM {
	return &RunFSM{
		emitter: emitter,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and emits event. When event is empty the
// default event for the target status is used.
// The caller is responsible for persisting the new status.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid run transition: %q -> %q", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if event == "" {
		event = runEventType(to)
	}
	if event != "" && f.emitter != nil {
		f.emitter.Emit(ctx, runID, event, map[string]any{"from": string(from), "to": string(to)})
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventWorkflowStarted
	case schema.RunStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.RunStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}
