package mcp

import (
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// TrackedRun is a background run started by an async stepwise.run call.
type TrackedRun struct {
	Ticket    string                 `json:"ticket"`
	Workflow  string                 `json:"workflow"`
	StartedAt time.Time              `json:"started_at"`
	Done      bool                   `json:"done"`
	Result    *schema.WorkflowResult `json:"result,omitempty"`

	sessionID string
}

// RunTracker maps async tickets to their run and the MCP session to notify.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*TrackedRun
}

// NewRunTracker creates an empty RunTracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]*TrackedRun)}
}

// Start records a ticket. sessionID may be empty when the caller has no session.
func (t *RunTracker) Start(ticket, sessionID, workflow string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[ticket] = &TrackedRun{Ticket: ticket, Workflow: workflow, StartedAt: at, sessionID: sessionID}
}

// Finish stores the result and returns the session to notify, or "".
func (t *RunTracker) Finish(ticket string, res *schema.WorkflowResult) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[ticket]
	if !ok {
		return ""
	}
	run.Done = true
	run.Result = res
	return run.sessionID
}

// Get returns a copy of the tracked run.
func (t *RunTracker) Get(ticket string) (TrackedRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[ticket]
	if !ok {
		return TrackedRun{}, false
	}
	return *run, true
}

// DropSession forgets the session of every ticket it owns. Results stay
// queryable by ticket; only the notification target is cleared.
func (t *RunTracker) DropSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, run := range t.runs {
		if run.sessionID == sessionID {
			run.sessionID = ""
		}
	}
}
