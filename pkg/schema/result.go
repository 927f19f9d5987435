package schema

import (
	"sort"
	"time"
)

// StepResult is the single outcome of one dispatch call. When a step was
// retried it reflects the final attempt only.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Failed reports whether the step ended in FAILED.
func (r *StepResult) Failed() bool { return r != nil && r.Status == StepStatusFailed }

// WorkflowResult is what the engine hands back for every run, terminal or paused.
type WorkflowResult struct {
	RunID       string        `json:"run_id"`
	WorkflowID  string        `json:"workflow_id"`
	Status      RunStatus     `json:"status"`
	Steps       []*StepResult `json:"steps"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// PausedAt names the wait step a RUNNING result is suspended on.
	PausedAt string `json:"paused_at,omitempty"`
}

// Finish stamps the completion time and derives Duration from it.
func (r *WorkflowResult) Finish(at time.Time) {
	r.CompletedAt = at
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}

// StepMetadata is the last known state of a step, visible to condition expressions.
type StepMetadata struct {
	Status     StepStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
}

// FailoverReason classifies why a failover was attempted.
type FailoverReason string

const (
	FailoverReasonTimeout     FailoverReason = "timeout"
	FailoverReasonStepFailure FailoverReason = "step_failure"
)

// FailoverEvent records one attempt to move a step to an alternate service.
type FailoverEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	FromService string         `json:"from_service"`
	ToService   string         `json:"to_service"`
	Reason      FailoverReason `json:"reason"`
	StepIndex   int            `json:"step_index"`
	StepID      string         `json:"step_id"`
	Error       string         `json:"error,omitempty"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
