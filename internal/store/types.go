package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// Execution is the persisted record of one run.
type Execution struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status"`

	// Workflow is the JSON definition the run was started with; resume reloads it.
	Workflow json.RawMessage `json:"workflow"`
	BasePath string          `json:"base_path,omitempty"`
	Inputs   map[string]any  `json:"inputs,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	PausedAt string          `json:"paused_at,omitempty"`

	CurrentStep int        `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExecutionUpdate holds optional fields for updating an execution.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       *string           `json:"error,omitempty"`
	PausedAt    *string           `json:"paused_at,omitempty"`
	CurrentStep *int              `json:"current_step,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status     *schema.RunStatus
	WorkflowID string
	Limit      int
}

// Checkpoint is the persisted outcome of one top-level step, keyed by
// (RunID, StepIndex).
type Checkpoint struct {
	RunID       string            `json:"run_id"`
	StepIndex   int               `json:"step_index"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Apply copies the non-nil fields of u onto e.
func (u ExecutionUpdate) Apply(e *Execution) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.Output != nil {
		e.Output = append(json.RawMessage(nil), u.Output...)
	}
	if u.Error != nil {
		e.Error = *u.Error
	}
	if u.PausedAt != nil {
		e.PausedAt = *u.PausedAt
	}
	if u.CurrentStep != nil {
		e.CurrentStep = *u.CurrentStep
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		e.CompletedAt = &t
	}
}

func (u ExecutionUpdate) empty() bool {
	return u.Status == nil && u.Output == nil && u.Error == nil &&
		u.PausedAt == nil && u.CurrentStep == nil && u.CompletedAt == nil
}
