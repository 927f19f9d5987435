package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	checkpoints map[string]map[int]*Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		checkpoints: make(map[string]map[int]*Checkpoint),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	if e.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.RunID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", e.RunID)
	}
	cp := copyExecution(e)
	cp.StartedAt = timeOrNow(cp.StartedAt)
	cp.UpdatedAt = time.Now().UTC()
	s.executions[e.RunID] = cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, runID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[runID]
	if !ok {
		return nil, storeNotFound("execution", runID)
	}
	return copyExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, runID string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[runID]
	if !ok {
		return storeNotFound("execution", runID)
	}
	if update.empty() {
		return nil
	}
	update.Apply(e)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, e := range s.executions {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[cp.RunID]; !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: execution %q not found", cp.RunID)
	}
	rows, ok := s.checkpoints[cp.RunID]
	if !ok {
		rows = make(map[int]*Checkpoint)
		s.checkpoints[cp.RunID] = rows
	}
	c := *cp
	c.Output = append(json.RawMessage(nil), cp.Output...)
	rows[cp.StepIndex] = &c
	return nil
}

func (s *MemoryStore) GetCheckpoints(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.checkpoints[runID]
	out := make([]*Checkpoint, 0, len(rows))
	for _, cp := range rows {
		c := *cp
		c.Output = append(json.RawMessage(nil), cp.Output...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	cp.Workflow = append(json.RawMessage(nil), e.Workflow...)
	cp.Output = append(json.RawMessage(nil), e.Output...)
	cp.Inputs = expressions.CloneMap(e.Inputs)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
