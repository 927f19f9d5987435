package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// Compensation undoes the effect of an earlier step.
type Compensation func(ctx context.Context, req RollbackRequest) error

type compensationEntry struct {
	name string
	fn   Compensation
}

// RollbackStack is a RollbackRegistry that runs pushed compensations in
// reverse order. Every compensation runs even when an earlier one fails.
type RollbackStack struct {
	mu      sync.Mutex
	entries []compensationEntry
}

// NewRollbackStack returns an empty stack.
func NewRollbackStack() *RollbackStack {
	return &RollbackStack{}
}

// Push registers a compensation.
func (s *RollbackStack) Push(name string, fn Compensation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, compensationEntry{name: name, fn: fn})
}

// Len returns the number of pending compensations.
func (s *RollbackStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RollbackAll pops and runs every compensation, last pushed first.
func (s *RollbackStack) RollbackAll(ctx context.Context, req RollbackRequest) error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := runCompensation(ctx, entries[i], req); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entries[i].name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeRollback, "%d compensation(s) failed", len(errs)).
		WithCause(errors.Join(errs...))
}

func runCompensation(ctx context.Context, e compensationEntry, req RollbackRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, req)
}

var _ RollbackRegistry = (*RollbackStack)(nil)
