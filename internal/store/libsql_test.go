package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// stores returns every Store implementation under test.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"libsql": newTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func seedExecution(t *testing.T, s Store) *Execution {
	t.Helper()
	e := &Execution{
		RunID:      uuid.New().String(),
		WorkflowID: "wf-1",
		Status:     schema.RunStatusRunning,
		Workflow:   json.RawMessage(`{"id":"wf-1","steps":[]}`),
		Inputs:     map[string]any{"name": "ada"},
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))
	return e
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestCreateAndGetExecution(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := seedExecution(t, s)

			got, err := s.GetExecution(ctx, e.RunID)
			require.NoError(t, err)
			assert.Equal(t, e.RunID, got.RunID)
			assert.Equal(t, "wf-1", got.WorkflowID)
			assert.Equal(t, schema.RunStatusRunning, got.Status)
			assert.JSONEq(t, `{"id":"wf-1","steps":[]}`, string(got.Workflow))
			assert.Equal(t, "ada", got.Inputs["name"])
			assert.Nil(t, got.CompletedAt)
		})
	}
}

func TestCreateExecution_Duplicate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			e := seedExecution(t, s)
			err := s.CreateExecution(context.Background(), e)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
		})
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetExecution(context.Background(), "missing")
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
		})
	}
}

func TestUpdateExecution(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := seedExecution(t, s)

			status := schema.RunStatusFailed
			msg := "boom"
			step := 2
			done := time.Now().UTC()
			require.NoError(t, s.UpdateExecution(ctx, e.RunID, ExecutionUpdate{
				Status:      &status,
				Error:       &msg,
				CurrentStep: &step,
				Output:      json.RawMessage(`{"x":1}`),
				CompletedAt: &done,
			}))

			got, err := s.GetExecution(ctx, e.RunID)
			require.NoError(t, err)
			assert.Equal(t, schema.RunStatusFailed, got.Status)
			assert.Equal(t, "boom", got.Error)
			assert.Equal(t, 2, got.CurrentStep)
			assert.JSONEq(t, `{"x":1}`, string(got.Output))
			require.NotNil(t, got.CompletedAt)
		})
	}
}

func TestUpdateExecution_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			status := schema.RunStatusCompleted
			err := s.UpdateExecution(context.Background(), "missing", ExecutionUpdate{Status: &status})
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
		})
	}
}

func TestListExecutions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedExecution(t, s)
			second := seedExecution(t, s)

			failed := schema.RunStatusFailed
			require.NoError(t, s.UpdateExecution(ctx, second.RunID, ExecutionUpdate{Status: &failed}))

			all, err := s.ListExecutions(ctx, ExecutionFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			onlyFailed, err := s.ListExecutions(ctx, ExecutionFilter{Status: &failed})
			require.NoError(t, err)
			require.Len(t, onlyFailed, 1)
			assert.Equal(t, second.RunID, onlyFailed[0].RunID)

			limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			none, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "other"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestCheckpoints_OrderedAndUpserted(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := seedExecution(t, s)
			now := time.Now().UTC()

			for _, idx := range []int{1, 0} {
				require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
					RunID:       e.RunID,
					StepIndex:   idx,
					StepID:      []string{"a", "b"}[idx],
					Status:      schema.StepStatusCompleted,
					Output:      json.RawMessage(`{"n":1}`),
					StartedAt:   now,
					CompletedAt: now,
				}))
			}
			require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
				RunID:       e.RunID,
				StepIndex:   1,
				StepID:      "b",
				Status:      schema.StepStatusFailed,
				Error:       "nope",
				RetryCount:  3,
				StartedAt:   now,
				CompletedAt: now,
			}))

			cps, err := s.GetCheckpoints(ctx, e.RunID)
			require.NoError(t, err)
			require.Len(t, cps, 2)
			assert.Equal(t, "a", cps[0].StepID)
			assert.JSONEq(t, `{"n":1}`, string(cps[0].Output))
			assert.Equal(t, "b", cps[1].StepID)
			assert.Equal(t, schema.StepStatusFailed, cps[1].Status)
			assert.Equal(t, "nope", cps[1].Error)
			assert.Equal(t, 3, cps[1].RetryCount)
			assert.Empty(t, cps[1].Output)
		})
	}
}

func TestGetCheckpoints_UnknownRun(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cps, err := s.GetCheckpoints(context.Background(), "missing")
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}
