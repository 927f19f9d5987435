package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	e := seedExecution(t, s)

	got, err := s.GetExecution(context.Background(), e.RunID)
	require.NoError(t, err)
	got.Inputs["name"] = "mutated"
	got.Status = schema.RunStatusFailed

	again, err := s.GetExecution(context.Background(), e.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ada", again.Inputs["name"])
	assert.Equal(t, schema.RunStatusRunning, again.Status)
}

func TestMemoryStore_CheckpointRequiresExecution(t *testing.T) {
	s := NewMemoryStore()
	err := s.SaveCheckpoint(context.Background(), &Checkpoint{RunID: "ghost", StepID: "a"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}
