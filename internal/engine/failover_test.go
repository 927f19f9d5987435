package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func failoverEnv(t *testing.T, fallbacks ...string) *testEnv {
	return newTestEnv(t, func(c *Config) {
		c.MaxRetries = 0
		c.Failover.FallbackServices = fallbacks
	})
}

func failServices(services ...string) func(context.Context, StepRequest) (any, error) {
	down := make(map[string]bool, len(services))
	for _, s := range services {
		down[s] = true
	}
	return func(_ context.Context, req StepRequest) (any, error) {
		if down[ServiceName(req.Step.Action)] {
			return nil, errors.New(ServiceName(req.Step.Action) + " unavailable")
		}
		return "served by " + req.Step.Action, nil
	}
}

func TestFailover_SwitchesToFallbackService(t *testing.T) {
	te := failoverEnv(t, "backup")
	te.exec.fn = failServices("primary")

	res := te.run(newWorkflow(actionStep("s", "primary.analyze", nil)), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, "served by backup.analyze", res.Steps[0].Output)
	assert.Equal(t, []string{"primary.analyze", "backup.analyze"}, te.exec.Calls())

	history := te.engine.FailoverHistory()
	require.Len(t, history, 1)
	ev := history[0]
	assert.Equal(t, "primary", ev.FromService)
	assert.Equal(t, "backup", ev.ToService)
	assert.Equal(t, schema.FailoverReasonStepFailure, ev.Reason)
	assert.Equal(t, "s", ev.StepID)
	assert.Equal(t, 0, ev.StepIndex)
	assert.Contains(t, ev.Error, "primary unavailable")
}

func TestFailover_TriesFallbacksInOrderAndSkipsPrimary(t *testing.T) {
	te := newTestEnv(t, func(c *Config) {
		c.MaxRetries = 0
		c.Failover.FallbackServices = []string{"primary", "b1", "b2"}
		c.Failover.MaxFailoverAttempts = 3
	})
	te.exec.fn = failServices("primary", "b1")

	res := te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, []string{"primary.run", "b1.run", "b2.run"}, te.exec.Calls())
	assert.Len(t, te.engine.FailoverHistory(), 2)
}

func TestFailover_AllFallbacksFailKeepsPrimaryError(t *testing.T) {
	te := failoverEnv(t, "b1", "b2", "b3")
	te.exec.fn = failServices("primary", "b1", "b2", "b3")

	res := te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Equal(t, "primary unavailable", res.Steps[0].Error)
	// MaxFailoverAttempts defaults to 2.
	assert.Equal(t, []string{"primary.run", "b1.run", "b2.run"}, te.exec.Calls())
}

func TestFailover_PrefersHealthyFallbacks(t *testing.T) {
	te := failoverEnv(t, "b1", "b2")
	te.exec.fn = failServices("primary", "b1")

	te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)
	te.exec.calls = nil
	te.engine.breakers.Reset()

	res := te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, []string{"primary.run", "b2.run"}, te.exec.Calls())
}

func TestFailover_UnhealthyFallbacksTriedLast(t *testing.T) {
	te := failoverEnv(t, "b1", "b2")
	te.exec.fn = failServices("primary", "b1", "b2")

	te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)
	require.Len(t, te.engine.FailoverHistory(), 2)

	te.exec.calls = nil
	te.engine.breakers.Reset()
	te.exec.fn = failServices("primary", "b2")

	res := te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	require.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, []string{"primary.run", "b1.run"}, te.exec.Calls())
	assert.Len(t, te.engine.FailoverHistory(), 3)
}

func TestFailover_TimeoutGate(t *testing.T) {
	slow := func(ctx context.Context, req StepRequest) (any, error) {
		if ServiceName(req.Step.Action) == "primary" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "fast", nil
	}
	step := actionStep("s", "primary.run", nil)
	step.Timeout = schema.Duration(10 * time.Millisecond)

	off := newTestEnv(t, func(c *Config) {
		c.MaxRetries = 0
		c.Failover.FallbackServices = []string{"backup"}
		c.Failover.FailoverOnTimeout = false
	})
	off.exec.fn = slow
	res := off.run(newWorkflow(step), nil)
	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Empty(t, off.engine.FailoverHistory())

	on := failoverEnv(t, "backup")
	on.exec.fn = slow
	res = on.run(newWorkflow(step), nil)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	require.Len(t, on.engine.FailoverHistory(), 1)
	assert.Equal(t, schema.FailoverReasonTimeout, on.engine.FailoverHistory()[0].Reason)
}

func TestFailover_StepFailureGate(t *testing.T) {
	te := newTestEnv(t, func(c *Config) {
		c.MaxRetries = 0
		c.Failover.FallbackServices = []string{"backup"}
		c.Failover.FailoverOnStepFailure = false
	})
	te.exec.fn = failServices("primary")

	res := te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Equal(t, []string{"primary.run"}, te.exec.Calls())
}

func TestFailover_NotAppliedToActionsWithoutMethod(t *testing.T) {
	te := failoverEnv(t, "backup")
	te.exec.fn = failServices("primary")

	res := te.run(newWorkflow(actionStep("s", "primary", nil)), nil)

	assert.Equal(t, schema.StepStatusFailed, res.Steps[0].Status)
	assert.Empty(t, te.engine.FailoverHistory())
}

func TestFailover_MarksServiceHealth(t *testing.T) {
	te := failoverEnv(t, "backup")
	te.exec.fn = failServices("primary")

	te.run(newWorkflow(actionStep("s", "primary.run", nil)), nil)

	assert.False(t, te.engine.health.IsHealthy("primary"))
	assert.True(t, te.engine.health.IsHealthy("backup"))

	te.engine.ResetCircuitBreakers()
	assert.True(t, te.engine.health.IsHealthy("primary"))
}
