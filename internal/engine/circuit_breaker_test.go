package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	r.now = clock.Now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	cb := r.Get("github")
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	cb := r.Get("github")

	assert.Equal(t, CircuitClosed, cb.RecordFailure())
	assert.Equal(t, CircuitClosed, cb.RecordFailure())
	assert.Equal(t, CircuitOpen, cb.RecordFailure())
	assert.False(t, cb.CanExecute())

	err := cb.rejection("fetch")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeCircuitOpen, fe.Code)
	assert.Equal(t, "fetch", fe.StepID)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	cb := r.Get("jira")

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAllowsExactlyOneProbe(t *testing.T) {
	r, clock := newTestRegistry(2, 10*time.Second)
	cb := r.Get("slack")
	cb.RecordFailure()
	cb.RecordFailure()

	clock.Advance(9 * time.Second)
	assert.False(t, cb.CanExecute(), "cooldown not elapsed")

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.CanExecute(), "second probe must be rejected")
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry(1, time.Second)
	cb := r.Get("slack")
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_HalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	r, clock := newTestRegistry(1, 10*time.Second)
	cb := r.Get("slack")
	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, cb.CanExecute())

	assert.Equal(t, CircuitOpen, cb.RecordFailure())
	clock.Advance(5 * time.Second)
	assert.False(t, cb.CanExecute())
	clock.Advance(5 * time.Second)
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreakerRegistry_OneBreakerPerService(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	assert.Same(t, r.Get("github"), r.Get("github"))
	assert.NotSame(t, r.Get("github"), r.Get("jira"))

	r.Get("github").RecordFailure()
	assert.Equal(t, CircuitOpen, r.Get("github").State())
	assert.Equal(t, CircuitClosed, r.Get("jira").State())
}

func TestCircuitBreakerRegistry_ResetAndSnapshot(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.Get("b").RecordFailure()
	r.Get("a")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0]["service"])
	assert.Equal(t, "OPEN", snap[1]["state"])

	r.Reset()
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, CircuitClosed, r.Get("b").State())
}

func TestCircuitBreakerRegistry_NotifiesTransitions(t *testing.T) {
	r, clock := newTestRegistry(1, time.Second)
	var seen []string
	r.OnStateChange = func(service string, from, to CircuitState) {
		seen = append(seen, service+":"+from.String()+">"+to.String())
	}
	cb := r.Get("svc")
	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.CanExecute()
	cb.RecordSuccess()

	assert.Equal(t, []string{"svc:CLOSED>OPEN", "svc:OPEN>HALF_OPEN", "svc:HALF_OPEN>CLOSED"}, seen)
}

func TestServiceAndMethodName(t *testing.T) {
	assert.Equal(t, "slack", ServiceName("slack.chat.post"))
	assert.Equal(t, "chat.post", MethodName("slack.chat.post"))
	assert.Equal(t, "noop", ServiceName("noop"))
	assert.Equal(t, "", MethodName("noop"))
}
