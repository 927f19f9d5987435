package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // One probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns the default threshold and cooldown.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker gates calls to one backing service.
type CircuitBreaker struct {
	service string
	config  CircuitBreakerConfig
	now     func() time.Time
	notify  func(service string, from, to CircuitState)

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// CanExecute reports whether a call may proceed. An OPEN breaker whose cooldown
// has elapsed moves to HALF_OPEN and admits exactly one probe; further calls
// are rejected until that probe is recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.transition(CircuitHalfOpen)
		cb.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.transition(CircuitClosed)
}

// RecordFailure counts a failure and returns the resulting state. A failed
// HALF_OPEN probe reopens the circuit and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.probeInFlight = false

	switch {
	case cb.state == CircuitHalfOpen:
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen)
	case cb.state == CircuitClosed && cb.consecutiveFailures >= cb.config.FailureThreshold:
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen)
	}
	return cb.state
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Stats returns diagnostic information about the breaker.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]any{
		"service":              cb.service,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
	if cb.state == CircuitOpen {
		remaining := cb.config.Cooldown - cb.now().Sub(cb.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		stats["cooldown_remaining"] = remaining.String()
	}
	return stats
}

// rejection builds the error returned when CanExecute refuses a call.
func (cb *CircuitBreaker) rejection(stepID string) *schema.FlowError {
	stats := cb.Stats()
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit breaker %s for service %q after %d consecutive failures",
		stats["state"], cb.service, stats["consecutive_failures"]).
		WithStep(stepID).
		WithDetails(stats)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if from != to && cb.notify != nil {
		cb.notify(cb.service, from, to)
	}
}

// CircuitBreakerRegistry owns one lazily created breaker per service name.
// It belongs to a single engine instance.
type CircuitBreakerRegistry struct {
	config CircuitBreakerConfig
	now    func() time.Time

	// OnStateChange, when set, is called on every transition with the breaker locked.
	OnStateChange func(service string, from, to CircuitState)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	return &CircuitBreakerRegistry{
		config:   config,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for service, creating it on first reference.
func (r *CircuitBreakerRegistry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[service]
	if !ok {
		cb = &CircuitBreaker{
			service: service,
			config:  r.config,
			now:     r.now,
			notify:  r.OnStateChange,
			state:   CircuitClosed,
		}
		r.breakers[service] = cb
	}
	return cb
}

// Reset drops every breaker; the next reference starts CLOSED.
func (r *CircuitBreakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// Snapshot returns Stats for every known breaker, ordered by service.
func (r *CircuitBreakerRegistry) Snapshot() []map[string]any {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, r.Get(name).Stats())
	}
	return out
}

// ServiceName is the breaker key of an action: the text before the first ".".
func ServiceName(action string) string {
	if i := strings.Index(action, "."); i >= 0 {
		return action[:i]
	}
	return action
}

// MethodName is the text after the first "." of an action, or "".
func MethodName(action string) string {
	if i := strings.Index(action, "."); i >= 0 {
		return action[i+1:]
	}
	return ""
}
