package engine

import (
	"sort"
	"sync"
	"time"
)

// ServiceHealth is the tracked status of one service.
type ServiceHealth struct {
	Service             string    `json:"service"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastChecked         time.Time `json:"last_checked"`
}

// HealthTracker records healthy/unhealthy status per service. Failover
// consults it when choosing fallbacks and updates it with every outcome.
type HealthTracker struct {
	recheck time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	services map[string]*ServiceHealth
}

// NewHealthTracker creates a tracker. An unhealthy service becomes eligible
// again once recheck has passed since it was marked; zero disables that.
func NewHealthTracker(recheck time.Duration) *HealthTracker {
	return &HealthTracker{
		recheck:  recheck,
		now:      time.Now,
		services: make(map[string]*ServiceHealth),
	}
}

// MarkHealthy records a success for service.
func (h *HealthTracker) MarkHealthy(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.entry(service)
	s.Healthy = true
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.LastChecked = h.now()
}

// MarkUnhealthy records a failure for service.
func (h *HealthTracker) MarkUnhealthy(service, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.entry(service)
	s.Healthy = false
	s.ConsecutiveFailures++
	s.LastError = reason
	s.LastChecked = h.now()
}

// IsHealthy reports whether service may receive traffic. Unknown services are healthy.
func (h *HealthTracker) IsHealthy(service string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.services[service]
	if !ok || s.Healthy {
		return true
	}
	return h.recheck > 0 && h.now().Sub(s.LastChecked) >= h.recheck
}

// Get returns a copy of the tracked status for service.
func (h *HealthTracker) Get(service string) (ServiceHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.services[service]
	if !ok {
		return ServiceHealth{}, false
	}
	return *s, true
}

// Snapshot returns every tracked service, ordered by name.
func (h *HealthTracker) Snapshot() []ServiceHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ServiceHealth, 0, len(h.services))
	for _, s := range h.services {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Reset forgets every service.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = make(map[string]*ServiceHealth)
}

// entry must be called with mu held.
func (h *HealthTracker) entry(service string) *ServiceHealth {
	s, ok := h.services[service]
	if !ok {
		s = &ServiceHealth{Service: service, Healthy: true}
		h.services[service] = s
	}
	return s
}
