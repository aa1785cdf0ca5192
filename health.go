package creditengine

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState is the circuit breaker state of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (s HealthState) String() string {
	switch s {
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half_open"
	default:
		return "healthy"
	}
}

// HealthTracker tracks per-provider submission health using a circuit breaker.
// An unhealthy provider is not called, and the coordinator checks it before
// reserving, so no credits are held against it.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	probeAt     time.Time // zero when no half-open probe is in flight
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
}

// GetHealth returns the current health state for a provider.
func (h *HealthTracker) GetHealth(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}

	return h.stateLocked(ph)
}

// stateLocked moves an unhealthy provider to half-open once the unhealthy
// period has elapsed.
func (h *HealthTracker) stateLocked(ph *providerHealth) HealthState {
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
		ph.probeAt = time.Time{}
	}
	return ph.state
}

// Allow reports whether a submission to provider may be attempted.
// While half-open only one caller at a time is let through as a probe. A
// probe that never reports back frees its slot after healthUnhealthyPeriod.
func (h *HealthTracker) Allow(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return true
	}
	switch h.stateLocked(ph) {
	case HealthUnhealthy:
		return false
	case HealthHalfOpen:
		now := h.now()
		if !ph.probeAt.IsZero() && now.Sub(ph.probeAt) < healthUnhealthyPeriod {
			return false
		}
		ph.probeAt = now
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful submission.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
	ph.probeAt = time.Time{}
}

// RecordFailure records a failed submission.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	now := h.now()

	if h.stateLocked(ph) == HealthHalfOpen {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
		ph.probeAt = time.Time{}
		return
	}
	if ph.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
