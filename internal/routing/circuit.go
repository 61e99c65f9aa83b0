// Package routing implements the provider-selection engine: per-provider
// circuit breakers, rolling health statistics, pluggable selection
// strategies, and the bounded retry driver that composes them into a
// single dispatch call.
package routing

import (
	"sync"
	"time"
)

// CircuitState represents the operational state of a per-provider breaker.
//
//	StateClosed   — normal operation; calls pass through.
//	StateOpen     — provider is failing; calls are rejected immediately.
//	StateHalfOpen — recovery window; a single serialized probe is allowed.
type CircuitState int

const (
	StateClosed   CircuitState = 0
	StateOpen     CircuitState = 1
	StateHalfOpen CircuitState = 2
)

// String returns the metrics/log label for the state.
func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker tuning parameters.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default: 5.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before allowing a
	// probe. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of consecutive probe successes that
	// close the breaker again. Default: 2.
	HalfOpenSuccesses int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 2
	}
	return c
}

// breaker holds the state machine for one provider.
type breaker struct {
	mu sync.Mutex

	state         CircuitState
	failures      int  // consecutive failures while closed
	probeSuccess  int  // consecutive successes while half-open
	probeInflight bool // true while a half-open probe is outstanding
	openedAt      time.Time
}

// CircuitBreaker manages independent breakers for each provider. Unknown
// providers get a fresh closed breaker on first use. Safe for concurrent
// use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker. Zero config fields fall back
// to the defaults (threshold 5, open 30s, half-open successes 2).
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*breaker),
		cfg:      cfg.withDefaults(),
	}
}

// Allow reports whether the named provider should receive the next call.
//
//   - Closed   → true.
//   - Open     → false until OpenDuration has elapsed, then the breaker
//     moves to HalfOpen and admits one probe.
//   - HalfOpen → true only when no probe is in flight; concurrent callers
//     racing into HalfOpen are serialized to a single probe.
//
// A true return while half-open reserves the probe slot — the caller must
// follow up with RecordSuccess or RecordFailure to release it.
func (cb *CircuitBreaker) Allow(provider string) bool {
	b := cb.get(provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= cb.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.probeSuccess = 0
			b.probeInflight = true
			return true
		}
		return false

	case StateHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful call. In Closed it clears the failure
// run; in HalfOpen it advances the probe count and closes the breaker once
// the configured number of consecutive successes is reached.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	b := cb.get(provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.probeInflight = false
		b.probeSuccess++
		if b.probeSuccess >= cb.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.failures = 0
			b.probeSuccess = 0
		}

	case StateOpen:
		// A success while open means the call raced the trip; treat it as
		// a full recovery signal.
		b.state = StateClosed
		b.failures = 0
		b.probeSuccess = 0
	}
}

// RecordFailure marks a failed call. The threshold'th consecutive failure
// while Closed opens the breaker; any failure while HalfOpen reopens it
// and restarts the cooldown timer.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	b := cb.get(provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= cb.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		b.probeInflight = false
		b.probeSuccess = 0
		b.state = StateOpen
		b.openedAt = time.Now()

	case StateOpen:
		// Late failure from a call issued before the trip — nothing to do.
	}
}

// State returns the current state for provider. An Open breaker whose
// cooldown has elapsed transitions to HalfOpen here, so eligibility
// filters built on State see the provider become selectable again without
// waiting for a call to Allow.
func (cb *CircuitBreaker) State(provider string) CircuitState {
	b := cb.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= cb.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probeSuccess = 0
		b.probeInflight = false
	}
	return b.state
}

func (cb *CircuitBreaker) get(provider string) *breaker {
	cb.mu.RLock()
	b, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok = cb.breakers[provider]; ok {
		return b
	}
	b = &breaker{state: StateClosed}
	cb.breakers[provider] = b
	return b
}
