package store

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's externally visible state.
type BreakerState int

const (
	// StateHealthy means recent calls succeeded.
	StateHealthy BreakerState = iota
	// StateDegraded means failures are accumulating below the open threshold.
	StateDegraded
	// StateCircuitOpen means calls are short-circuited to the fallback path.
	StateCircuitOpen
	// StateHalfOpen means the cooldown elapsed and one probe call is allowed.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a failure-isolation state machine for the primary store.
// Transitions are deterministic functions of recorded outcomes and the
// injected clock, so tests never wait on real time.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	consecutiveFailures int
	openedAt            time.Time
	probing             bool
	state               BreakerState
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// NewBreaker creates a Breaker. A nil now function defaults to time.Now.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		now:              now,
	}
}

// Allow reports whether a call may attempt the primary. While the circuit is
// open within the cooldown window it returns false; after the cooldown it
// admits exactly one probe and moves to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateCircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful primary call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probing = false
	b.state = StateHealthy
}

// RecordFailure notes a failed primary call and opens the circuit when the
// failure threshold is crossed. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.probing = false

	if b.state == StateHalfOpen || b.consecutiveFailures >= b.failureThreshold {
		b.state = StateCircuitOpen
		b.openedAt = b.now()
		return
	}
	b.state = StateDegraded
}

// State returns the current breaker state, applying the open→half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateCircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
