package scheduler

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // admitting
	CircuitHalfOpen                     // admitting a few probe jobs
	CircuitOpen                         // rejecting
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes when the breaker opens and how it recovers.
type BreakerConfig struct {
	QueueThreshold      int     // queue depth that opens the breaker
	SaturationThreshold float64 // worker saturation that opens the breaker
	// FailureThreshold consecutive transient job failures open the breaker.
	// They usually mean the control plane itself is down. Zero disables it.
	FailureThreshold int
	Cooldown         time.Duration // open time before probing
	ProbeLimit       int           // probe jobs admitted while half-open
}

// DefaultBreakerConfig returns the production settings for queueThreshold.
func DefaultBreakerConfig(queueThreshold int) BreakerConfig {
	return BreakerConfig{
		QueueThreshold:      queueThreshold,
		SaturationThreshold: 0.95,
		FailureThreshold:    20,
		Cooldown:            30 * time.Second,
		ProbeLimit:          5,
	}
}

// CircuitBreaker protects the scheduler, and the control plane behind it,
// from overload and from hammering a dependency that keeps failing.
type CircuitBreaker struct {
	mu  sync.RWMutex
	cfg BreakerConfig
	now func() time.Time

	state       CircuitState
	openedAt    time.Time
	probes      int
	probeWins   int
	consecutive int
}

// NewCircuitBreaker creates a breaker with DefaultBreakerConfig.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(DefaultBreakerConfig(queueThreshold))
}

func NewCircuitBreakerWithConfig(cfg BreakerConfig) *CircuitBreaker {
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = 1
	}
	if cfg.SaturationThreshold <= 0 {
		cfg.SaturationThreshold = 0.95
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: CircuitClosed}
}

// SetClock replaces the time source used for the cooldown.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
	cb.probes = 0
	cb.probeWins = 0
}

// ShouldAdmit reports whether a new job may be queued.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, workerSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
		cb.probeWins = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.probes < cb.cfg.ProbeLimit {
			cb.probes++
			return true
		}
		return false
	}

	if queueDepth > cb.cfg.QueueThreshold || workerSaturation > cb.cfg.SaturationThreshold {
		cb.open()
		return false
	}
	return true
}

// RecordSuccess closes a half-open breaker once every probe has succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	if cb.state == CircuitHalfOpen {
		cb.probeWins++
		if cb.probeWins >= cb.cfg.ProbeLimit {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure counts a transient job failure. A failed probe reopens the
// breaker at once; while closed, FailureThreshold failures in a row open it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive++
	switch cb.state {
	case CircuitHalfOpen:
		cb.open()
	case CircuitClosed:
		if cb.cfg.FailureThreshold > 0 && cb.consecutive >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
