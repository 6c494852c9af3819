// Package resilience shields the voice pipeline from flaky provider backends.
//
// Speech, language-model, and synthesis providers are remote services that
// fail in bursts. [CircuitBreaker] cuts a backend off after repeated failures
// instead of letting every live conversation hammer it. [FallbackGroup] runs a
// call against an ordered list of providers, skipping any whose breaker is
// open, and [Retry] adds bounded exponential backoff for transient errors.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker has
// tripped and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through after the
	// reset timeout. Enough successes close the breaker; one failure
	// re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output, typically the provider it
	// guards ("stt", "llm", "tts").
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker stays open before probing
	// the backend again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds probe calls in the half-open state. Default 3.
	HalfOpenMax int
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
}

// CircuitBreaker is a three-state breaker: closed until MaxFailures
// consecutive failures, then open for ResetTimeout, then half-open while
// probes decide which way to settle.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	trippedAt time.Time
	probes    int
	probesOK  int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields get defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{name: cfg.Name, cfg: cfg}
}

// Execute runs fn unless the breaker forbids it. An open breaker returns
// [ErrCircuitOpen] without calling fn; a half-open breaker admits fn only
// while the probe budget lasts.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probe)
	} else {
		cb.onSuccess(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.trippedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probesOK = 0
		slog.Info("circuit breaker probing backend", "name", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probe bool) {
	cb.trippedAt = time.Now()

	if probe {
		// One failed probe sends the breaker straight back to open.
		cb.state = StateOpen
		cb.failures = cb.cfg.MaxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name, "consecutive_failures", cb.failures)
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}

	cb.probesOK++
	if cb.probesOK >= cb.cfg.HalfOpenMax {
		cb.state = StateClosed
		cb.failures = 0
		cb.probes = 0
		cb.probesOK = 0
		slog.Info("circuit breaker closed", "name", cb.name)
	}
}

// State reports the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored state flips on the
// next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.trippedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probesOK = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
