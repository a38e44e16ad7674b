// Package resilience shields the rest of the process from a misbehaving
// carrier control API. Every hangup, speak and transcription request funnels
// through a [CircuitBreaker]; once the carrier starts timing out, the breaker
// fails those requests fast instead of tying up webhook handlers for the full
// HTTP timeout each.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen reports a call rejected without reaching the carrier because
// the breaker is cooling down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// deadline passes.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to test
	// whether the carrier has recovered.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults noted on each.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// TripThreshold is how many consecutive failures open the breaker.
	// Default 5.
	TripThreshold int

	// Cooldown is how long the breaker rejects calls after tripping before
	// it starts probing. Default 30s.
	Cooldown time.Duration

	// ProbeQuota is how many probe calls the half-open window admits; that
	// many successes close the breaker, one failure re-opens it. Default 3.
	ProbeQuota int
}

// CircuitBreaker is a three-state breaker, safe for concurrent use.
type CircuitBreaker struct {
	name       string
	trip       int
	cooldown   time.Duration
	probeQuota int

	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	openUntil time.Time // when the open state gives way to probing
	probes    int       // probe calls admitted this half-open window
	probeOKs  int
}

// NewCircuitBreaker builds a breaker from cfg, defaulting zero fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.TripThreshold <= 0 {
		cfg.TripThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &CircuitBreaker{
		name:       cfg.Name,
		trip:       cfg.TripThreshold,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
	}
}

// Execute runs fn unless the breaker rejects it. Open-state calls fail with
// [ErrCircuitOpen] without invoking fn; half-open calls beyond the probe
// quota are rejected the same way. fn's error is returned as-is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.openUntil) {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOKs = 0
		slog.Info("circuit breaker probing carrier", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeQuota {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the call's outcome.
func (cb *CircuitBreaker) settle(probe bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if probe {
			cb.probeOKs++
			if cb.probeOKs >= cb.probeQuota {
				cb.state = StateClosed
				cb.failures = 0
				slog.Info("circuit breaker closed, carrier recovered", "name", cb.name)
			}
			return
		}
		cb.failures = 0
		return
	}

	if probe {
		cb.state = StateOpen
		cb.openUntil = time.Now().Add(cb.cooldown)
		slog.Warn("carrier probe failed, circuit breaker re-opened", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.trip {
		cb.state = StateOpen
		cb.openUntil = time.Now().Add(cb.cooldown)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// State reports the effective state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the stored transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !time.Now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOKs = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
