// Package resilience provides the failure taxonomy, backoff schedule and
// circuit breaker shared by the connection layer.
//
// [Classify] maps any transport or provider error onto a fixed set of kinds
// ([KindAuth], [KindRateLimit], [KindConnection], [KindClient]); the result is
// carried verbatim up to the client-facing broadcast. [Backoff] computes the
// capped exponential retry delay. [CircuitBreaker] is a classic three-state
// breaker (closed → open → half-open) that lets the router fail fast while the
// provider is down for everyone.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] and
// [CircuitBreaker.Execute] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and transitions, usually the provider name.
	Name string

	// MaxFailures opens the breaker after this many consecutive provider
	// failures. Default 5.
	MaxFailures int

	// ResetTimeout is the open period before probes are admitted. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in the half-open state,
	// and the number of successes needed to close again. Default 3.
	HalfOpenMax int

	// OnTransition observes every state change. It runs after the breaker's
	// lock is released and may call back into it.
	OnTransition func(name string, from, to State)

	// Logger receives transition logs. Default [slog.Default].
	Logger *slog.Logger

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

type transition struct{ from, to State }

// CircuitBreaker fails calls fast while the provider looks down for everyone.
//
// Calls are reported in two steps so the breaker can guard operations whose
// outcome arrives asynchronously: [CircuitBreaker.Allow] before starting and
// [CircuitBreaker.Record] once the outcome is known. [CircuitBreaker.Execute]
// combines both for synchronous calls.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  int
	probedOK int
	pending  []transition
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg, log: log.With("breaker", cfg.Name)}
}

// Allow reports whether a call may start. Every nil return must be followed
// by exactly one [CircuitBreaker.Record].
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	err := cb.admit()
	cb.unlock()
	return err
}

// Record reports the outcome of a call admitted by Allow. Only failures that
// [CountsAgainstProvider] accepts trip the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.unlock()

	if cb.state == StateHalfOpen && cb.probing > 0 {
		cb.probing--
	}
	if CountsAgainstProvider(err) {
		cb.failed()
	} else {
		cb.succeeded()
	}
}

// Execute runs fn if the breaker allows it and records its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlock()
	cb.moveTo(StateClosed)
	cb.failures = 0
}

func (cb *CircuitBreaker) admit() error {
	switch cb.state {
	case StateOpen:
		if !cb.cooledDown() {
			return ErrCircuitOpen
		}
		cb.moveTo(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probing+cb.probedOK >= cb.cfg.HalfOpenMax {
			return ErrCircuitOpen
		}
		cb.probing++
	}
	return nil
}

func (cb *CircuitBreaker) failed() {
	switch cb.state {
	case StateHalfOpen:
		cb.moveTo(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.moveTo(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) succeeded() {
	switch cb.state {
	case StateHalfOpen:
		cb.probedOK++
		if cb.probedOK >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
			cb.failures = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// moveTo changes state and resets the probe window. Must hold cb.mu.
func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	cb.state = to
	cb.probing, cb.probedOK = 0, 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if from != to {
		cb.pending = append(cb.pending, transition{from, to})
	}
}

// unlock releases cb.mu and then reports queued transitions.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	failures := cb.failures
	cb.mu.Unlock()

	for _, t := range pending {
		switch t.to {
		case StateOpen:
			cb.log.Warn("circuit breaker opened", "from", t.from, "consecutive_failures", failures)
		default:
			cb.log.Info("circuit breaker "+t.to.String(), "from", t.from)
		}
		if cb.cfg.OnTransition != nil {
			cb.cfg.OnTransition(cb.cfg.Name, t.from, t.to)
		}
	}
}

// CountsAgainstProvider reports whether err says something about provider
// availability. Auth failures and client-side errors are caused by the caller
// and do not trip the breaker.
func CountsAgainstProvider(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err).Kind {
	case KindConnection, KindRateLimit:
		return true
	default:
		return false
	}
}
