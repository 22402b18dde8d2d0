// Package breaker implements a circuit breaker guarding fallible operations
// such as a peer dial or a blob store write: repeated failures trip the
// breaker so callers fail fast instead of piling up on a dependency that's
// already down.
package breaker

import (
	"sync"
	"time"

	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive CLOSED-state failures
	// that trips the breaker to OPEN.
	FailureThreshold int
	// ResetTimeout is how long OPEN holds before the next call is allowed
	// through as a HALF_OPEN probe.
	ResetTimeout time.Duration
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Counters exposes cumulative breaker activity for observability.
type Counters struct {
	Requests    uint64
	Successes   uint64
	Failures    uint64
	Transitions uint64
}

// Breaker is a named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state           State
	consecFailures  int
	consecSuccesses int
	lastFailure     time.Time
	counters        Counters
}

// New creates a CLOSED breaker called name.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Name returns the breaker's identifier, used in Open errors.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counters returns a snapshot of cumulative counters.
func (b *Breaker) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// halfOpenThreshold is the number of consecutive HALF_OPEN successes
// required to close: ceil(FailureThreshold / 2).
func (b *Breaker) halfOpenThreshold() int {
	return (b.cfg.FailureThreshold + 1) / 2
}

// Allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN
// if ResetTimeout has elapsed. Call this immediately before attempting the
// guarded operation.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transitionTo(HalfOpen)
			b.consecSuccesses = 0
		} else {
			return xerrors.New(xerrors.CircuitOpen, b.name, "circuit breaker is open",
				xerrors.WithContext("breaker", b.name))
		}
	}
	b.counters.Requests++
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.Successes++
	switch b.state {
	case Closed:
		b.consecFailures = 0
	case HalfOpen:
		b.consecSuccesses++
		if b.consecSuccesses >= b.halfOpenThreshold() {
			b.transitionTo(Closed)
			b.consecFailures = 0
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.Failures++
	b.lastFailure = time.Now()

	switch b.state {
	case Closed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		b.transitionTo(Open)
		b.consecSuccesses = 0
	}
}

// Do runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Reset forces the breaker back to CLOSED, clearing the consecutive failure
// and success counts; the cumulative Counters are kept. Administrative
// override, not part of the normal state machine.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(Closed)
	b.consecFailures = 0
	b.consecSuccesses = 0
}

// transitionTo moves state, bumping the transition counter. Caller must
// hold b.mu.
func (b *Breaker) transitionTo(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.counters.Transitions++
}
