// Package resilience guards live session providers against repeated failed
// connects.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Group] tries a primary and its fallbacks in order, each behind its own
// breaker, and [LiveProvider] applies a Group to [live.Provider.Connect].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown has
	// elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name.
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

// Breaker defaults.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 1
)

// BreakerConfig tunes a [Breaker]. Zero values use the defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before it lets probes
	// through.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// the breaker again.
	Probes int

	// IsFailure decides whether an error counts against the breaker. The
	// default counts every error except context cancellation, which means
	// the caller gave up rather than the provider failing.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		isFailure:   cfg.IsFailure,
		onChange:    cfg.OnStateChange,
		now:         time.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = DefaultMaxFailures
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.probes <= 0 {
		b.probes = DefaultProbes
	}
	if b.isFailure == nil {
		b.isFailure = countsAsFailure
	}
	return b
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker is open. In the half-open state at
// most Probes calls run concurrently; the rest are rejected.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	var notify func()
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		notify = b.setState(StateHalfOpen)
	}
	probing := b.state == StateHalfOpen
	if probing {
		if b.inFlight >= b.probes {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.inFlight++
	}
	b.mu.Unlock()
	run(notify)

	err := fn()

	b.mu.Lock()
	if probing {
		b.inFlight--
	}
	switch {
	case b.isFailure(err):
		notify = b.failed(probing)
	case err == nil:
		notify = b.succeeded(probing)
	default:
		notify = nil
	}
	b.mu.Unlock()
	run(notify)
	return err
}

// failed records a failure. b.mu must be held.
func (b *Breaker) failed(probing bool) func() {
	b.failures++
	if probing || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			slog.Warn("resilience: circuit opened", "name", b.name, "consecutive_failures", b.failures)
		}
		b.openedAt = b.now()
		return b.setState(StateOpen)
	}
	return nil
}

// succeeded records a success. b.mu must be held.
func (b *Breaker) succeeded(probing bool) func() {
	b.failures = 0
	if !probing || b.state != StateHalfOpen {
		return nil
	}
	b.successes++
	if b.successes < b.probes {
		return nil
	}
	slog.Info("resilience: circuit closed after successful probes", "name", b.name)
	return b.setState(StateClosed)
}

// setState switches to s and returns the pending change notification.
// b.mu must be held.
func (b *Breaker) setState(s State) func() {
	from := b.state
	if from == s {
		return nil
	}
	b.state = s
	b.successes = 0
	if s == StateClosed {
		b.failures = 0
	}
	if b.onChange == nil {
		return nil
	}
	name, cb := b.name, b.onChange
	return func() { cb(name, from, s) }
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.setState(StateClosed)
	b.failures = 0
	b.mu.Unlock()
	run(notify)
	slog.Info("resilience: circuit reset", "name", b.name)
}
