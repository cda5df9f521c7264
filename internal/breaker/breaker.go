// Package breaker implements a three-state circuit breaker with a
// single-flight half-open probe.
package breaker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// State is the breaker state.
type State int32

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

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration

	// OnStateChange is called after every transition. It must not block.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Breaker guards one remote dependency. All state lives in atomics so that
// transitions are decided by compare-and-swap, never by read-then-write.
type Breaker struct {
	name      string
	threshold int32
	cooldown  time.Duration
	onChange  func(name string, from, to State)
	now       func() time.Time

	state                atomic.Int32
	consecutiveFailures  atomic.Int32
	consecutiveSuccesses atomic.Int32
	openedAt             atomic.Int64 // unix nanos
	lastTransitionAt     atomic.Int64 // unix nanos
	probeInFlight        atomic.Bool
	generation           atomic.Uint64 // bumped on every transition
}

// Permit is an admission from Allow. Its result is applied only to the
// state it was admitted in: a call let through while Closed cannot resolve
// a later HalfOpen, which belongs to the probe alone.
type Permit struct {
	b     *Breaker
	gen   uint64
	probe bool
}

// New creates a closed breaker. Zero settings fall back to 5 failures and a 30s cooldown.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	b := &Breaker{
		name:      s.Name,
		threshold: int32(s.FailureThreshold),
		cooldown:  s.Cooldown,
		onChange:  s.OnStateChange,
		now:       s.Now,
	}
	b.lastTransitionAt.Store(s.Now().UnixNano())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// LastTransitionAt returns when the breaker last changed state.
func (b *Breaker) LastTransitionAt() time.Time {
	return time.Unix(0, b.lastTransitionAt.Load())
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.consecutiveFailures.Load())
}

// CanExecute reports whether a call may proceed. In HalfOpen exactly one
// caller wins the probe slot; everyone else is rejected until it resolves.
func (b *Breaker) CanExecute() bool {
	_, ok := b.Allow()
	return ok
}

// Allow is CanExecute returning a Permit that reports the call's outcome.
func (b *Breaker) Allow() (Permit, bool) {
	for {
		gen := b.generation.Load()
		switch State(b.state.Load()) {
		case Closed:
			return Permit{b: b, gen: gen}, true
		case Open:
			if b.now().UnixNano()-b.openedAt.Load() < int64(b.cooldown) {
				return Permit{}, false
			}
			b.transition(Open, HalfOpen)
			// Re-read: another caller may have moved the state first.
		case HalfOpen:
			if !b.probeInFlight.CompareAndSwap(false, true) {
				return Permit{}, false
			}
			return Permit{b: b, gen: gen, probe: true}, true
		}
	}
}

// Success records a successful call. Stale permits are ignored.
func (p Permit) Success() {
	if p.b == nil {
		return
	}
	if p.probe || p.b.generation.Load() == p.gen {
		p.b.succeed(p.probe)
	}
}

// Failure records a failed call. Stale permits are ignored.
func (p Permit) Failure() {
	if p.b == nil {
		return
	}
	if p.probe || p.b.generation.Load() == p.gen {
		p.b.fail(p.probe)
	}
}

// RecordSuccess reports a successful guarded call. Without a Permit the
// result cannot be tied to its admission, so in HalfOpen it only resolves
// a probe that is actually in flight.
func (b *Breaker) RecordSuccess() {
	b.succeed(b.State() == HalfOpen && b.probeInFlight.Load())
}

// RecordFailure reports a failed guarded call. Timeouts count as failures.
func (b *Breaker) RecordFailure() {
	b.fail(b.State() == HalfOpen && b.probeInFlight.Load())
}

func (b *Breaker) succeed(probe bool) {
	b.consecutiveFailures.Store(0)
	b.consecutiveSuccesses.Add(1)
	if probe && b.transition(HalfOpen, Closed) {
		b.probeInFlight.Store(false)
	}
}

func (b *Breaker) fail(probe bool) {
	b.consecutiveSuccesses.Store(0)
	if probe {
		b.openedAt.Store(b.now().UnixNano())
		if b.transition(HalfOpen, Open) {
			b.probeInFlight.Store(false)
		}
		return
	}
	if b.State() != Closed {
		// Late result from a call admitted before the breaker opened.
		return
	}
	if b.consecutiveFailures.Add(1) < b.threshold {
		return
	}
	// openedAt is published before the state so a concurrent
	// CanExecute never pairs Open with a stale timestamp.
	b.openedAt.Store(b.now().UnixNano())
	if b.transition(Closed, Open) {
		b.probeInFlight.Store(false)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// It returns a *domain.CircuitOpenError when the call is rejected.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	p, ok := b.Allow()
	if !ok {
		return &domain.CircuitOpenError{Name: b.name}
	}
	if err := fn(ctx); err != nil {
		p.Failure()
		return err
	}
	p.Success()
	return nil
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	b.generation.Add(1)
	b.lastTransitionAt.Store(b.now().UnixNano())
	if to == Closed {
		b.consecutiveFailures.Store(0)
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
	return true
}
