package ai

import (
	"sync"
	"time"
)

// BreakerConfig tunes a Breaker. Zero fields take the defaults below.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed calls that opens the
	// circuit. Default: 3.
	Threshold int

	// OpenFor is how long the circuit stays open. Default: 30s.
	OpenFor time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// OnStateChange, if set, is called outside the lock whenever the circuit
	// opens (true) or a success closes it again (false). Calls are serialized
	// and each one carries the state current at delivery, so the last call
	// always matches State().
	OnStateChange func(open bool)
}

// CircuitState is a point-in-time copy of the breaker's bookkeeping.
type CircuitState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitzero"`
}

// Open reports whether the circuit rejects calls at now.
func (s CircuitState) Open(now time.Time) bool {
	return !s.OpenUntil.IsZero() && now.Before(s.OpenUntil)
}

// Breaker is the process-wide circuit state for one upstream. Construct one
// per process (and one per test case); all methods are safe for concurrent use.
type Breaker struct {
	threshold int
	openFor   time.Duration
	now       func() time.Time
	onChange  func(open bool)

	mu       sync.Mutex
	failures int
	until    time.Time

	notifyMu sync.Mutex
	reported bool // last value passed to onChange
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		threshold: cfg.Threshold,
		openFor:   cfg.OpenFor,
		now:       cfg.Now,
		onChange:  cfg.OnStateChange,
	}
}

// Allow returns a *CircuitOpenError while the circuit is open. Once the window
// has elapsed calls are let through again; the next outcome decides whether
// the circuit closes or re-opens.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.until.IsZero() && b.now().Before(b.until) {
		return &CircuitOpenError{OpenUntil: b.until, Failures: b.failures}
	}
	return nil
}

// Success resets the failure count and clears the open window.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.until = time.Time{}
	b.mu.Unlock()

	b.notify()
}

// Failure records one failed call and opens the circuit at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	if b.failures >= b.threshold {
		b.until = b.now().Add(b.openFor)
	}
	b.mu.Unlock()

	b.notify()
}

// notify reports the current state to onChange if it differs from the last
// report. A racing Success and Failure may both get here; whichever runs
// second sees the settled state.
func (b *Breaker) notify() {
	if b.onChange == nil {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	open := !b.until.IsZero()
	b.mu.Unlock()

	if open == b.reported {
		return
	}
	b.reported = open
	b.onChange(open)
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{ConsecutiveFailures: b.failures, OpenUntil: b.until}
}
