// Package resilience provides the circuit breaker and retry policy used
// around upstream LLM dispatch.
//
// [Breaker] is a classic three-state circuit breaker (closed, open,
// half-open) with one instance per backend account. [Policy] implements
// capped exponential backoff for transient upstream failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] when the breaker is open
// and the reset timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state, all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected with
	// [ErrBreakerOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a label used in log messages, typically the account name.
	Name string

	// MaxFailures is the number of consecutive counted failures in the
	// closed state before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open
	// state. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. A
	// client-side 4xx should not trip a breaker that guards upstream
	// availability. Nil counts every non-nil error.
	IsFailure func(error) bool
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    isFailure,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn. In the half-open state a limited
// number of probe calls are permitted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("breaker transitioning to half-open", "name", b.name)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	inHalfOpen := b.state == StateHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.isFailure(err) {
		b.recordFailure(inHalfOpen)
	} else {
		b.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// Any counted failure in half-open immediately re-opens.
		b.state = StateOpen
		b.consecutiveFail = b.maxFailures
		slog.Warn("breaker re-opened from half-open", "name", b.name)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("breaker opened",
			"name", b.name,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current [State]. If the breaker is open and the reset
// timeout has elapsed, the returned state is [StateHalfOpen]; the actual
// transition happens on the next [Breaker.Execute] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
	slog.Info("breaker manually reset", "name", b.name)
}

// BreakerSet holds one breaker per account name, created lazily with a
// shared config.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakerSet creates a BreakerSet. cfg.Name is overridden per entry.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// For returns the breaker for name, creating it on first use.
func (s *BreakerSet) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		cfg := s.cfg
		cfg.Name = name
		b = NewBreaker(cfg)
		s.breakers[name] = b
	}
	return b
}
