// Package circuit provides a circuit breaker wrapping outbound provider and
// alert calls. It prevents cascade failures by temporarily blocking calls to
// an endpoint after repeated failures.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls pass through normally.
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls fail immediately.
	StateOpen
	// StateHalfOpen means the circuit is probing whether the endpoint recovered.
	StateHalfOpen
)

// String returns the state as a string.
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

// BreakerOpenError is returned when a call is rejected because the named
// breaker is open.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of successful probes needed to close.
	HalfOpenMaxAttempts int
}

// DefaultConfig returns sensible defaults for provider API calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	return c
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config
	state  State

	consecutiveFailures  int
	halfOpenSuccesses    int
	lastFailure          time.Time
	lastStateChange      time.Time
	totalCalls           uint64
	totalRejected        uint64
}

// NewBreaker creates a breaker with the given name and config.
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{
		name:            name,
		config:          cfg.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn under the breaker. When open, it returns *BreakerOpenError
// without invoking fn. The first call after ResetTimeout elapses is admitted
// as a half-open probe.
func (b *Breaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenSuccesses = 0
			return nil
		}
		b.totalRejected++
		return &BreakerOpenError{Name: b.name}
	}
	return nil
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transition(StateOpen)
			log.Warn().
				Str("breaker", b.name).
				Int("failures", b.consecutiveFailures).
				Err(err).
				Msg("Circuit breaker opened")
		}
	case StateHalfOpen:
		b.transition(StateOpen)
		log.Warn().Str("breaker", b.name).Err(err).Msg("Circuit breaker reopened after failed probe")
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxAttempts {
			b.transition(StateClosed)
			b.consecutiveFailures = 0
			log.Info().Str("breaker", b.name).Msg("Circuit breaker closed")
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastStateChange = time.Now()
}

// Status is a point-in-time snapshot for the admin endpoint.
type Status struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalCalls          uint64    `json:"totalCalls"`
	TotalRejected       uint64    `json:"totalRejected"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

// Status returns a snapshot of the breaker's counters.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalCalls:          b.totalCalls,
		TotalRejected:       b.totalRejected,
		LastFailure:         b.lastFailure,
		LastStateChange:     b.lastStateChange,
	}
}
