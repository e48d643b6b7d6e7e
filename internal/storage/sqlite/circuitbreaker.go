package sqlite

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
)

type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after threshold consecutive failures and lets a
// single trial call through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	clock        clock.Clock
	logger       *slog.Logger
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock.OrReal(clk),
		logger:       logger,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if err == nil {
			cb.failures = 0
			return nil
		}
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.trip()
		}
		return err

	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if err != nil {
			cb.trip()
			return err
		}
		cb.state = StateClosed
		cb.failures = 0
		cb.logger.Info("sqlite_breaker_closed")
		return nil

	default:
		// one trial call per reset cycle
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.lastFailure = cb.clock.Now()
	cb.logger.Warn("sqlite_breaker_open", "failures", cb.failures, "reset_after", cb.resetTimeout)
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
