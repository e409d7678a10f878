// Package supervisor restarts the collection worker when it dies or stops
// making progress, with exponential backoff and a circuit breaker guarding
// against restart storms.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker events.
const (
	eventTrip  = "trip"
	eventProbe = "probe"
	eventReset = "reset"
)

// CircuitBreaker blocks restarts after repeated consecutive failures. It
// trips OPEN at the failure threshold, moves to HALF_OPEN after the reset
// timeout to allow one probe restart, and closes again on the first success.
type CircuitBreaker struct {
	mu sync.Mutex

	machine             *fsm.FSM
	consecutiveFailures int
	threshold           int
	resetTimeout        time.Duration
	openedAt            time.Time
	logger              *zap.Logger

	// Injectable clock for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		machine: fsm.NewFSM(
			StateClosed,
			fsm.Events{
				{Name: eventTrip, Src: []string{StateClosed, StateHalfOpen}, Dst: StateOpen},
				{Name: eventProbe, Src: []string{StateOpen}, Dst: StateHalfOpen},
				{Name: eventReset, Src: []string{StateClosed, StateOpen, StateHalfOpen}, Dst: StateClosed},
			},
			fsm.Callbacks{},
		),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// State returns the current breaker state. An open breaker whose reset
// timeout has elapsed transitions to half-open here, so callers always see
// the effective state.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

// Allow reports whether a restart attempt may proceed. Closed and half-open
// states allow one attempt; open blocks until the reset timeout elapses.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState() != StateOpen
}

// RecordFailure counts a failed restart. In half-open state a single failure
// re-opens the breaker; in closed state the breaker trips once the
// consecutive failure count reaches the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	state := b.effectiveState()

	if state == StateHalfOpen {
		b.trip("probe restart failed")
		return
	}
	if state == StateClosed && b.consecutiveFailures >= b.threshold {
		b.trip("failure threshold reached")
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.machine.Current() != StateClosed {
		if err := b.machine.Event(context.Background(), eventReset); err != nil {
			b.logger.Warn("circuit breaker reset transition failed", zap.Error(err))
			return
		}
		b.logger.Info("circuit breaker closed")
	}
}

// ForceClose resets the breaker regardless of state, for operator recovery.
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.machine.Current() != StateClosed {
		if err := b.machine.Event(context.Background(), eventReset); err != nil {
			b.logger.Warn("circuit breaker reset transition failed", zap.Error(err))
			return
		}
		b.logger.Warn("circuit breaker force-closed by operator")
	}
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// effectiveState advances open to half-open when the reset timeout has
// elapsed. Callers must hold the mutex.
func (b *CircuitBreaker) effectiveState() string {
	if b.machine.Current() == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		if err := b.machine.Event(context.Background(), eventProbe); err != nil {
			b.logger.Warn("circuit breaker probe transition failed", zap.Error(err))
		} else {
			b.logger.Info("circuit breaker half-open, allowing probe restart")
		}
	}
	return b.machine.Current()
}

// trip opens the breaker. Callers must hold the mutex.
func (b *CircuitBreaker) trip(reason string) {
	if err := b.machine.Event(context.Background(), eventTrip); err != nil {
		b.logger.Warn("circuit breaker trip transition failed", zap.Error(err))
		return
	}
	b.openedAt = b.now()
	b.logger.Error("circuit breaker opened",
		zap.String("reason", reason),
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Duration("reset_timeout", b.resetTimeout))
}
