package supervisor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/meter-sync-worker/internal/config"
	"go.uber.org/zap"
)

// errBackoffCancelled marks a restart abandoned because the backoff wait was
// interrupted, typically by shutdown. It is not a worker failure.
var errBackoffCancelled = errors.New("restart backoff interrupted")

// Attempt records one restart attempt for diagnostics.
type Attempt struct {
	Number  int           `json:"number"`
	Reason  string        `json:"reason"`
	Delay   time.Duration `json:"delay"`
	At      time.Time     `json:"at"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
}

// RestartStats is the snapshot exposed on the ops surface.
type RestartStats struct {
	RestartCount        int       `json:"restart_count"`
	IsRestarting        bool      `json:"is_restarting"`
	BreakerState        string    `json:"breaker_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessfulStart time.Time `json:"last_successful_start"`
	RecentAttempts      []Attempt `json:"recent_attempts"`
}

// recentAttemptsKept bounds the attempt history returned by Stats.
const recentAttemptsKept = 10

// CalculateRestartDelay returns the backoff delay for the given attempt
// number (1-based): initial delay times multiplier^(attempt-1), capped at the
// maximum delay.
func CalculateRestartDelay(cfg config.SupervisorConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) || delay < 0 {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// RestartManager serializes restarts of the collection worker. Exactly one
// restart runs at a time; concurrent triggers while one is in flight return
// false immediately.
type RestartManager struct {
	cfg     config.SupervisorConfig
	breaker *CircuitBreaker
	logger  *zap.Logger

	// Injected by the supervisor that owns the worker goroutine.
	stopWorker    func(ctx context.Context) error
	startWorker   func(ctx context.Context) error
	workerRunning func() bool
	onAlert       func(reason string)

	isRestarting atomic.Bool

	mu                  sync.Mutex
	restartCount        int
	attempts            []Attempt
	lastSuccessfulStart time.Time
	resetTimer          *time.Timer
	closed              bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRestartManager creates a restart manager around the given worker
// lifecycle callbacks. onAlert may be nil.
func NewRestartManager(
	cfg config.SupervisorConfig,
	breaker *CircuitBreaker,
	stopWorker, startWorker func(ctx context.Context) error,
	workerRunning func() bool,
	onAlert func(reason string),
	logger *zap.Logger,
) *RestartManager {
	return &RestartManager{
		cfg:           cfg,
		breaker:       breaker,
		logger:        logger,
		stopWorker:    stopWorker,
		startWorker:   startWorker,
		workerRunning: workerRunning,
		onAlert:       onAlert,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CanRestart reports whether a restart attempt would be permitted right now.
func (m *RestartManager) CanRestart() bool {
	m.mu.Lock()
	count := m.restartCount
	m.mu.Unlock()
	return m.breaker.Allow() && count < m.cfg.MaxRestartAttempts
}

// TriggerRestart stops and restarts the worker with backoff. Returns true if
// the worker was restarted, false if a restart was already in flight, the
// restart policy refused, or the attempt failed.
func (m *RestartManager) TriggerRestart(ctx context.Context, reason string) bool {
	if !m.isRestarting.CompareAndSwap(false, true) {
		m.logger.Warn("restart already in progress, ignoring trigger", zap.String("reason", reason))
		return false
	}
	defer m.isRestarting.Store(false)

	if !m.breaker.Allow() {
		m.logger.Error("restart blocked by open circuit breaker", zap.String("reason", reason))
		m.alert("worker restart blocked: circuit breaker open (" + reason + ")")
		return false
	}

	m.mu.Lock()
	m.restartCount++
	attemptNumber := m.restartCount
	m.mu.Unlock()

	if attemptNumber > m.cfg.MaxRestartAttempts {
		m.logger.Error("restart attempt limit exhausted",
			zap.Int("max_restart_attempts", m.cfg.MaxRestartAttempts),
			zap.String("reason", reason))
		m.alert("worker restart limit exhausted, manual intervention required")
		return false
	}

	delay := CalculateRestartDelay(m.cfg, attemptNumber)
	m.logger.Warn("restarting worker",
		zap.String("reason", reason),
		zap.Int("attempt", attemptNumber),
		zap.Duration("delay", delay))

	err := m.restart(ctx, delay)

	attempt := Attempt{
		Number:  attemptNumber,
		Reason:  reason,
		Delay:   delay,
		At:      m.now(),
		Success: err == nil,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	m.mu.Lock()
	m.record(attempt)
	m.mu.Unlock()

	if err != nil {
		// An interrupted backoff wait never ran the worker; only genuine
		// stop/start failures feed the breaker.
		if !errors.Is(err, errBackoffCancelled) {
			m.breaker.RecordFailure()
		}
		return false
	}

	m.breaker.RecordSuccess()
	m.mu.Lock()
	m.lastSuccessfulStart = m.now()
	m.scheduleCounterReset()
	m.mu.Unlock()
	return true
}

func (m *RestartManager) restart(ctx context.Context, delay time.Duration) error {
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	err := m.stopWorker(stopCtx)
	cancel()
	if err != nil {
		m.logger.Error("failed to stop worker cleanly", zap.Error(err))
		// A worker that will not stop cannot be safely restarted.
		return err
	}

	if err := m.sleep(ctx, delay); err != nil {
		m.logger.Info("restart backoff cancelled", zap.Error(err))
		return errBackoffCancelled
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	err = m.startWorker(startCtx)
	cancel()
	if err != nil {
		m.logger.Error("failed to start worker", zap.Error(err))
		return err
	}
	return nil
}

// record appends to the bounded attempt history. Callers hold the mutex.
func (m *RestartManager) record(a Attempt) {
	m.attempts = append(m.attempts, a)
	if len(m.attempts) > recentAttemptsKept {
		m.attempts = m.attempts[len(m.attempts)-recentAttemptsKept:]
	}
}

// scheduleCounterReset arms a timer that clears the restart counter after a
// stable healthy period. A crash before it fires leaves the counter intact
// so backoff keeps growing. Callers hold the mutex.
func (m *RestartManager) scheduleCounterReset() {
	if m.cfg.ResetCounterAfter <= 0 || m.closed {
		return
	}
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	startedAt := m.lastSuccessfulStart
	m.resetTimer = time.AfterFunc(m.cfg.ResetCounterAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only reset if no restart happened since the timer was armed and
		// the worker is actually up. A crash loop must keep exhausting the
		// attempt budget, not have it replenished behind its back.
		if !m.lastSuccessfulStart.Equal(startedAt) || m.closed {
			return
		}
		if m.workerRunning != nil && !m.workerRunning() {
			return
		}
		m.restartCount = 0
		m.logger.Info("worker stable, restart counter reset",
			zap.Duration("healthy_for", m.cfg.ResetCounterAfter))
	})
}

// ResetRestartCounter clears the restart counter and force-closes the
// breaker. Intended for operator use.
func (m *RestartManager) ResetRestartCounter() {
	m.mu.Lock()
	m.restartCount = 0
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	m.mu.Unlock()
	m.breaker.ForceClose()
	m.logger.Info("restart counter reset by operator")
}

// Stats returns a snapshot of the restart history.
func (m *RestartManager) Stats() RestartStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := make([]Attempt, len(m.attempts))
	copy(attempts, m.attempts)

	return RestartStats{
		RestartCount:        m.restartCount,
		IsRestarting:        m.isRestarting.Load(),
		BreakerState:        m.breaker.State(),
		ConsecutiveFailures: m.breaker.ConsecutiveFailures(),
		LastSuccessfulStart: m.lastSuccessfulStart,
		RecentAttempts:      attempts,
	}
}

// MarkStarted records an initial successful worker start that did not go
// through TriggerRestart.
func (m *RestartManager) MarkStarted() {
	m.mu.Lock()
	m.lastSuccessfulStart = m.now()
	m.mu.Unlock()
}

// Close stops internal timers.
func (m *RestartManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
}

func (m *RestartManager) alert(reason string) {
	if m.onAlert != nil {
		m.onAlert(reason)
	}
}
