package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/meter-sync-worker/internal/collector"
	"github.com/septivank/meter-sync-worker/internal/config"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// EventPublisher sends supervisor alerts to the message bus. A nil publisher
// disables alert publication; alerts are still logged.
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, event interface{}) error
}

// AlertEvent is published when the supervisor needs operator attention.
type AlertEvent struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the supervisor's view of the worker, exposed on the ops
// surface.
type HealthStatus struct {
	WorkerRunning bool         `json:"worker_running"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	MemoryRSSMB   uint64       `json:"memory_rss_mb"`
	Restarts      RestartStats `json:"restarts"`
}

// Supervisor owns the collection worker goroutine. It starts and stops the
// worker, watches its lifecycle events and health signals, and delegates
// recovery to the restart manager.
type Supervisor struct {
	worker      *collector.Worker
	cfg         config.SupervisorConfig
	publisher   EventPublisher
	serviceName string
	alertKey    string
	logger      *zap.Logger

	restarts *RestartManager
	proc     *process.Process

	mu           sync.Mutex
	workerCancel context.CancelFunc
	workerDone   chan struct{}

	loopCancel   context.CancelFunc
	loopsDone    sync.WaitGroup
	shuttingDown atomic.Bool
}

// New creates a supervisor for the given worker. publisher may be nil.
func New(worker *collector.Worker, cfg config.SupervisorConfig, publisher EventPublisher, serviceName, alertKey string, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		worker:      worker,
		cfg:         cfg,
		publisher:   publisher,
		serviceName: serviceName,
		alertKey:    alertKey,
		logger:      logger,
	}

	breaker := NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitResetTimeout, logger)
	s.restarts = NewRestartManager(cfg, breaker, s.stopWorker, s.restartWorker, worker.Running, s.publishAlert, logger)

	// Own-process handle for the memory watchdog. Failure here just disables
	// the memory check.
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process handle unavailable, memory watchdog disabled", zap.Error(err))
	} else {
		s.proc = proc
	}

	return s
}

// Restarts exposes the restart manager for the ops surface.
func (s *Supervisor) Restarts() *RestartManager {
	return s.restarts
}

// Start launches the worker and the supervision loops.
func (s *Supervisor) Start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := s.startWorker(startCtx); err != nil {
		return fmt.Errorf("failed to start collection worker: %w", err)
	}
	s.restarts.MarkStarted()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.loopCancel = loopCancel

	s.loopsDone.Add(2)
	go s.eventLoop(loopCtx)
	go s.healthLoop(loopCtx)

	s.logger.Info("supervisor started",
		zap.Duration("health_check_interval", s.cfg.HealthCheckInterval),
		zap.Duration("heartbeat_timeout", s.cfg.HeartbeatTimeout),
		zap.Int("memory_limit_mb", s.cfg.MemoryLimitMB))
	return nil
}

// Stop shuts down the supervision loops and the worker.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.loopCancel != nil {
		s.loopCancel()
	}
	s.loopsDone.Wait()
	s.restarts.Close()
	return s.stopWorker(ctx)
}

// Health returns the supervisor's current view of the worker.
func (s *Supervisor) Health() HealthStatus {
	return HealthStatus{
		WorkerRunning: s.worker.Running(),
		LastHeartbeat: s.worker.Heartbeat(),
		MemoryRSSMB:   s.memoryRSSMB(),
		Restarts:      s.restarts.Stats(),
	}
}

// startWorker launches the worker goroutine and waits until its loop is live.
func (s *Supervisor) startWorker(ctx context.Context) error {
	s.mu.Lock()
	if s.workerCancel != nil {
		s.mu.Unlock()
		return errors.New("worker already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.workerCancel = cancel
	s.workerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.worker.Run(runCtx)
	}()

	// Wait for the loop to report alive.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !s.worker.Running() {
		select {
		case <-ctx.Done():
			cancel()
			return fmt.Errorf("worker did not start: %w", ctx.Err())
		case <-done:
			s.clearWorkerHandles()
			return errors.New("worker exited during startup")
		case <-ticker.C:
		}
	}
	return nil
}

// restartWorker is the restart manager's start callback. It relaunches the
// worker and, when collection was enabled before the restart, re-issues
// start_collection so a recovered worker does not sit idle.
func (s *Supervisor) restartWorker(ctx context.Context) error {
	resumeCollection := s.worker.Collecting()

	if err := s.startWorker(ctx); err != nil {
		return err
	}

	if resumeCollection {
		if _, err := s.worker.Dispatch(ctx, collector.CmdStartCollection, nil); err != nil {
			return fmt.Errorf("worker restarted but collection was not re-enabled: %w", err)
		}
		s.logger.Info("collection re-enabled after restart")
	}
	return nil
}

// stopWorker cancels the worker goroutine and waits for it to exit.
func (s *Supervisor) stopWorker(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.workerCancel
	done := s.workerDone
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.clearWorkerHandles()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker did not stop in time: %w", ctx.Err())
	}
}

func (s *Supervisor) clearWorkerHandles() {
	s.mu.Lock()
	s.workerCancel = nil
	s.workerDone = nil
	s.mu.Unlock()
}

// eventLoop consumes worker lifecycle events and turns them into restarts.
func (s *Supervisor) eventLoop(ctx context.Context) {
	defer s.loopsDone.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.worker.Events():
			if s.shuttingDown.Load() {
				continue
			}
			s.logger.Warn("worker event received",
				zap.String("type", string(event.Type)),
				zap.String("reason", event.Reason))

			switch event.Type {
			case collector.EventExit, collector.EventError, collector.EventUnhealthy, collector.EventThresholdExceeded:
				reason := fmt.Sprintf("%s: %s", event.Type, event.Reason)
				// Restarts run off the event loop so further events are not
				// blocked behind backoff sleeps.
				go s.triggerRestart(reason)
			}
		}
	}
}

// healthLoop watches the worker's heartbeat and this process's memory use.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.loopsDone.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shuttingDown.Load() {
				continue
			}
			s.checkHealth()
		}
	}
}

func (s *Supervisor) checkHealth() {
	if !s.worker.Running() {
		// The exit event path handles restarts; nothing to measure.
		return
	}

	if heartbeat := s.worker.Heartbeat(); !heartbeat.IsZero() {
		if stale := time.Since(heartbeat); stale > s.cfg.HeartbeatTimeout {
			s.logger.Error("worker heartbeat stale", zap.Duration("stale_for", stale))
			go s.triggerRestart(fmt.Sprintf("heartbeat stale for %s", stale.Round(time.Second)))
			return
		}
	}

	if s.cfg.MemoryLimitMB > 0 {
		if rss := s.memoryRSSMB(); rss > uint64(s.cfg.MemoryLimitMB) {
			s.logger.Error("memory limit exceeded",
				zap.Uint64("rss_mb", rss),
				zap.Int("limit_mb", s.cfg.MemoryLimitMB))
			go s.triggerRestart(fmt.Sprintf("memory limit exceeded: %d MB > %d MB", rss, s.cfg.MemoryLimitMB))
		}
	}
}

func (s *Supervisor) memoryRSSMB() uint64 {
	if s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfo()
	if err != nil {
		s.logger.Warn("failed to read process memory info", zap.Error(err))
		return 0
	}
	return info.RSS / (1024 * 1024)
}

func (s *Supervisor) triggerRestart(reason string) {
	if s.shuttingDown.Load() {
		return
	}
	s.restarts.TriggerRestart(context.Background(), reason)
}

func (s *Supervisor) publishAlert(reason string) {
	s.logger.Error("supervisor alert", zap.String("reason", reason))
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := AlertEvent{
		Type:      "supervisor_alert",
		Reason:    reason,
		Service:   s.serviceName,
		Timestamp: time.Now(),
	}
	if err := s.publisher.PublishEvent(ctx, s.alertKey, event); err != nil {
		s.logger.Error("failed to publish supervisor alert", zap.Error(err))
	}
}
