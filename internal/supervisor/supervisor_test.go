package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/meter-sync-worker/internal/collector"
	"github.com/septivank/meter-sync-worker/internal/collector/device"
	"github.com/septivank/meter-sync-worker/internal/config"
	"github.com/septivank/meter-sync-worker/internal/store/storetest"
	"go.uber.org/zap"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	worker := collector.NewWorker(storetest.New(), device.NewFake(nil), collector.Config{
		// Long interval so the loop only acts on commands during the test.
		PollInterval:         time.Hour,
		CommandTimeout:       2 * time.Second,
		MaxConsecutiveErrors: 3,
	}, zap.NewNop())

	cfg := config.SupervisorConfig{
		InitialDelay:            time.Millisecond,
		MaxDelay:                10 * time.Millisecond,
		BackoffMultiplier:       2.0,
		MaxRestartAttempts:      10,
		CircuitBreakerThreshold: 5,
		CircuitResetTimeout:     time.Minute,
		StartTimeout:            2 * time.Second,
		StopTimeout:             2 * time.Second,
		HeartbeatTimeout:        time.Minute,
		HealthCheckInterval:     time.Hour,
	}
	return New(worker, cfg, nil, "meter-sync-worker", "meter.sync.alert", zap.NewNop())
}

// waitForStatus polls get_status until the worker answers, riding out the
// brief window where a restart has the loop down.
func waitForStatus(t *testing.T, w *collector.Worker) collector.Status {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := w.Dispatch(context.Background(), collector.CmdGetStatus, nil)
		if err == nil {
			return data.(collector.Status)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected worker to answer get_status within 2s, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestart_ResumesCollection(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected supervisor to start, got %v", err)
	}
	defer s.Stop(ctx)

	if _, err := s.worker.Dispatch(ctx, collector.CmdStartCollection, nil); err != nil {
		t.Fatalf("Expected start_collection to succeed, got %v", err)
	}

	if !s.Restarts().TriggerRestart(ctx, "simulated crash") {
		t.Fatal("Expected restart to succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := waitForStatus(t, s.worker)
		if status.Collecting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected collection re-enabled after supervisor restart")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestart_KeepsCollectionDisabled(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected supervisor to start, got %v", err)
	}
	defer s.Stop(ctx)

	// Collection was never enabled; a restart must not switch it on.
	if !s.Restarts().TriggerRestart(ctx, "simulated crash") {
		t.Fatal("Expected restart to succeed")
	}

	if status := waitForStatus(t, s.worker); status.Collecting {
		t.Error("Expected collection to stay disabled after restart")
	}
}

func TestHealth_ReportsWorkerState(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Expected supervisor to start, got %v", err)
	}
	defer s.Stop(ctx)

	health := s.Health()
	if !health.WorkerRunning {
		t.Error("Expected worker reported running")
	}
	if health.LastHeartbeat.IsZero() {
		t.Error("Expected a heartbeat timestamp")
	}
}
