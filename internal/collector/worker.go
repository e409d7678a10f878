// Package collector owns the device-polling loop. The worker runs in its own
// goroutine so a hang in device I/O cannot block the control plane; the
// supervisor and operators talk to it exclusively through message passing.
package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/septivank/meter-sync-worker/internal/collector/device"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/store"
	"go.uber.org/zap"
)

// EventType classifies worker lifecycle events.
type EventType string

const (
	EventExit              EventType = "exit"
	EventError             EventType = "error"
	EventUnhealthy         EventType = "unhealthy"
	EventThresholdExceeded EventType = "threshold_exceeded"
)

// Event is delivered to the supervisor over the worker's event channel.
type Event struct {
	Type   EventType
	Reason string
	At     time.Time
}

// Command names accepted by Dispatch.
const (
	CmdStartCollection  = "start_collection"
	CmdStopCollection   = "stop_collection"
	CmdGetStatus        = "get_status"
	CmdReadCurrentData  = "read_current_data"
	CmdGetLatestReading = "get_latest_reading"
	CmdGetStatistics    = "get_statistics"
	CmdTestConnections  = "test_connections"
)

// Status is the snapshot returned by get_status.
type Status struct {
	Running             bool      `json:"running"`
	Collecting          bool      `json:"collecting"`
	DeviceClient        string    `json:"device_client"`
	Polls               int64     `json:"polls"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastPollAt          time.Time `json:"last_poll_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config holds collection loop settings.
type Config struct {
	PollInterval         time.Duration
	CommandTimeout       time.Duration
	MaxConsecutiveErrors int
}

type command struct {
	name  string
	args  map[string]interface{}
	reply chan commandResult
}

type commandResult struct {
	data interface{}
	err  error
}

// Worker polls devices and buffers readings. All mutable loop state is owned
// by the Run goroutine; external callers interact via Dispatch and Events.
type Worker struct {
	store  store.SyncStore
	device device.Client
	cfg    Config
	logger *zap.Logger

	cmds      chan command
	events    chan Event
	running   atomic.Bool
	heartbeat atomic.Int64

	// Written only by the Run goroutine, but readable from outside so the
	// supervisor can carry the collection state across a restart.
	collecting atomic.Bool

	// Owned by the Run goroutine.
	latest              *db.Reading
	polls               int64
	failures            int64
	consecutiveFailures int
	lastError           string
	lastPollAt          time.Time
}

// NewWorker creates a collection worker. Run must be started before Dispatch
// can succeed.
func NewWorker(st store.SyncStore, dev device.Client, cfg Config, logger *zap.Logger) *Worker {
	return &Worker{
		store:  st,
		device: dev,
		cfg:    cfg,
		logger: logger,
		cmds:   make(chan command),
		events: make(chan Event, 16),
	}
}

// Events returns the lifecycle event channel. The supervisor is the single
// consumer.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Running reports whether the Run loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Collecting reports whether polling is enabled. The value outlives the Run
// loop, so after a crash it still reflects the last commanded state.
func (w *Worker) Collecting() bool {
	return w.collecting.Load()
}

// Heartbeat returns the last time the loop made progress.
func (w *Worker) Heartbeat() time.Time {
	nanos := w.heartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Run executes the polling loop until the context is cancelled. It always
// emits an exit event on return and converts panics into error events.
func (w *Worker) Run(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("worker already running, ignoring duplicate Run")
		return
	}

	// Fresh loop state on every (re)start. Collection stays disabled until
	// commanded; the supervisor re-enables it when it restarts the worker.
	w.collecting.Store(false)
	w.latest = nil
	w.consecutiveFailures = 0
	w.lastError = ""
	w.touch()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panicked", zap.Any("panic", r))
			w.emit(Event{Type: EventError, Reason: fmt.Sprintf("panic: %v", r), At: time.Now()})
		}
		w.running.Store(false)
		w.emit(Event{Type: EventExit, Reason: "run loop terminated", At: time.Now()})
	}()

	w.logger.Info("collection worker started",
		zap.String("device_client", w.device.Name()),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("collection worker stopping", zap.Error(ctx.Err()))
			return
		case cmd := <-w.cmds:
			w.touch()
			data, err := w.handleCommand(ctx, cmd.name, cmd.args)
			cmd.reply <- commandResult{data: data, err: err}
		case <-ticker.C:
			w.touch()
			if w.collecting.Load() {
				w.poll(ctx)
			}
		}
	}
}

// Dispatch sends a command to the worker loop and waits for its reply.
// Unknown command names fail with a descriptive error.
func (w *Worker) Dispatch(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if !w.running.Load() {
		return nil, fmt.Errorf("worker is not running, cannot dispatch %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
	defer cancel()

	cmd := command{name: name, args: args, reply: make(chan commandResult, 1)}
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return nil, fmt.Errorf("worker did not accept command %q: %w", name, ctx.Err())
	}

	select {
	case result := <-cmd.reply:
		return result.data, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("worker did not answer command %q: %w", name, ctx.Err())
	}
}

func (w *Worker) handleCommand(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	switch name {
	case CmdStartCollection:
		w.collecting.Store(true)
		w.logger.Info("collection started")
		return "collection started", nil
	case CmdStopCollection:
		w.collecting.Store(false)
		w.logger.Info("collection stopped")
		return "collection stopped", nil
	case CmdGetStatus:
		return w.status(), nil
	case CmdReadCurrentData:
		return w.poll(ctx), nil
	case CmdGetLatestReading:
		if w.latest == nil {
			return nil, nil
		}
		cp := *w.latest
		return &cp, nil
	case CmdGetStatistics:
		hours := 24
		if raw, ok := args["hours"]; ok {
			switch v := raw.(type) {
			case int:
				hours = v
			case float64:
				hours = int(v)
			default:
				return nil, fmt.Errorf("invalid hours argument %v", raw)
			}
		}
		return w.store.GetReadingStats(ctx, hours)
	case CmdTestConnections:
		return w.testConnections(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func (w *Worker) status() Status {
	return Status{
		Running:             true,
		Collecting:          w.collecting.Load(),
		DeviceClient:        w.device.Name(),
		Polls:               w.polls,
		Failures:            w.failures,
		ConsecutiveFailures: w.consecutiveFailures,
		LastPollAt:          w.lastPollAt,
		LastError:           w.lastError,
	}
}

// poll reads every active meter once and buffers the readings. Returns the
// readings collected in this round.
func (w *Worker) poll(ctx context.Context) []db.Reading {
	w.polls++
	w.lastPollAt = time.Now()

	meters, err := w.activeMeters(ctx)
	if err != nil {
		w.recordFailure(fmt.Sprintf("failed to load meters: %v", err))
		return nil
	}

	var collected []db.Reading
	roundFailed := false
	for _, meter := range meters {
		reading, err := w.device.ReadCurrent(ctx, meter)
		if err != nil {
			roundFailed = true
			w.failures++
			w.lastError = err.Error()
			w.logger.Warn("device poll failed",
				zap.String("meter_id", meter.ID.String()),
				zap.String("device_ip", meter.DeviceIP),
				zap.Error(err))
			continue
		}
		if err := w.store.InsertReading(ctx, reading); err != nil {
			roundFailed = true
			w.failures++
			w.lastError = err.Error()
			w.logger.Error("failed to buffer reading",
				zap.String("meter_id", meter.ID.String()),
				zap.Error(err))
			continue
		}
		w.latest = reading
		collected = append(collected, *reading)
	}

	if roundFailed {
		w.consecutiveFailures++
		if w.cfg.MaxConsecutiveErrors > 0 && w.consecutiveFailures >= w.cfg.MaxConsecutiveErrors {
			w.emit(Event{
				Type:   EventUnhealthy,
				Reason: fmt.Sprintf("%d consecutive poll rounds failed: %s", w.consecutiveFailures, w.lastError),
				At:     time.Now(),
			})
			w.consecutiveFailures = 0
		}
	} else if len(meters) > 0 {
		w.consecutiveFailures = 0
	}

	return collected
}

func (w *Worker) activeMeters(ctx context.Context) ([]db.Meter, error) {
	tenants, err := w.store.GetTenants(ctx)
	if err != nil {
		return nil, err
	}

	var meters []db.Meter
	for _, tenant := range tenants {
		if !tenant.Active {
			continue
		}
		tenantMeters, err := w.store.GetMeters(ctx, tenant.ID, true)
		if err != nil {
			return nil, err
		}
		meters = append(meters, tenantMeters...)
	}
	return meters, nil
}

func (w *Worker) testConnections(ctx context.Context) (map[string]string, error) {
	meters, err := w.activeMeters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load meters: %w", err)
	}

	results := make(map[string]string, len(meters))
	for _, meter := range meters {
		if err := w.device.TestConnection(ctx, meter); err != nil {
			results[meter.ID.String()] = err.Error()
		} else {
			results[meter.ID.String()] = "ok"
		}
	}
	return results, nil
}

func (w *Worker) recordFailure(reason string) {
	w.failures++
	w.lastError = reason
	w.consecutiveFailures++
	w.logger.Warn("poll round failed", zap.String("reason", reason))
	if w.cfg.MaxConsecutiveErrors > 0 && w.consecutiveFailures >= w.cfg.MaxConsecutiveErrors {
		w.emit(Event{
			Type:   EventUnhealthy,
			Reason: fmt.Sprintf("%d consecutive poll rounds failed: %s", w.consecutiveFailures, reason),
			At:     time.Now(),
		})
		w.consecutiveFailures = 0
	}
}

func (w *Worker) touch() {
	w.heartbeat.Store(time.Now().UnixNano())
}

// emit never blocks the loop; if the supervisor is not draining events the
// oldest signal is dropped in favor of progress.
func (w *Worker) emit(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("event channel full, dropping event", zap.String("type", string(event.Type)))
	}
}
