package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/logging"
	"github.com/septivank/meter-sync-worker/internal/remote"
	"github.com/septivank/meter-sync-worker/internal/store"
	"github.com/septivank/meter-sync-worker/internal/validator"
	"go.uber.org/zap"
)

// ErrCycleInProgress is returned when RunCycle is called while a previous
// invocation is still running. Cycles never overlap.
var ErrCycleInProgress = errors.New("upload cycle already in progress")

// EventPublisher publishes cycle and alert events. A nil publisher disables
// publishing.
type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey string, event interface{}) error
}

// CycleEvent is published after every upload cycle.
type CycleEvent struct {
	CycleID     string `json:"cycle_id"`
	BatchSize   int    `json:"batch_size"`
	Uploaded    int    `json:"uploaded"`
	Invalid     int    `json:"invalid"`
	MockFlagged int    `json:"mock_flagged"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// AlertEvent is published when a cycle crosses an alerting threshold.
type AlertEvent struct {
	CycleID   string  `json:"cycle_id"`
	Reason    string  `json:"reason"`
	ValidRate float64 `json:"valid_rate"`
	MockCount int     `json:"mock_count"`
	Timestamp string  `json:"timestamp"`
}

// Config holds upload cycle settings.
type Config struct {
	BatchLimit         int
	MinValidRate       float64
	MockAlertThreshold int
	RetentionHours     int
	ReportHistory      int
	EventRoutingKey    string
	AlertRoutingKey    string
}

// CycleResult summarizes one upload cycle.
type CycleResult struct {
	CycleID   uuid.UUID
	BatchSize int
	Uploaded  int
	Invalid   int
	Retried   int
	UploadErr string
	Report    *validator.Report
}

// Stats are the rolling aggregates across cycles.
type Stats struct {
	Cycles            int64
	TotalValidated    int64
	TotalMockDetected int64
	AverageValidRate  float64
	LastReportAt      time.Time
}

// Manager is the only path by which buffered readings leave the edge device.
type Manager struct {
	store    store.SyncStore
	pipeline *validator.Pipeline
	remote   remote.Client
	events   EventPublisher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool

	mu           sync.Mutex
	reports      []*validator.Report
	cycles       int64
	totalValid   int64
	totalMock    int64
	validRateSum float64
}

// NewManager creates an upload manager. events may be nil.
func NewManager(
	st store.SyncStore,
	pipeline *validator.Pipeline,
	rc remote.Client,
	events EventPublisher,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.ReportHistory <= 0 {
		cfg.ReportHistory = 50
	}
	return &Manager{
		store:    st,
		pipeline: pipeline,
		remote:   rc,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RunCycle performs one fetch → validate → partition → upload → mark pass.
// Validation failures drop readings from the upload set without retry; upload
// failures bump retry counters and leave readings for the next cycle. Storage
// failures abort the cycle and are returned.
func (m *Manager) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer m.running.Store(false)

	result := &CycleResult{CycleID: uuid.New()}
	logger := logging.WithCycleID(m.logger, result.CycleID.String())

	readings, err := m.store.GetUnsynchronizedReadings(ctx, m.cfg.BatchLimit)
	if err != nil {
		logger.Error("failed to fetch upload candidates", zap.Error(err))
		return nil, fmt.Errorf("failed to fetch upload candidates: %w", err)
	}
	if len(readings) == 0 {
		logger.Debug("no unsynchronized readings, skipping cycle")
		return result, nil
	}

	report := m.pipeline.Run(readings, m.now())
	result.BatchSize = report.BatchSize
	result.Report = report
	m.recordReport(report)
	m.checkAlerts(ctx, result.CycleID, report, logger)

	valid, invalid := m.pipeline.Partition(readings, report)
	result.Invalid = len(invalid)
	for _, r := range invalid {
		logger.Warn("reading rejected by validation",
			zap.String("reading_id", r.ID.String()),
			zap.String("meter_id", r.MeterID.String()),
			zap.Int("issues", len(report.Issues[r.ID])))
	}

	// No partial empty uploads: the remote call is skipped entirely when
	// nothing passed validation.
	if len(valid) == 0 {
		logger.Info("no valid readings in batch, skipping remote upload",
			zap.Int("invalid", len(invalid)))
		if err := m.store.LogSyncOperation(ctx, true, 0, "no valid readings in batch"); err != nil {
			return result, fmt.Errorf("failed to log sync operation: %w", err)
		}
		m.publishCycle(ctx, result, true, "")
		return result, nil
	}

	ids := readingIDs(valid)

	if err := m.remote.UploadReadings(ctx, valid); err != nil {
		// Transient path: keep the readings, bump their retry counters and
		// let a future cycle pick them up.
		logger.Warn("remote upload failed, readings kept for retry",
			zap.Int("count", len(valid)), zap.Error(err))
		result.UploadErr = err.Error()
		result.Retried = len(valid)
		if retryErr := m.store.IncrementRetryCount(ctx, ids); retryErr != nil {
			return result, fmt.Errorf("failed to increment retry counts: %w", retryErr)
		}
		if logErr := m.store.LogSyncOperation(ctx, false, len(valid), err.Error()); logErr != nil {
			return result, fmt.Errorf("failed to log sync operation: %w", logErr)
		}
		m.publishCycle(ctx, result, false, err.Error())
		return result, nil
	}

	// Only after the remote acknowledged the batch.
	if err := m.store.MarkReadingsSynchronized(ctx, ids); err != nil {
		logger.Error("upload acknowledged but marking failed", zap.Error(err))
		if logErr := m.store.LogSyncOperation(ctx, false, len(valid), err.Error()); logErr != nil {
			logger.Error("failed to log sync operation", zap.Error(logErr))
		}
		return result, fmt.Errorf("failed to mark readings synchronized: %w", err)
	}
	result.Uploaded = len(valid)

	if err := m.store.LogSyncOperation(ctx, true, len(valid), ""); err != nil {
		return result, fmt.Errorf("failed to log sync operation: %w", err)
	}

	logger.Info("upload cycle completed",
		zap.Int("batch_size", result.BatchSize),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("invalid", result.Invalid),
		zap.Int("mock_flagged", report.MockDataCount))
	m.publishCycle(ctx, result, true, "")

	return result, nil
}

// RunRetention deletes synchronized readings older than the configured
// retention window. Returns the number of readings removed. Retention is
// disabled when RetentionHours is zero.
func (m *Manager) RunRetention(ctx context.Context) (int, error) {
	if m.cfg.RetentionHours <= 0 {
		return 0, nil
	}

	cutoff := m.now().Add(-time.Duration(m.cfg.RetentionHours) * time.Hour)
	ids, err := m.store.GetSynchronizedReadingIDs(ctx, cutoff, m.cfg.BatchLimit*10)
	if err != nil {
		return 0, fmt.Errorf("failed to list retention candidates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted, err := m.store.DeleteSynchronizedReadings(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synchronized readings: %w", err)
	}

	m.logger.Info("retention sweep removed synchronized readings",
		zap.Int("deleted", deleted),
		zap.Time("cutoff", cutoff))
	return deleted, nil
}

// LatestValidationReport returns the most recent report, or nil before the
// first cycle.
func (m *Manager) LatestValidationReport() *validator.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reports) == 0 {
		return nil
	}
	return m.reports[len(m.reports)-1]
}

// ValidationStats returns the rolling aggregates across all cycles.
func (m *Manager) ValidationStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Cycles:            m.cycles,
		TotalValidated:    m.totalValid,
		TotalMockDetected: m.totalMock,
	}
	if m.cycles > 0 {
		stats.AverageValidRate = m.validRateSum / float64(m.cycles)
	}
	if len(m.reports) > 0 {
		stats.LastReportAt = m.reports[len(m.reports)-1].Timestamp
	}
	return stats
}

func (m *Manager) recordReport(report *validator.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)
	if len(m.reports) > m.cfg.ReportHistory {
		m.reports = m.reports[len(m.reports)-m.cfg.ReportHistory:]
	}

	m.cycles++
	m.totalValid += int64(report.BatchSize)
	m.totalMock += int64(report.MockDataCount)
	if report.BatchSize > 0 {
		m.validRateSum += float64(report.ValidCount) / float64(report.BatchSize)
	}
}

func (m *Manager) checkAlerts(ctx context.Context, cycleID uuid.UUID, report *validator.Report, logger *zap.Logger) {
	if report.BatchSize == 0 {
		return
	}

	validRate := float64(report.ValidCount) / float64(report.BatchSize)
	if m.cfg.MinValidRate > 0 && validRate < m.cfg.MinValidRate {
		logger.Error("validation rate below acceptable minimum",
			zap.Float64("valid_rate", validRate),
			zap.Float64("min_rate", m.cfg.MinValidRate))
		m.publishAlert(ctx, cycleID, "validation rate below minimum", validRate, report.MockDataCount)
	}
	if m.cfg.MockAlertThreshold > 0 && report.MockDataCount >= m.cfg.MockAlertThreshold {
		logger.Error("mock data detections exceeded alert threshold",
			zap.Int("mock_count", report.MockDataCount),
			zap.Int("threshold", m.cfg.MockAlertThreshold))
		m.publishAlert(ctx, cycleID, "mock data detections above threshold", validRate, report.MockDataCount)
	}
}

func (m *Manager) publishCycle(ctx context.Context, result *CycleResult, success bool, errMsg string) {
	if m.events == nil {
		return
	}
	event := CycleEvent{
		CycleID:   result.CycleID.String(),
		BatchSize: result.BatchSize,
		Uploaded:  result.Uploaded,
		Invalid:   result.Invalid,
		Success:   success,
		Error:     errMsg,
		Timestamp: m.now().Format(time.RFC3339),
	}
	if result.Report != nil {
		event.MockFlagged = result.Report.MockDataCount
	}
	if err := m.events.PublishEvent(ctx, m.cfg.EventRoutingKey, event); err != nil {
		m.logger.Error("failed to publish cycle event", zap.Error(err))
	}
}

func (m *Manager) publishAlert(ctx context.Context, cycleID uuid.UUID, reason string, validRate float64, mockCount int) {
	if m.events == nil {
		return
	}
	event := AlertEvent{
		CycleID:   cycleID.String(),
		Reason:    reason,
		ValidRate: validRate,
		MockCount: mockCount,
		Timestamp: m.now().Format(time.RFC3339),
	}
	if err := m.events.PublishEvent(ctx, m.cfg.AlertRoutingKey, event); err != nil {
		m.logger.Error("failed to publish alert event", zap.Error(err))
	}
}

func readingIDs(readings []db.Reading) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(readings))
	for _, r := range readings {
		ids = append(ids, r.ID)
	}
	return ids
}
