package uploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/store/storetest"
	"github.com/septivank/meter-sync-worker/internal/validator"
	"go.uber.org/zap"
)

func fptr(v float64) *float64 { return &v }

type fakeRemote struct {
	uploads   [][]db.Reading
	uploadErr error
}

func (f *fakeRemote) UploadReadings(_ context.Context, readings []db.Reading) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, readings)
	return nil
}

func (f *fakeRemote) FetchTenants(context.Context) ([]db.Tenant, error) { return nil, nil }
func (f *fakeRemote) FetchMeters(context.Context, uuid.UUID) ([]db.Meter, error) {
	return nil, nil
}
func (f *fakeRemote) FetchRegisters(context.Context, uuid.UUID) ([]db.Register, error) {
	return nil, nil
}
func (f *fakeRemote) FetchDeviceRegisters(context.Context, uuid.UUID) ([]db.DeviceRegister, error) {
	return nil, nil
}

type fakePublisher struct {
	events map[string]int
}

func (f *fakePublisher) PublishEvent(_ context.Context, routingKey string, _ interface{}) error {
	if f.events == nil {
		f.events = make(map[string]int)
	}
	f.events[routingKey]++
	return nil
}

func testManager(st *storetest.Fake, rc *fakeRemote, pub EventPublisher) *Manager {
	pipeline := validator.NewPipeline(validator.Config{
		Enabled:         true,
		RejectMockData:  true,
		MaxReadingAge:   365 * 24 * time.Hour,
		FutureTolerance: 5 * time.Minute,
	})
	return NewManager(st, pipeline, rc, pub, Config{
		BatchLimit:      100,
		MinValidRate:    0.9,
		RetentionHours:  24,
		EventRoutingKey: "meter.sync.cycle",
		AlertRoutingKey: "meter.sync.alert",
	}, zap.NewNop())
}

func bufferReading(t *testing.T, st *storetest.Fake, ts time.Time, deviceIP string) uuid.UUID {
	t.Helper()
	r := &db.Reading{
		MeterID:    uuid.New(),
		ElementID:  "main",
		Timestamp:  ts,
		Voltage:    fptr(231.742),
		Current:    fptr(12.318),
		DeviceIP:   deviceIP,
		SyncStatus: db.SyncStatusPending,
	}
	if err := st.InsertReading(context.Background(), r); err != nil {
		t.Fatalf("Expected insert to succeed, got %v", err)
	}
	return r.ID
}

func TestRunCycle_UploadsAndMarks(t *testing.T) {
	st := storetest.New()
	rc := &fakeRemote{}
	m := testManager(st, rc, nil)

	id := bufferReading(t, st, time.Now().Add(-time.Minute), "10.20.30.41")

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("Expected 1 uploaded reading, got %d", result.Uploaded)
	}
	if len(rc.uploads) != 1 {
		t.Fatalf("Expected exactly one remote call, got %d", len(rc.uploads))
	}
	if !st.Readings[id].IsSynchronized {
		t.Error("Expected reading marked synchronized after acknowledged upload")
	}
	if st.Readings[id].SyncStatus != db.SyncStatusSynced {
		t.Errorf("Expected sync status synced, got %s", st.Readings[id].SyncStatus)
	}
	if len(st.SyncLogs) != 1 || !st.SyncLogs[0].Success {
		t.Errorf("Expected one successful sync log row, got %+v", st.SyncLogs)
	}
}

func TestRunCycle_EmptyBuffer(t *testing.T) {
	st := storetest.New()
	rc := &fakeRemote{}
	m := testManager(st, rc, nil)

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected empty cycle to succeed, got %v", err)
	}
	if result.BatchSize != 0 {
		t.Errorf("Expected batch size 0, got %d", result.BatchSize)
	}
	if len(rc.uploads) != 0 {
		t.Error("Expected no remote call for an empty buffer")
	}
}

func TestRunCycle_NoValidReadingsSkipsRemote(t *testing.T) {
	st := storetest.New()
	rc := &fakeRemote{}
	m := testManager(st, rc, nil)

	// Placeholder device ip fails source validation.
	id := bufferReading(t, st, time.Now().Add(-time.Minute), "127.0.0.1")

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if result.Invalid != 1 {
		t.Errorf("Expected 1 invalid reading, got %d", result.Invalid)
	}
	if len(rc.uploads) != 0 {
		t.Error("Expected remote upload skipped when nothing passed validation")
	}
	if st.Readings[id].IsSynchronized {
		t.Error("Expected rejected reading to stay unsynchronized")
	}
	if len(st.SyncLogs) != 1 || !st.SyncLogs[0].Success || st.SyncLogs[0].BatchSize != 0 {
		t.Errorf("Expected a successful zero-batch sync log row, got %+v", st.SyncLogs)
	}
}

func TestRunCycle_UploadFailureKeepsReadings(t *testing.T) {
	st := storetest.New()
	rc := &fakeRemote{uploadErr: errors.New("remote unavailable")}
	m := testManager(st, rc, nil)

	id := bufferReading(t, st, time.Now().Add(-time.Minute), "10.20.30.41")

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected upload failure to be non-fatal, got %v", err)
	}
	if result.Retried != 1 {
		t.Errorf("Expected 1 reading kept for retry, got %d", result.Retried)
	}
	if st.Readings[id].IsSynchronized {
		t.Error("Expected reading to stay unsynchronized after failed upload")
	}
	if st.Readings[id].RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", st.Readings[id].RetryCount)
	}
	if len(st.SyncLogs) != 1 || st.SyncLogs[0].Success {
		t.Errorf("Expected one failed sync log row, got %+v", st.SyncLogs)
	}

	// Next cycle retries the same reading.
	rc.uploadErr = nil
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected retry cycle to succeed, got %v", err)
	}
	if !st.Readings[id].IsSynchronized {
		t.Error("Expected reading synchronized on retry")
	}
}

func TestRunCycle_StorageFailureAborts(t *testing.T) {
	st := storetest.New()
	rc := &fakeRemote{}
	m := testManager(st, rc, nil)

	bufferReading(t, st, time.Now().Add(-time.Minute), "10.20.30.41")
	st.FailNext = true

	if _, err := m.RunCycle(context.Background()); err == nil {
		t.Error("Expected cycle to fail when the store fails")
	}
}

func TestRunCycle_OverlapRefused(t *testing.T) {
	st := storetest.New()
	m := testManager(st, &fakeRemote{}, nil)

	m.running.Store(true)
	if _, err := m.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("Expected ErrCycleInProgress, got %v", err)
	}
	m.running.Store(false)
}

func TestRunCycle_PublishesEvents(t *testing.T) {
	st := storetest.New()
	pub := &fakePublisher{}
	m := testManager(st, &fakeRemote{}, pub)

	bufferReading(t, st, time.Now().Add(-time.Minute), "10.20.30.41")

	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if pub.events["meter.sync.cycle"] != 1 {
		t.Errorf("Expected one cycle event, got %d", pub.events["meter.sync.cycle"])
	}
}

func TestRunCycle_LowValidRateAlert(t *testing.T) {
	st := storetest.New()
	pub := &fakePublisher{}
	m := testManager(st, &fakeRemote{}, pub)

	bufferReading(t, st, time.Now().Add(-time.Minute), "127.0.0.1")

	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if pub.events["meter.sync.alert"] == 0 {
		t.Error("Expected an alert event when the valid rate drops below minimum")
	}
}

func TestValidationStats_Aggregates(t *testing.T) {
	st := storetest.New()
	m := testManager(st, &fakeRemote{}, nil)

	bufferReading(t, st, time.Now().Add(-2*time.Minute), "10.20.30.41")
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}

	stats := m.ValidationStats()
	if stats.Cycles != 1 {
		t.Errorf("Expected 1 cycle counted, got %d", stats.Cycles)
	}
	if stats.TotalValidated != 1 {
		t.Errorf("Expected 1 reading validated, got %d", stats.TotalValidated)
	}
	if stats.AverageValidRate != 1.0 {
		t.Errorf("Expected average valid rate 1.0, got %f", stats.AverageValidRate)
	}
	if m.LatestValidationReport() == nil {
		t.Error("Expected a validation report after the first cycle")
	}
}

func TestRunRetention_DeletesOldSynchronized(t *testing.T) {
	st := storetest.New()
	m := testManager(st, &fakeRemote{}, nil)

	old := bufferReading(t, st, time.Now().Add(-48*time.Hour), "10.20.30.41")
	fresh := bufferReading(t, st, time.Now().Add(-time.Hour), "10.20.30.41")
	if err := st.MarkReadingsSynchronized(context.Background(), []uuid.UUID{old, fresh}); err != nil {
		t.Fatalf("Expected mark to succeed, got %v", err)
	}

	deleted, err := m.RunRetention(context.Background())
	if err != nil {
		t.Fatalf("Expected retention sweep to succeed, got %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 reading deleted, got %d", deleted)
	}
	if _, ok := st.Readings[old]; ok {
		t.Error("Expected old synchronized reading removed")
	}
	if _, ok := st.Readings[fresh]; !ok {
		t.Error("Expected fresh reading kept")
	}
}

func TestRunRetention_DisabledWhenZero(t *testing.T) {
	st := storetest.New()
	m := testManager(st, &fakeRemote{}, nil)
	m.cfg.RetentionHours = 0

	old := bufferReading(t, st, time.Now().Add(-48*time.Hour), "10.20.30.41")
	if err := st.MarkReadingsSynchronized(context.Background(), []uuid.UUID{old}); err != nil {
		t.Fatalf("Expected mark to succeed, got %v", err)
	}

	deleted, err := m.RunRetention(context.Background())
	if err != nil {
		t.Fatalf("Expected disabled retention to be a no-op, got %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected no deletions with retention disabled, got %d", deleted)
	}
}
