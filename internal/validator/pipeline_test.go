package validator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

func TestPipeline_CountsAddUp(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	batch := []db.Reading{
		plausibleReading(now.Add(-10 * time.Minute)),
		plausibleReading(now.Add(-8 * time.Minute)),
	}
	bad := plausibleReading(now.Add(-6 * time.Minute))
	bad.DeviceIP = "127.0.0.1"
	batch = append(batch, bad)

	report := p.Run(batch, now)

	if report.BatchSize != 3 {
		t.Errorf("Expected batch size 3, got %d", report.BatchSize)
	}
	if report.ValidCount+report.InvalidCount != report.BatchSize {
		t.Errorf("Expected valid (%d) + invalid (%d) to equal batch size %d",
			report.ValidCount, report.InvalidCount, report.BatchSize)
	}
	if report.InvalidCount != 1 {
		t.Errorf("Expected 1 invalid reading, got %d", report.InvalidCount)
	}
	if report.IsValid(bad.ID) {
		t.Error("Expected placeholder-ip reading to be invalid")
	}
}

func TestPipeline_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	p := NewPipeline(cfg)
	now := time.Now()

	bad := plausibleReading(now)
	bad.DeviceIP = "127.0.0.1"

	report := p.Run([]db.Reading{bad}, now)
	if report.ValidCount != 1 || report.InvalidCount != 0 {
		t.Errorf("Expected disabled pipeline to pass everything, got %d valid / %d invalid",
			report.ValidCount, report.InvalidCount)
	}
	if !report.IsValid(bad.ID) {
		t.Error("Expected reading to be valid when validation is disabled")
	}
}

func TestPipeline_StrictModeUpgradesWarnings(t *testing.T) {
	cfg := testConfig()
	cfg.StrictMode = true
	p := NewPipeline(cfg)
	now := time.Now()

	// Out-of-band value is normally a warning.
	r := plausibleReading(now.Add(-time.Minute))
	r.Voltage = fptr(612.5)

	report := p.Run([]db.Reading{r}, now)
	if report.IsValid(r.ID) {
		t.Error("Expected strict mode to reject a reading with warnings")
	}
	for _, issue := range report.Issues[r.ID] {
		if issue.Severity != SeverityError {
			t.Errorf("Expected strict mode to upgrade severity to error, got %s", issue.Severity)
		}
	}
}

func TestPipeline_MockBatchFlagged(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	var batch []db.Reading
	for i := 0; i < 5; i++ {
		r := seriesReading(meterID, now.Add(time.Duration(-10+2*i)*time.Minute), 230)
		batch = append(batch, r)
	}

	report := p.Run(batch, now)
	if report.MockDataCount == 0 {
		t.Error("Expected round-number batch to raise mock data detections")
	}
	if report.ValidCount != 0 {
		t.Errorf("Expected mock batch rejected with RejectMockData, got %d valid", report.ValidCount)
	}
}

func TestPipeline_MockBatchPassesWithoutReject(t *testing.T) {
	cfg := testConfig()
	cfg.RejectMockData = false
	p := NewPipeline(cfg)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	var batch []db.Reading
	for i := 0; i < 5; i++ {
		batch = append(batch, seriesReading(meterID, now.Add(time.Duration(-10+2*i)*time.Minute), 230))
	}

	report := p.Run(batch, now)
	if report.MockDataCount == 0 {
		t.Error("Expected mock detections to still be counted without RejectMockData")
	}
	if report.ValidCount != len(batch) {
		t.Errorf("Expected mock batch to pass as warnings, got %d valid of %d", report.ValidCount, len(batch))
	}
}

func TestPipeline_Deterministic(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, now.Add(-10*time.Minute), 230.117),
		seriesReading(meterID, now.Add(-8*time.Minute), 231.493),
		seriesReading(meterID, now.Add(-6*time.Minute), 229.958),
	}

	first := p.Run(batch, now)
	second := p.Run(batch, now)

	if first.ValidCount != second.ValidCount || first.InvalidCount != second.InvalidCount ||
		first.MockDataCount != second.MockDataCount {
		t.Errorf("Expected identical reports across runs: %+v vs %+v", first, second)
	}
}

func TestPartition_SplitsByReport(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Now()

	good := plausibleReading(now.Add(-time.Minute))
	bad := plausibleReading(now.Add(-2 * time.Minute))
	bad.DeviceIP = "0.0.0.0"
	batch := []db.Reading{good, bad}

	report := p.Run(batch, now)
	valid, invalid := p.Partition(batch, report)

	if len(valid) != 1 || valid[0].ID != good.ID {
		t.Errorf("Expected only the good reading in the valid set, got %d entries", len(valid))
	}
	if len(invalid) != 1 || invalid[0].ID != bad.ID {
		t.Errorf("Expected only the bad reading in the invalid set, got %d entries", len(invalid))
	}
}
