package validator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

func seriesReading(meterID uuid.UUID, ts time.Time, voltage float64) db.Reading {
	return db.Reading{
		ID:         uuid.New(),
		MeterID:    meterID,
		ElementID:  "main",
		Timestamp:  ts,
		Voltage:    fptr(voltage),
		DeviceIP:   "10.20.30.41",
		SyncStatus: db.SyncStatusPending,
	}
}

func TestRoundNumberPattern_Dominated(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 230),
		seriesReading(meterID, base.Add(2*time.Minute), 231),
		seriesReading(meterID, base.Add(4*time.Minute), 229),
		seriesReading(meterID, base.Add(6*time.Minute), 230),
		seriesReading(meterID, base.Add(8*time.Minute), 232),
	}

	issues := v.WindowIssues(batch)
	flagged := 0
	for _, r := range batch {
		if hasCode(issues[r.ID], CodeRoundNumberPattern) {
			flagged++
		}
	}
	if flagged != len(batch) {
		t.Errorf("Expected all %d round readings flagged, got %d", len(batch), flagged)
	}
}

func TestRoundNumberPattern_BelowFraction(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 230),
		seriesReading(meterID, base.Add(2*time.Minute), 231.417),
		seriesReading(meterID, base.Add(4*time.Minute), 229.882),
		seriesReading(meterID, base.Add(6*time.Minute), 230.105),
	}

	issues := v.WindowIssues(batch)
	for _, r := range batch {
		if hasCode(issues[r.ID], CodeRoundNumberPattern) {
			t.Errorf("Expected no round-number flags at 25%% round, got issue on %s", r.ID)
		}
	}
}

func TestRoundNumberPattern_SmallBatchIgnored(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 230),
		seriesReading(meterID, base.Add(2*time.Minute), 231),
	}

	issues := v.WindowIssues(batch)
	for _, r := range batch {
		if hasCode(issues[r.ID], CodeRoundNumberPattern) {
			t.Error("Expected no round-number detection below the minimum batch size")
		}
	}
}

func TestSequentialValues_ConstantStep(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 100.5),
		seriesReading(meterID, base.Add(2*time.Minute), 101.0),
		seriesReading(meterID, base.Add(4*time.Minute), 101.5),
		seriesReading(meterID, base.Add(6*time.Minute), 102.0),
	}

	issues := v.WindowIssues(batch)
	for _, r := range batch {
		if !hasCode(issues[r.ID], CodeSequentialValues) {
			t.Errorf("Expected SEQUENTIAL_VALUES for constant-step series on %s", r.ID)
		}
	}
}

func TestSequentialValues_RealisticDrift(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 230.117),
		seriesReading(meterID, base.Add(2*time.Minute), 231.493),
		seriesReading(meterID, base.Add(4*time.Minute), 229.958),
		seriesReading(meterID, base.Add(6*time.Minute), 230.731),
	}

	issues := v.WindowIssues(batch)
	for _, r := range batch {
		if hasCode(issues[r.ID], CodeSequentialValues) {
			t.Errorf("Expected no sequential-value flags for drifting series, got issue on %s", r.ID)
		}
	}
}

func TestSequentialValues_SeparateSeriesNotMixed(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Two meters whose interleaved values would form a constant step, but
	// each meter's own series does not.
	meterA := uuid.New()
	meterB := uuid.New()
	batch := []db.Reading{
		seriesReading(meterA, base, 100.0),
		seriesReading(meterB, base.Add(time.Minute), 100.5),
		seriesReading(meterA, base.Add(2*time.Minute), 101.0),
		seriesReading(meterB, base.Add(3*time.Minute), 101.5),
		seriesReading(meterA, base.Add(4*time.Minute), 101.7),
		seriesReading(meterB, base.Add(5*time.Minute), 102.9),
	}

	issues := v.WindowIssues(batch)
	for _, r := range batch {
		if hasCode(issues[r.ID], CodeSequentialValues) {
			t.Errorf("Expected per-series grouping to prevent cross-meter detection, got issue on %s", r.ID)
		}
	}
}

func TestTemporalConsistency_IntervalTooShort(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	first := seriesReading(meterID, base, 230.117)
	second := seriesReading(meterID, base.Add(10*time.Second), 230.455)

	issues := v.WindowIssues([]db.Reading{first, second})
	if hasCode(issues[first.ID], CodeIntervalTooShort) {
		t.Error("Expected no interval issue on the first reading of a series")
	}
	if !hasCode(issues[second.ID], CodeIntervalTooShort) {
		t.Errorf("Expected READING_INTERVAL_TOO_SHORT on the second reading, got %v", issues[second.ID])
	}
}

func TestTemporalConsistency_GapTooLong(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	first := seriesReading(meterID, base, 230.117)
	second := seriesReading(meterID, base.Add(3*time.Hour), 230.455)

	issues := v.WindowIssues([]db.Reading{first, second})
	if !hasCode(issues[second.ID], CodeGapTooLong) {
		t.Errorf("Expected READING_GAP_TOO_LONG after a 3h gap, got %v", issues[second.ID])
	}
}

func TestWindowIssues_OrderIndependent(t *testing.T) {
	v := NewReadingValidator(testConfig())
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	meterID := uuid.New()
	batch := []db.Reading{
		seriesReading(meterID, base, 100.5),
		seriesReading(meterID, base.Add(2*time.Minute), 101.0),
		seriesReading(meterID, base.Add(4*time.Minute), 101.5),
	}
	reversed := []db.Reading{batch[2], batch[1], batch[0]}

	forward := v.WindowIssues(batch)
	backward := v.WindowIssues(reversed)

	for _, r := range batch {
		if len(forward[r.ID]) != len(backward[r.ID]) {
			t.Errorf("Expected identical issues regardless of input order for %s: %d vs %d",
				r.ID, len(forward[r.ID]), len(backward[r.ID]))
		}
	}
}
