package validator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// Report aggregates the validation outcome of one batch. It is immutable
// once produced.
type Report struct {
	Timestamp          time.Time
	BatchSize          int
	ValidCount         int
	InvalidCount       int
	MockDataCount      int
	UnknownSourceCount int
	Summary            string

	// Issues per reading id; readings without issues have no entry.
	Issues map[uuid.UUID][]Issue

	valid map[uuid.UUID]bool
}

// IsValid reports whether the reading passed validation (zero error-severity
// issues).
func (r *Report) IsValid(id uuid.UUID) bool {
	return r.valid[id]
}

// Pipeline runs the reading validator over batches and aggregates results.
type Pipeline struct {
	validator *ReadingValidator
	cfg       Config
}

// NewPipeline creates a validation pipeline with the given thresholds.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		validator: NewReadingValidator(cfg),
		cfg:       cfg,
	}
}

// Run validates a batch against the reference time. The result is
// deterministic for a given batch; there is no hidden randomness.
func (p *Pipeline) Run(batch []db.Reading, now time.Time) *Report {
	report := &Report{
		Timestamp: now,
		BatchSize: len(batch),
		Issues:    make(map[uuid.UUID][]Issue),
		valid:     make(map[uuid.UUID]bool),
	}

	if !p.cfg.Enabled {
		for i := range batch {
			report.valid[batch[i].ID] = true
		}
		report.ValidCount = len(batch)
		report.Summary = fmt.Sprintf("validation disabled, %d readings passed through", len(batch))
		return report
	}

	windowIssues := p.validator.WindowIssues(batch)

	for i := range batch {
		r := &batch[i]
		issues := p.validator.ValidateReading(r, now)
		issues = append(issues, windowIssues[r.ID]...)

		if p.cfg.StrictMode {
			for j := range issues {
				issues[j].Severity = SeverityError
			}
		}

		if len(issues) > 0 {
			report.Issues[r.ID] = issues
		}

		hasError := false
		hasMock := false
		hasSource := false
		for _, issue := range issues {
			if issue.Severity == SeverityError {
				hasError = true
			}
			if IsMockCode(issue.Code) {
				hasMock = true
			}
			if IsSourceCode(issue.Code) {
				hasSource = true
			}
		}

		if hasMock {
			report.MockDataCount++
		}
		if hasSource {
			report.UnknownSourceCount++
		}
		if hasError {
			report.InvalidCount++
		} else {
			report.ValidCount++
			report.valid[r.ID] = true
		}
	}

	report.Summary = fmt.Sprintf("validated %d readings: %d valid, %d invalid, %d mock-data flagged, %d unknown source",
		report.BatchSize, report.ValidCount, report.InvalidCount, report.MockDataCount, report.UnknownSourceCount)

	return report
}

// Partition splits a batch into upload candidates and rejected readings
// according to a report produced from the same batch.
func (p *Pipeline) Partition(batch []db.Reading, report *Report) (valid, invalid []db.Reading) {
	for _, r := range batch {
		if report.IsValid(r.ID) {
			valid = append(valid, r)
		} else {
			invalid = append(invalid, r)
		}
	}
	return valid, invalid
}
