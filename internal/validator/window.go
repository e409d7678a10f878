package validator

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// Window-check tuning. Mock-data patterns are statistical, so they only fire
// once a batch or series is large enough to carry a signal.
const (
	minMockBatchSize   = 3
	minSeriesLength    = 3
	roundValueFraction = 0.8
	floatEpsilon       = 1e-9
)

// WindowIssues runs the batch-level checks: mock-data pattern detection and
// temporal consistency. Issues are keyed by reading id and are deterministic
// for a given batch regardless of input order.
func (v *ReadingValidator) WindowIssues(batch []db.Reading) map[uuid.UUID][]Issue {
	issues := make(map[uuid.UUID][]Issue)

	v.detectRoundNumberPattern(batch, issues)

	for _, series := range groupByElement(batch) {
		v.detectSequentialValues(series, issues)
		v.checkTemporalConsistency(series, issues)
	}

	return issues
}

// groupByElement splits a batch into per-meter/element series sorted by
// timestamp. Ties are broken by id so iteration is stable.
func groupByElement(batch []db.Reading) [][]db.Reading {
	byKey := make(map[string][]db.Reading)
	for _, r := range batch {
		key := r.MeterID.String() + "/" + r.ElementID
		byKey[key] = append(byKey[key], r)
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([][]db.Reading, 0, len(byKey))
	for _, key := range keys {
		series := byKey[key]
		sort.Slice(series, func(i, j int) bool {
			if !series[i].Timestamp.Equal(series[j].Timestamp) {
				return series[i].Timestamp.Before(series[j].Timestamp)
			}
			return series[i].ID.String() < series[j].ID.String()
		})
		groups = append(groups, series)
	}
	return groups
}

// detectRoundNumberPattern flags batches dominated by suspiciously round
// values. A reading counts as round when every measured channel is a non-zero
// integer.
func (v *ReadingValidator) detectRoundNumberPattern(batch []db.Reading, issues map[uuid.UUID][]Issue) {
	if len(batch) < minMockBatchSize {
		return
	}

	var roundIDs []uuid.UUID
	considered := 0
	for _, r := range batch {
		channels := r.Channels()
		measured := 0
		round := 0
		for _, name := range db.ChannelNames {
			value := channels[name]
			if value == nil {
				continue
			}
			measured++
			if *value != 0 && *value == math.Trunc(*value) {
				round++
			}
		}
		if measured == 0 {
			continue
		}
		considered++
		if round == measured {
			roundIDs = append(roundIDs, r.ID)
		}
	}

	if considered < minMockBatchSize {
		return
	}
	if float64(len(roundIDs)) < roundValueFraction*float64(considered) {
		return
	}
	for _, id := range roundIDs {
		issues[id] = append(issues[id], v.mockIssue(CodeRoundNumberPattern,
			"batch dominated by round values (%d of %d readings)", len(roundIDs), considered))
	}
}

// detectSequentialValues flags series whose successive values step by an
// exactly constant non-zero increment on any channel.
func (v *ReadingValidator) detectSequentialValues(series []db.Reading, issues map[uuid.UUID][]Issue) {
	if len(series) < minSeriesLength {
		return
	}

	for _, name := range db.ChannelNames {
		values := make([]float64, 0, len(series))
		complete := true
		for i := range series {
			value := series[i].Channels()[name]
			if value == nil {
				complete = false
				break
			}
			values = append(values, *value)
		}
		if !complete || len(values) < minSeriesLength {
			continue
		}

		step := values[1] - values[0]
		if math.Abs(step) < floatEpsilon {
			continue
		}
		constant := true
		for i := 2; i < len(values); i++ {
			if math.Abs((values[i]-values[i-1])-step) > floatEpsilon {
				constant = false
				break
			}
		}
		if !constant {
			continue
		}

		for i := range series {
			issues[series[i].ID] = append(issues[series[i].ID], v.mockIssue(CodeSequentialValues,
				"%s steps by a constant %.3f across %d readings", name, step, len(values)))
		}
	}
}

// checkTemporalConsistency warns when successive readings for the same
// meter/element are spaced too closely or leave a continuity gap.
func (v *ReadingValidator) checkTemporalConsistency(series []db.Reading, issues map[uuid.UUID][]Issue) {
	for i := 1; i < len(series); i++ {
		gap := series[i].Timestamp.Sub(series[i-1].Timestamp)
		if v.cfg.MinInterval > 0 && gap < v.cfg.MinInterval {
			issues[series[i].ID] = append(issues[series[i].ID], warningIssue(CodeIntervalTooShort,
				"only %s since previous reading, minimum interval is %s", gap, v.cfg.MinInterval))
		}
		if v.cfg.MaxGap > 0 && gap > v.cfg.MaxGap {
			issues[series[i].ID] = append(issues[series[i].ID], warningIssue(CodeGapTooLong,
				"continuity break: %s since previous reading exceeds %s", gap, v.cfg.MaxGap))
		}
	}
}
