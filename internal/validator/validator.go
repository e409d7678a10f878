package validator

import (
	"math"
	"strings"
	"time"

	"github.com/septivank/meter-sync-worker/internal/db"
)

// Range is the plausible band for one measured channel.
type Range struct {
	Min float64
	Max float64
}

// Config holds all validation thresholds. It is built once at startup; the
// validator never reads the environment itself.
type Config struct {
	Enabled         bool
	StrictMode      bool
	RejectMockData  bool
	MaxReadingAge   time.Duration
	FutureTolerance time.Duration
	MinInterval     time.Duration
	MaxGap          time.Duration
	Ranges          map[string]Range
}

// DefaultRanges returns the plausible bands for low-voltage metering.
func DefaultRanges() map[string]Range {
	return map[string]Range{
		"voltage":      {Min: 90, Max: 480},
		"current":      {Min: 0, Max: 1000},
		"power":        {Min: -500000, Max: 500000},
		"frequency":    {Min: 45, Max: 65},
		"power_factor": {Min: -1, Max: 1},
		"energy":       {Min: 0, Max: 1e9},
	}
}

// sentinelValues are exact magnitudes the dev-time mock collector emitted.
// Kept small and exact-match only; realistic electrical quantities such as
// 230.0 V are deliberately absent.
var sentinelValues = map[float64]bool{
	42:      true,
	111.11:  true,
	123.45:  true,
	123.456: true,
	999.99:  true,
}

var knownSyncStatuses = map[string]bool{
	db.SyncStatusPending:   true,
	db.SyncStatusUploading: true,
	db.SyncStatusFailed:    true,
	db.SyncStatusSynced:    true,
}

// placeholderIPs are loopback or documentation addresses that cannot belong
// to a field device.
var placeholderIPs = map[string]bool{
	"":          true,
	"0.0.0.0":   true,
	"127.0.0.1": true,
	"::1":       true,
	"localhost": true,
}

// ReadingValidator inspects a single reading and yields structured issues.
// All methods are pure; identical input always yields identical issues.
type ReadingValidator struct {
	cfg Config
}

// NewReadingValidator creates a validator with the given thresholds. A nil
// Ranges map falls back to DefaultRanges.
func NewReadingValidator(cfg Config) *ReadingValidator {
	if cfg.Ranges == nil {
		cfg.Ranges = DefaultRanges()
	}
	return &ReadingValidator{cfg: cfg}
}

// CheckTimestamp rejects readings dated in the future or older than the
// configured maximum age.
func (v *ReadingValidator) CheckTimestamp(r *db.Reading, now time.Time) []Issue {
	var issues []Issue

	if r.Timestamp.After(now.Add(v.cfg.FutureTolerance)) {
		issues = append(issues, errorIssue(CodeTimestampInFuture,
			"reading timestamp %s is in the future", r.Timestamp.Format(time.RFC3339)))
	}
	if v.cfg.MaxReadingAge > 0 && r.Timestamp.Before(now.Add(-v.cfg.MaxReadingAge)) {
		issues = append(issues, errorIssue(CodeTimestampTooOld,
			"reading timestamp %s is older than the maximum age %s", r.Timestamp.Format(time.RFC3339), v.cfg.MaxReadingAge))
	}

	return issues
}

// CheckSource flags placeholder device addresses and unrecognized sync
// status values.
func (v *ReadingValidator) CheckSource(r *db.Reading) []Issue {
	var issues []Issue

	ip := strings.TrimSpace(strings.ToLower(r.DeviceIP))
	if placeholderIPs[ip] || strings.HasPrefix(ip, "192.0.2.") {
		issues = append(issues, errorIssue(CodePlaceholderDeviceIP,
			"device ip %q is a placeholder or loopback address", r.DeviceIP))
	}
	if !knownSyncStatuses[r.SyncStatus] {
		issues = append(issues, warningIssue(CodeUnknownSyncStatus,
			"unrecognized sync status %q", r.SyncStatus))
	}

	return issues
}

// CheckRanges warns on measured values outside the plausible band for their
// channel. Out-of-band values are warnings, not rejections.
func (v *ReadingValidator) CheckRanges(r *db.Reading) []Issue {
	var issues []Issue

	channels := r.Channels()
	for _, name := range db.ChannelNames {
		value := channels[name]
		if value == nil {
			continue
		}
		band, ok := v.cfg.Ranges[name]
		if !ok {
			continue
		}
		if *value < band.Min || *value > band.Max {
			issues = append(issues, warningIssue(CodeValueOutOfRange,
				"%s value %.3f outside plausible band [%.1f, %.1f]", name, *value, band.Min, band.Max))
		}
	}

	return issues
}

// CheckCompleteness rejects readings with no measured channels at all.
func (v *ReadingValidator) CheckCompleteness(r *db.Reading) []Issue {
	channels := r.Channels()
	for _, name := range db.ChannelNames {
		if channels[name] != nil {
			return nil
		}
	}
	return []Issue{errorIssue(CodeNoMeasuredValues, "reading has no measured channels")}
}

// checkSentinels flags channels carrying known test sentinel magnitudes and
// readings whose every measured channel is zero.
func (v *ReadingValidator) checkSentinels(r *db.Reading) []Issue {
	var issues []Issue

	channels := r.Channels()
	measured := 0
	zeros := 0
	for _, name := range db.ChannelNames {
		value := channels[name]
		if value == nil {
			continue
		}
		measured++
		if *value == 0 {
			zeros++
		}
		if sentinelValues[math.Abs(*value)] {
			issues = append(issues, v.mockIssue(CodeSentinelValue,
				"%s value %.3f matches a known test sentinel", name, *value))
		}
	}
	if measured > 0 && zeros == measured {
		issues = append(issues, v.mockIssue(CodeAllZeroValues, "all measured channels are zero"))
	}

	return issues
}

// mockIssue builds a mock-data issue at the configured severity.
func (v *ReadingValidator) mockIssue(code Code, format string, args ...interface{}) Issue {
	if v.cfg.RejectMockData {
		return errorIssue(code, format, args...)
	}
	return warningIssue(code, format, args...)
}

// ValidateReading runs every per-reading check. Window checks (mock patterns
// across a batch, temporal consistency) live in WindowIssues.
func (v *ReadingValidator) ValidateReading(r *db.Reading, now time.Time) []Issue {
	var issues []Issue
	issues = append(issues, v.CheckTimestamp(r, now)...)
	issues = append(issues, v.CheckSource(r)...)
	issues = append(issues, v.CheckRanges(r)...)
	issues = append(issues, v.CheckCompleteness(r)...)
	issues = append(issues, v.checkSentinels(r)...)
	return issues
}
