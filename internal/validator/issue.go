package validator

import "fmt"

// Severity of a validation issue. Only error-severity issues disqualify a
// reading from upload.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Code identifies the check that produced an issue.
type Code string

const (
	CodeTimestampInFuture   Code = "TIMESTAMP_IN_FUTURE"
	CodeTimestampTooOld     Code = "TIMESTAMP_TOO_OLD"
	CodePlaceholderDeviceIP Code = "PLACEHOLDER_DEVICE_IP"
	CodeUnknownSyncStatus   Code = "UNKNOWN_SYNC_STATUS"
	CodeValueOutOfRange     Code = "VALUE_OUT_OF_RANGE"
	CodeNoMeasuredValues    Code = "NO_MEASURED_VALUES"
	CodeSentinelValue       Code = "SENTINEL_VALUE"
	CodeAllZeroValues       Code = "ALL_ZERO_VALUES"
	CodeSequentialValues    Code = "SEQUENTIAL_VALUES"
	CodeRoundNumberPattern  Code = "ROUND_NUMBER_PATTERN"
	CodeIntervalTooShort    Code = "READING_INTERVAL_TOO_SHORT"
	CodeGapTooLong          Code = "READING_GAP_TOO_LONG"
)

// Issue is attached to a reading during validation only; it is never
// persisted on its own, only summarized in a Report.
type Issue struct {
	Severity Severity
	Code     Code
	Message  string
}

func errorIssue(code Code, format string, args ...interface{}) Issue {
	return Issue{Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...)}
}

func warningIssue(code Code, format string, args ...interface{}) Issue {
	return Issue{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...)}
}

// mockCodes are issues produced by the mock-data pattern checks.
var mockCodes = map[Code]bool{
	CodeSentinelValue:      true,
	CodeAllZeroValues:      true,
	CodeSequentialValues:   true,
	CodeRoundNumberPattern: true,
}

// sourceCodes are issues produced by the source-authenticity checks.
var sourceCodes = map[Code]bool{
	CodePlaceholderDeviceIP: true,
	CodeUnknownSyncStatus:   true,
}

// IsMockCode reports whether a code belongs to the mock-data pattern checks.
func IsMockCode(code Code) bool { return mockCodes[code] }

// IsSourceCode reports whether a code belongs to the source-authenticity checks.
func IsSourceCode(code Code) bool { return sourceCodes[code] }
