package timeparser

import (
	"testing"
	"time"
)

func TestParseMeterTimestamp_Format1(t *testing.T) {
	dateStr := "29/12/2025 10:30:45"

	result, err := ParseMeterTimestamp(dateStr)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_Format2(t *testing.T) {
	dateStr := "29 10:30:45/12/2025"

	result, err := ParseMeterTimestamp(dateStr)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_RFC3339(t *testing.T) {
	dateStr := "2025-12-29T10:30:45Z"

	result, err := ParseMeterTimestamp(dateStr)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_Invalid(t *testing.T) {
	dateStr := "invalid-date-string"

	_, err := ParseMeterTimestamp(dateStr)
	if err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}
