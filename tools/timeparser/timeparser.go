package timeparser

import (
	"fmt"
	"time"
)

// ParseMeterTimestamp attempts to parse a device timestamp with the formats
// field hardware is known to emit.
func ParseMeterTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY, older firmware
		time.RFC3339,          // Standard RFC3339
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}
