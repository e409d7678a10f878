package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/tools/timeparser"
)

// HTTPClient polls a device's embedded web endpoint for current data. Meters
// expose a small JSON document at /api/current on their device IP.
type HTTPClient struct {
	http *http.Client
	port int
}

// NewHTTPClient creates a device client with the given per-request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		http: &http.Client{Timeout: timeout},
		port: 80,
	}
}

// Name identifies the client implementation.
func (c *HTTPClient) Name() string { return "http" }

// currentData is the device's JSON document. Timestamps come in the device's
// local formats and are normalized by the timeparser.
type currentData struct {
	Timestamp   string   `json:"timestamp"`
	ElementID   string   `json:"element_id"`
	Voltage     *float64 `json:"voltage"`
	Current     *float64 `json:"current"`
	Power       *float64 `json:"power"`
	Frequency   *float64 `json:"frequency"`
	PowerFactor *float64 `json:"power_factor"`
	Energy      *float64 `json:"energy"`
}

// ReadCurrent polls the device behind the meter and returns one reading.
func (c *HTTPClient) ReadCurrent(ctx context.Context, meter db.Meter) (*db.Reading, error) {
	url := fmt.Sprintf("http://%s:%d/api/current", meter.DeviceIP, c.port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build device request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device %s unreachable: %w", meter.DeviceIP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device %s returned %d", meter.DeviceIP, resp.StatusCode)
	}

	var data currentData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode device response from %s: %w", meter.DeviceIP, err)
	}

	timestamp := time.Now()
	if data.Timestamp != "" {
		parsed, err := timeparser.ParseMeterTimestamp(data.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("device %s sent unparseable timestamp: %w", meter.DeviceIP, err)
		}
		timestamp = parsed
	}

	elementID := data.ElementID
	if elementID == "" {
		elementID = "main"
	}

	return &db.Reading{
		MeterID:     meter.ID,
		ElementID:   elementID,
		Timestamp:   timestamp,
		Voltage:     data.Voltage,
		Current:     data.Current,
		Power:       data.Power,
		Frequency:   data.Frequency,
		PowerFactor: data.PowerFactor,
		Energy:      data.Energy,
		DeviceIP:    meter.DeviceIP,
		SyncStatus:  db.SyncStatusPending,
	}, nil
}

// TestConnection probes the device endpoint.
func (c *HTTPClient) TestConnection(ctx context.Context, meter db.Meter) error {
	url := fmt.Sprintf("http://%s:%d/api/current", meter.DeviceIP, c.port)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build device request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device %s unreachable: %w", meter.DeviceIP, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("device %s returned %d", meter.DeviceIP, resp.StatusCode)
	}
	return nil
}
