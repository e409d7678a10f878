package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
	"go.uber.org/zap"
)

// HTTPClient implements Client over the Client System's HTTP API. Transient
// failures (network errors, 5xx) are retried with exponential backoff up to
// MaxElapsedTime; 4xx responses are permanent and returned immediately.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxElapsed time.Duration
	logger     *zap.Logger
}

// NewHTTPClient creates a remote client for the given base URL.
func NewHTTPClient(baseURL, apiKey string, requestTimeout, maxElapsed time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: requestTimeout},
		maxElapsed: maxElapsed,
		logger:     logger,
	}
}

// readingPayload is the upload wire format.
type readingPayload struct {
	ID          uuid.UUID `json:"id"`
	MeterID     uuid.UUID `json:"meter_id"`
	ElementID   string    `json:"element_id"`
	Timestamp   time.Time `json:"timestamp"`
	Voltage     *float64  `json:"voltage,omitempty"`
	Current     *float64  `json:"current,omitempty"`
	Power       *float64  `json:"power,omitempty"`
	Frequency   *float64  `json:"frequency,omitempty"`
	PowerFactor *float64  `json:"power_factor,omitempty"`
	Energy      *float64  `json:"energy,omitempty"`
	DeviceIP    string    `json:"device_ip"`
}

type uploadRequest struct {
	Readings []readingPayload `json:"readings"`
}

// UploadReadings pushes a validated batch to the remote ingest endpoint.
func (c *HTTPClient) UploadReadings(ctx context.Context, readings []db.Reading) error {
	payload := uploadRequest{Readings: make([]readingPayload, 0, len(readings))}
	for _, r := range readings {
		payload.Readings = append(payload.Readings, readingPayload{
			ID:          r.ID,
			MeterID:     r.MeterID,
			ElementID:   r.ElementID,
			Timestamp:   r.Timestamp,
			Voltage:     r.Voltage,
			Current:     r.Current,
			Power:       r.Power,
			Frequency:   r.Frequency,
			PowerFactor: r.PowerFactor,
			Energy:      r.Energy,
			DeviceIP:    r.DeviceIP,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload batch: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/api/v1/readings/batch", body, nil)
}

// FetchTenants fetches the remote tenant list.
func (c *HTTPClient) FetchTenants(ctx context.Context) ([]db.Tenant, error) {
	var out struct {
		Tenants []db.Tenant `json:"tenants"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tenants", nil, &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

// FetchMeters fetches the remote meter snapshot for a tenant.
func (c *HTTPClient) FetchMeters(ctx context.Context, tenantID uuid.UUID) ([]db.Meter, error) {
	var out struct {
		Meters []db.Meter `json:"meters"`
	}
	path := fmt.Sprintf("/api/v1/tenants/%s/meters", tenantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Meters, nil
}

// FetchRegisters fetches the remote register snapshot for a tenant.
func (c *HTTPClient) FetchRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.Register, error) {
	var out struct {
		Registers []db.Register `json:"registers"`
	}
	path := fmt.Sprintf("/api/v1/tenants/%s/registers", tenantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Registers, nil
}

// FetchDeviceRegisters fetches the remote device-register mapping for a tenant.
func (c *HTTPClient) FetchDeviceRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error) {
	var out struct {
		DeviceRegisters []db.DeviceRegister `json:"device_registers"`
	}
	path := fmt.Sprintf("/api/v1/tenants/%s/device-registers", tenantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.DeviceRegisters, nil
}

// do executes one request with backoff retry on transient failures and
// decodes the response into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Network errors are transient.
			return fmt.Errorf("request to %s failed: %w", path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return backoff.Permanent(fmt.Errorf("failed to decode response from %s: %w", path, err))
				}
			}
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("remote returned %d for %s", resp.StatusCode, path)
		default:
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("remote rejected %s with %d: %s", path, resp.StatusCode, string(respBody)))
		}
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("remote call failed, retrying",
			zap.String("path", path),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("remote %s %s: %w", method, path, err)
	}

	return nil
}
