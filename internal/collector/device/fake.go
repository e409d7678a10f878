package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/septivank/meter-sync-worker/internal/db"
)

// Fake is a deterministic device client for tests and development rigs. The
// same meter and step always yield the same reading; values drift around
// realistic set points without ever looking like mock patterns (no round
// numbers, no constant steps).
type Fake struct {
	mu    sync.Mutex
	steps map[string]int
	now   func() time.Time

	// FailFor makes ReadCurrent and TestConnection fail for the listed
	// device IPs.
	FailFor map[string]error
}

// NewFake creates a deterministic fake device client.
func NewFake(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		steps:   make(map[string]int),
		now:     now,
		FailFor: make(map[string]error),
	}
}

// Name identifies the client implementation.
func (f *Fake) Name() string { return "fake" }

// ReadCurrent returns the next deterministic reading for the meter.
func (f *Fake) ReadCurrent(_ context.Context, meter db.Meter) (*db.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailFor[meter.DeviceIP]; err != nil {
		return nil, err
	}

	key := meter.ID.String()
	step := f.steps[key]
	f.steps[key] = step + 1

	// Seed per meter from its id bytes so distinct meters produce distinct
	// but reproducible series.
	seed := 0.0
	for _, b := range meter.ID {
		seed += float64(b)
	}
	phase := seed/255.0 + float64(step)*0.7

	voltage := 229.731 + 2.113*math.Sin(phase)
	current := 12.417 + 1.529*math.Sin(phase*1.3+0.5)
	frequency := 49.987 + 0.021*math.Sin(phase*0.8)
	powerFactor := 0.943 + 0.017*math.Sin(phase*1.1+1.2)
	power := voltage * current * powerFactor
	energy := seed*10 + float64(step)*0.253

	return &db.Reading{
		MeterID:     meter.ID,
		ElementID:   "main",
		Timestamp:   f.now(),
		Voltage:     &voltage,
		Current:     &current,
		Power:       &power,
		Frequency:   &frequency,
		PowerFactor: &powerFactor,
		Energy:      &energy,
		DeviceIP:    meter.DeviceIP,
		SyncStatus:  db.SyncStatusPending,
	}, nil
}

// TestConnection succeeds unless the meter's device IP is listed in FailFor.
func (f *Fake) TestConnection(_ context.Context, meter db.Meter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailFor[meter.DeviceIP]; err != nil {
		return err
	}
	return nil
}
