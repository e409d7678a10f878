// Package device abstracts the field device a meter reading comes from.
// The wire protocol to physical hardware is out of scope; clients only need
// to produce readings and answer connectivity probes.
package device

import (
	"context"

	"github.com/septivank/meter-sync-worker/internal/db"
)

// Client reads current data from a field device.
type Client interface {
	// ReadCurrent polls the device behind the meter and returns one reading.
	ReadCurrent(ctx context.Context, meter db.Meter) (*db.Reading, error)
	// TestConnection probes the device endpoint for the given meter.
	TestConnection(ctx context.Context, meter db.Meter) error
	// Name identifies the client implementation for status output.
	Name() string
}
