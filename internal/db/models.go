package db

import (
	"time"

	"github.com/google/uuid"
)

// Reading sync status values.
const (
	SyncStatusPending   = "pending"
	SyncStatusUploading = "uploading"
	SyncStatusFailed    = "failed"
	SyncStatusSynced    = "synced"
)

// Reading represents a single meter reading buffered locally
type Reading struct {
	ID             uuid.UUID
	MeterID        uuid.UUID
	ElementID      string
	Timestamp      time.Time
	Voltage        *float64
	Current        *float64
	Power          *float64
	Frequency      *float64
	PowerFactor    *float64
	Energy         *float64
	DeviceIP       string
	SyncStatus     string
	RetryCount     int
	IsSynchronized bool
	CreatedAt      time.Time
}

// ChannelNames lists the measured channels in the fixed order used for
// reports and range checks.
var ChannelNames = []string{"voltage", "current", "power", "frequency", "power_factor", "energy"}

// Channels returns the measured channels keyed by name. Nil entries are
// channels the device did not report.
func (r *Reading) Channels() map[string]*float64 {
	return map[string]*float64{
		"voltage":      r.Voltage,
		"current":      r.Current,
		"power":        r.Power,
		"frequency":    r.Frequency,
		"power_factor": r.PowerFactor,
		"energy":       r.Energy,
	}
}

// Tenant represents a tenant synced from the remote system of record
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Active    bool
	UpdatedAt time.Time
}

// Meter represents a metering device scoped to a tenant
type Meter struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	DeviceIP  string
	Model     string
	Active    bool
	UpdatedAt time.Time
}

// Register represents a register definition scoped to a tenant
type Register struct {
	ID        string
	TenantID  uuid.UUID
	Name      string
	Unit      string
	Scale     float64
	UpdatedAt time.Time
}

// DeviceRegister maps a register onto a device. The primary key is the
// composite (DeviceID, RegisterID).
type DeviceRegister struct {
	DeviceID   uuid.UUID
	RegisterID string
	TenantID   uuid.UUID
	Address    int
	IntervalS  int
	UpdatedAt  time.Time
}

// SyncLogEntry is one append-only audit row per upload or reconciliation run
type SyncLogEntry struct {
	ID           int64
	BatchSize    int
	Success      bool
	ErrorMessage *string
	SyncedAt     time.Time
}

// SyncStats aggregates sync log rows over a rolling window
type SyncStats struct {
	TotalSynced  int
	TotalFailed  int
	SuccessRate  float64
	LastSyncTime *time.Time
}

// ReadingStats aggregates buffered readings over a rolling window
type ReadingStats struct {
	Count          int
	Unsynchronized int
	MetersSeen     int
	FirstTimestamp *time.Time
	LastTimestamp  *time.Time
}
