package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// SyncStore abstracts the local persistence layer shared by the collector,
// the upload manager and the reconciliation engine. Every method returns a
// descriptive error on storage failure; none return partial results silently.
// Each method is a single atomic statement from the caller's point of view.
type SyncStore interface {
	// Reading buffer.
	InsertReading(ctx context.Context, reading *db.Reading) error
	GetUnsynchronizedReadings(ctx context.Context, limit int) ([]db.Reading, error)
	MarkReadingsSynchronized(ctx context.Context, ids []uuid.UUID) error
	DeleteSynchronizedReadings(ctx context.Context, ids []uuid.UUID) (int, error)
	GetSynchronizedReadingIDs(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	// IncrementRetryCount is a no-op, not an error, for ids that no longer exist.
	IncrementRetryCount(ctx context.Context, ids []uuid.UUID) error
	GetLatestReading(ctx context.Context, meterID uuid.UUID) (*db.Reading, error)
	GetReadingStats(ctx context.Context, hours int) (*db.ReadingStats, error)

	// Configuration entities, tenant-scoped.
	GetTenants(ctx context.Context) ([]db.Tenant, error)
	UpsertTenant(ctx context.Context, tenant *db.Tenant) error
	GetMeters(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]db.Meter, error)
	UpsertMeter(ctx context.Context, meter *db.Meter) error
	DeleteMeter(ctx context.Context, tenantID, meterID uuid.UUID) error
	GetRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.Register, error)
	UpsertRegister(ctx context.Context, register *db.Register) error
	DeleteRegister(ctx context.Context, tenantID uuid.UUID, registerID string) error
	GetDeviceRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error)
	UpsertDeviceRegister(ctx context.Context, dr *db.DeviceRegister) error
	DeleteDeviceRegister(ctx context.Context, tenantID, deviceID uuid.UUID, registerID string) error

	// Audit trail.
	LogSyncOperation(ctx context.Context, success bool, batchSize int, errorMessage string) error
	GetSyncStats(ctx context.Context, hours int) (*db.SyncStats, error)
	GetRecentSyncLogs(ctx context.Context, limit int) ([]db.SyncLogEntry, error)
}
