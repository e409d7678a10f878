// Package remote is the boundary to the Client System, the remote system of
// record. Only the operations the sync core needs are modeled: upload a
// reading batch and fetch configuration snapshots.
package remote

import (
	"context"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// Client talks to the Client System.
type Client interface {
	// UploadReadings pushes a validated batch. An error means nothing was
	// acknowledged; the caller must not mark anything synchronized.
	UploadReadings(ctx context.Context, readings []db.Reading) error

	FetchTenants(ctx context.Context) ([]db.Tenant, error)
	FetchMeters(ctx context.Context, tenantID uuid.UUID) ([]db.Meter, error)
	FetchRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.Register, error)
	FetchDeviceRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error)
}
