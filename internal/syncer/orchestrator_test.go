package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/store/storetest"
	"go.uber.org/zap"
)

// fakeRemote serves fixed configuration snapshots per tenant.
type fakeRemote struct {
	tenants         []db.Tenant
	meters          map[uuid.UUID][]db.Meter
	registers       map[uuid.UUID][]db.Register
	deviceRegisters map[uuid.UUID][]db.DeviceRegister
	tenantsErr      error
}

func (f *fakeRemote) UploadReadings(context.Context, []db.Reading) error { return nil }

func (f *fakeRemote) FetchTenants(context.Context) ([]db.Tenant, error) {
	return f.tenants, f.tenantsErr
}

func (f *fakeRemote) FetchMeters(_ context.Context, tenantID uuid.UUID) ([]db.Meter, error) {
	return f.meters[tenantID], nil
}

func (f *fakeRemote) FetchRegisters(_ context.Context, tenantID uuid.UUID) ([]db.Register, error) {
	return f.registers[tenantID], nil
}

func (f *fakeRemote) FetchDeviceRegisters(_ context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error) {
	return f.deviceRegisters[tenantID], nil
}

func snapshot() (*fakeRemote, uuid.UUID, uuid.UUID) {
	tenantID := uuid.New()
	meterID := uuid.New()
	return &fakeRemote{
		tenants: []db.Tenant{{ID: tenantID, Name: "plant north", Active: true}},
		meters: map[uuid.UUID][]db.Meter{
			tenantID: {{ID: meterID, TenantID: tenantID, Name: "main incomer", DeviceIP: "10.0.0.5", Active: true}},
		},
		registers: map[uuid.UUID][]db.Register{
			tenantID: {{ID: "1.8.0", TenantID: tenantID, Name: "active energy import", Unit: "kWh", Scale: 1}},
		},
		deviceRegisters: map[uuid.UUID][]db.DeviceRegister{
			tenantID: {{DeviceID: meterID, RegisterID: "1.8.0", TenantID: tenantID, Address: 100, IntervalS: 60}},
		},
	}, tenantID, meterID
}

func TestRunCycle_FullSnapshot(t *testing.T) {
	rc, tenantID, meterID := snapshot()
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	// One tenant, one meter, one register, one mapping.
	if summary.Inserted != 4 {
		t.Errorf("Expected 4 inserts, got %d", summary.Inserted)
	}
	if summary.Tenants != 1 {
		t.Errorf("Expected 1 tenant reconciled, got %d", summary.Tenants)
	}
	if _, ok := st.Tenants[tenantID]; !ok {
		t.Error("Expected tenant applied locally")
	}
	if _, ok := st.Meters[meterID]; !ok {
		t.Error("Expected meter applied locally")
	}
	if len(st.SyncLogs) != 1 || !st.SyncLogs[0].Success {
		t.Errorf("Expected one successful audit row, got %+v", st.SyncLogs)
	}
}

func TestRunCycle_RerunIsIdempotent(t *testing.T) {
	rc, _, _ := snapshot()
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected first cycle to succeed, got %v", err)
	}
	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected rerun to succeed, got %v", err)
	}
	if summary.Inserted != 0 || summary.Updated != 0 || summary.Deleted != 0 {
		t.Errorf("Expected rerun to apply nothing, got %+v", summary)
	}
}

func TestRunCycle_IntegritySkipsUnknownDevice(t *testing.T) {
	rc, tenantID, _ := snapshot()
	// Mapping referencing a device the snapshot does not contain.
	rc.deviceRegisters[tenantID] = append(rc.deviceRegisters[tenantID], db.DeviceRegister{
		DeviceID:   uuid.New(),
		RegisterID: "1.8.0",
		TenantID:   tenantID,
		Address:    300,
	})
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("Expected 1 skipped mapping, got %d", summary.Skipped)
	}
	if len(st.DeviceRegisters) != 1 {
		t.Errorf("Expected only the valid mapping applied, got %d", len(st.DeviceRegisters))
	}
}

func TestRunCycle_TenantScopeEnforced(t *testing.T) {
	rc, tenantID, _ := snapshot()
	// A meter claiming to belong to a different tenant is skipped.
	rc.meters[tenantID] = append(rc.meters[tenantID], db.Meter{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "foreign meter",
		DeviceIP: "10.0.0.99",
		Active:   true,
	})
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("Expected cross-tenant meter skipped, got %d skips", summary.Skipped)
	}
	if len(st.Meters) != 1 {
		t.Errorf("Expected 1 meter applied, got %d", len(st.Meters))
	}
}

func TestRunCycle_InactiveTenantNotReconciled(t *testing.T) {
	rc, tenantID, _ := snapshot()
	rc.tenants[0].Active = false
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if summary.Tenants != 0 {
		t.Errorf("Expected inactive tenant skipped, got %d reconciled", summary.Tenants)
	}
	// The tenant row itself is still synced.
	if _, ok := st.Tenants[tenantID]; !ok {
		t.Error("Expected tenant row applied even when inactive")
	}
	if len(st.Meters) != 0 {
		t.Errorf("Expected no meters for an inactive tenant, got %d", len(st.Meters))
	}
}

func TestRunCycle_DeletesDisabledByDefault(t *testing.T) {
	rc, tenantID, _ := snapshot()
	st := storetest.New()

	// Local meter the remote no longer knows.
	staleID := uuid.New()
	st.Meters[staleID] = db.Meter{ID: staleID, TenantID: tenantID, Name: "decommissioned", DeviceIP: "10.0.0.50"}

	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())
	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if summary.Deleted != 0 {
		t.Errorf("Expected no deletes by default, got %d", summary.Deleted)
	}
	if _, ok := st.Meters[staleID]; !ok {
		t.Error("Expected stale local meter kept with deletes disabled")
	}
}

func TestRunCycle_MeterDeletesOptIn(t *testing.T) {
	rc, tenantID, _ := snapshot()
	st := storetest.New()

	staleID := uuid.New()
	st.Meters[staleID] = db.Meter{ID: staleID, TenantID: tenantID, Name: "decommissioned", DeviceIP: "10.0.0.50"}

	o := NewOrchestrator(st, rc, Config{EnableMeterDeletes: true}, zap.NewNop())
	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected cycle to succeed, got %v", err)
	}
	if summary.Deleted != 1 {
		t.Errorf("Expected 1 delete with meter deletes enabled, got %d", summary.Deleted)
	}
	if _, ok := st.Meters[staleID]; ok {
		t.Error("Expected stale local meter removed")
	}
}

func TestRunCycle_TenantFetchFailureLogged(t *testing.T) {
	rc, _, _ := snapshot()
	rc.tenantsErr = errors.New("remote unavailable")
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	if _, err := o.RunCycle(context.Background()); err == nil {
		t.Error("Expected cycle to fail when tenants cannot be fetched")
	}
	if len(st.SyncLogs) != 1 || st.SyncLogs[0].Success {
		t.Errorf("Expected one failed audit row, got %+v", st.SyncLogs)
	}
}

func TestRunCycle_OverlapRefused(t *testing.T) {
	rc, _, _ := snapshot()
	st := storetest.New()
	o := NewOrchestrator(st, rc, Config{}, zap.NewNop())

	o.running.Store(true)
	if _, err := o.RunCycle(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", err)
	}
	o.running.Store(false)
}
