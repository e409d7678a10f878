package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
	"github.com/septivank/meter-sync-worker/internal/remote"
	"github.com/septivank/meter-sync-worker/internal/store"
	"go.uber.org/zap"
)

// ErrSyncInProgress is returned when RunCycle is called while a previous
// invocation is still running.
var ErrSyncInProgress = errors.New("configuration sync already in progress")

// Config holds reconciliation settings. Deletes default to off for every
// entity type.
type Config struct {
	EnableMeterDeletes    bool
	EnableRegisterDeletes bool
}

// CycleSummary aggregates one full reconciliation run across all tenants.
type CycleSummary struct {
	Tenants   int
	Results   []Result
	Inserted  int
	Updated   int
	Deleted   int
	Skipped   int
	Timestamp time.Time
}

// Orchestrator drives the per-tenant entity syncers in dependency order:
// tenants, then meters, registers and device-register mappings.
type Orchestrator struct {
	store  store.SyncStore
	remote remote.Client
	cfg    Config
	logger *zap.Logger

	running atomic.Bool
}

// NewOrchestrator creates a reconciliation orchestrator.
func NewOrchestrator(st store.SyncStore, rc remote.Client, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: st, remote: rc, cfg: cfg, logger: logger}
}

// RunCycle reconciles every tenant. Per-tenant failures are recorded and do
// not abort the remaining tenants; the audit row reflects the overall
// outcome. The cancellation signal is checked between entity batches, never
// mid-batch.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	summary := &CycleSummary{Timestamp: time.Now()}

	tenantResult, tenants, err := o.syncTenants(ctx)
	if err != nil {
		o.logger.Error("tenant reconciliation failed", zap.Error(err))
		if logErr := o.store.LogSyncOperation(ctx, false, 0, err.Error()); logErr != nil {
			o.logger.Error("failed to log sync operation", zap.Error(logErr))
		}
		return summary, fmt.Errorf("tenant reconciliation failed: %w", err)
	}
	summary.accumulate(tenantResult)

	var firstErr error
	for _, tenant := range tenants {
		if !tenant.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Tenants++

		results, err := o.syncTenant(ctx, tenant.ID)
		for _, r := range results {
			summary.accumulate(r)
		}
		if err != nil {
			o.logger.Error("tenant reconciliation incomplete",
				zap.String("tenant_id", tenant.ID.String()),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	applied := summary.Inserted + summary.Updated + summary.Deleted
	errMsg := ""
	if firstErr != nil {
		errMsg = firstErr.Error()
	}
	if err := o.store.LogSyncOperation(ctx, firstErr == nil, applied, errMsg); err != nil {
		o.logger.Error("failed to log sync operation", zap.Error(err))
	}

	o.logger.Info("configuration sync cycle completed",
		zap.Int("tenants", summary.Tenants),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("deleted", summary.Deleted),
		zap.Int("skipped", summary.Skipped))

	return summary, firstErr
}

// syncTenants reconciles the tenant list itself, then returns the remote
// snapshot for per-tenant scoping.
func (o *Orchestrator) syncTenants(ctx context.Context) (Result, []db.Tenant, error) {
	remoteTenants, err := o.remote.FetchTenants(ctx)
	if err != nil {
		return Result{Entity: "tenant"}, nil, fmt.Errorf("failed to fetch remote tenants: %w", err)
	}

	s := &EntitySyncer[db.Tenant]{
		Name: "tenant",
		Key:  func(t db.Tenant) string { return t.ID.String() },
		Changed: func(remote, local db.Tenant) bool {
			return remote.Name != local.Name || remote.Active != local.Active
		},
		Validate: func(t db.Tenant) error {
			if t.ID == uuid.Nil {
				return errors.New("tenant without id")
			}
			return nil
		},
		FetchRemote: func(context.Context, uuid.UUID) ([]db.Tenant, error) { return remoteTenants, nil },
		FetchLocal:  func(ctx context.Context, _ uuid.UUID) ([]db.Tenant, error) { return o.store.GetTenants(ctx) },
		Upsert: func(ctx context.Context, t db.Tenant) error {
			return o.store.UpsertTenant(ctx, &t)
		},
		// Tenants are never deleted locally.
		EnableDeletes: false,
		Logger:        o.logger,
	}

	result, err := s.Sync(ctx, uuid.Nil)
	return result, remoteTenants, err
}

// syncTenant reconciles meters, registers and device-register mappings for
// one tenant, in that order so integrity validators can reference the sets
// synced before them.
func (o *Orchestrator) syncTenant(ctx context.Context, tenantID uuid.UUID) ([]Result, error) {
	var results []Result

	meterSyncer := &EntitySyncer[db.Meter]{
		Name: "meter",
		Key:  func(m db.Meter) string { return m.ID.String() },
		Changed: func(remote, local db.Meter) bool {
			return remote.Name != local.Name ||
				remote.DeviceIP != local.DeviceIP ||
				remote.Model != local.Model ||
				remote.Active != local.Active
		},
		Validate: func(m db.Meter) error {
			if m.TenantID == uuid.Nil {
				return errors.New("meter without resolvable tenant_id")
			}
			if m.TenantID != tenantID {
				return fmt.Errorf("meter belongs to tenant %s, expected %s", m.TenantID, tenantID)
			}
			return nil
		},
		FetchRemote: o.remote.FetchMeters,
		FetchLocal: func(ctx context.Context, tenantID uuid.UUID) ([]db.Meter, error) {
			return o.store.GetMeters(ctx, tenantID, false)
		},
		Upsert: func(ctx context.Context, m db.Meter) error { return o.store.UpsertMeter(ctx, &m) },
		Delete: func(ctx context.Context, m db.Meter) error {
			return o.store.DeleteMeter(ctx, tenantID, m.ID)
		},
		EnableDeletes: o.cfg.EnableMeterDeletes,
		Logger:        o.logger,
	}

	meterResult, err := meterSyncer.Sync(ctx, tenantID)
	results = append(results, meterResult)
	if err != nil {
		return results, err
	}

	registerSyncer := &EntitySyncer[db.Register]{
		Name: "register",
		Key:  func(r db.Register) string { return r.ID },
		Changed: func(remote, local db.Register) bool {
			return remote.Name != local.Name ||
				remote.Unit != local.Unit ||
				remote.Scale != local.Scale
		},
		Validate: func(r db.Register) error {
			if r.TenantID == uuid.Nil {
				return errors.New("register without resolvable tenant_id")
			}
			if r.TenantID != tenantID {
				return fmt.Errorf("register belongs to tenant %s, expected %s", r.TenantID, tenantID)
			}
			return nil
		},
		FetchRemote: o.remote.FetchRegisters,
		FetchLocal:  o.store.GetRegisters,
		Upsert:      func(ctx context.Context, r db.Register) error { return o.store.UpsertRegister(ctx, &r) },
		Delete: func(ctx context.Context, r db.Register) error {
			return o.store.DeleteRegister(ctx, tenantID, r.ID)
		},
		EnableDeletes: o.cfg.EnableRegisterDeletes,
		Logger:        o.logger,
	}

	registerResult, err := registerSyncer.Sync(ctx, tenantID)
	results = append(results, registerResult)
	if err != nil {
		return results, err
	}

	// Device-register mappings reference meters and registers synced above.
	knownMeters, err := o.store.GetMeters(ctx, tenantID, false)
	if err != nil {
		return results, fmt.Errorf("failed to load meters for integrity checks: %w", err)
	}
	knownRegisters, err := o.store.GetRegisters(ctx, tenantID)
	if err != nil {
		return results, fmt.Errorf("failed to load registers for integrity checks: %w", err)
	}
	meterIDs := make(map[uuid.UUID]bool, len(knownMeters))
	for _, m := range knownMeters {
		meterIDs[m.ID] = true
	}
	registerIDs := make(map[string]bool, len(knownRegisters))
	for _, r := range knownRegisters {
		registerIDs[r.ID] = true
	}

	deviceRegisterSyncer := &EntitySyncer[db.DeviceRegister]{
		Name: "device_register",
		// Composite key: comparison and upsert always use both columns.
		Key: func(dr db.DeviceRegister) string { return dr.DeviceID.String() + "/" + dr.RegisterID },
		Changed: func(remote, local db.DeviceRegister) bool {
			return remote.Address != local.Address ||
				remote.IntervalS != local.IntervalS
		},
		Validate: func(dr db.DeviceRegister) error {
			if dr.TenantID == uuid.Nil {
				return errors.New("device register without resolvable tenant_id")
			}
			if dr.TenantID != tenantID {
				return fmt.Errorf("device register belongs to tenant %s, expected %s", dr.TenantID, tenantID)
			}
			if !meterIDs[dr.DeviceID] {
				return fmt.Errorf("device %s does not exist", dr.DeviceID)
			}
			if !registerIDs[dr.RegisterID] {
				return fmt.Errorf("register %s does not exist", dr.RegisterID)
			}
			return nil
		},
		FetchRemote: o.remote.FetchDeviceRegisters,
		FetchLocal:  o.store.GetDeviceRegisters,
		Upsert: func(ctx context.Context, dr db.DeviceRegister) error {
			return o.store.UpsertDeviceRegister(ctx, &dr)
		},
		Delete: func(ctx context.Context, dr db.DeviceRegister) error {
			return o.store.DeleteDeviceRegister(ctx, tenantID, dr.DeviceID, dr.RegisterID)
		},
		EnableDeletes: o.cfg.EnableRegisterDeletes,
		Logger:        o.logger,
	}

	drResult, err := deviceRegisterSyncer.Sync(ctx, tenantID)
	results = append(results, drResult)
	return results, err
}

func (s *CycleSummary) accumulate(r Result) {
	s.Results = append(s.Results, r)
	s.Inserted += r.Inserted
	s.Updated += r.Updated
	s.Deleted += r.Deleted
	s.Skipped += r.Skipped
}
