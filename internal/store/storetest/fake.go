// Package storetest provides a deterministic in-memory SyncStore for
// component tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// ErrForced is returned by every method once FailNext is set.
var ErrForced = errors.New("storetest: forced storage failure")

// Fake is an in-memory SyncStore. Zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	Readings        map[uuid.UUID]*db.Reading
	Tenants         map[uuid.UUID]db.Tenant
	Meters          map[uuid.UUID]db.Meter
	Registers       map[string]db.Register
	DeviceRegisters map[string]db.DeviceRegister
	SyncLogs        []db.SyncLogEntry

	// FailNext makes the next store call return ErrForced.
	FailNext bool

	now func() time.Time
}

// New creates an empty fake store.
func New() *Fake {
	return &Fake{
		Readings:        make(map[uuid.UUID]*db.Reading),
		Tenants:         make(map[uuid.UUID]db.Tenant),
		Meters:          make(map[uuid.UUID]db.Meter),
		Registers:       make(map[string]db.Register),
		DeviceRegisters: make(map[string]db.DeviceRegister),
		now:             time.Now,
	}
}

func (f *Fake) fail() bool {
	if f.FailNext {
		f.FailNext = false
		return true
	}
	return false
}

func drKey(deviceID uuid.UUID, registerID string) string {
	return deviceID.String() + "/" + registerID
}

func (f *Fake) InsertReading(_ context.Context, reading *db.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	cp := *reading
	f.Readings[cp.ID] = &cp
	return nil
}

func (f *Fake) GetUnsynchronizedReadings(_ context.Context, limit int) ([]db.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var out []db.Reading
	for _, r := range f.Readings {
		if !r.IsSynchronized {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) MarkReadingsSynchronized(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	for _, id := range ids {
		if r, ok := f.Readings[id]; ok {
			r.IsSynchronized = true
			r.SyncStatus = db.SyncStatusSynced
		}
	}
	return nil
}

func (f *Fake) DeleteSynchronizedReadings(_ context.Context, ids []uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return 0, ErrForced
	}
	deleted := 0
	for _, id := range ids {
		if r, ok := f.Readings[id]; ok && r.IsSynchronized {
			delete(f.Readings, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *Fake) GetSynchronizedReadingIDs(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var candidates []*db.Reading
	for _, r := range f.Readings {
		if r.IsSynchronized && r.Timestamp.Before(before) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, r := range candidates {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (f *Fake) IncrementRetryCount(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	for _, id := range ids {
		if r, ok := f.Readings[id]; ok {
			r.RetryCount++
			r.SyncStatus = db.SyncStatusFailed
		}
	}
	return nil
}

func (f *Fake) GetLatestReading(_ context.Context, meterID uuid.UUID) (*db.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var latest *db.Reading
	for _, r := range f.Readings {
		if r.MeterID != meterID {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *Fake) GetReadingStats(_ context.Context, hours int) (*db.ReadingStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	cutoff := f.now().Add(-time.Duration(hours) * time.Hour)
	stats := &db.ReadingStats{}
	meters := make(map[uuid.UUID]bool)
	for _, r := range f.Readings {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		stats.Count++
		if !r.IsSynchronized {
			stats.Unsynchronized++
		}
		meters[r.MeterID] = true
		ts := r.Timestamp
		if stats.FirstTimestamp == nil || ts.Before(*stats.FirstTimestamp) {
			stats.FirstTimestamp = &ts
		}
		if stats.LastTimestamp == nil || ts.After(*stats.LastTimestamp) {
			stats.LastTimestamp = &ts
		}
	}
	stats.MetersSeen = len(meters)
	return stats, nil
}

func (f *Fake) GetTenants(_ context.Context) ([]db.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	out := make([]db.Tenant, 0, len(f.Tenants))
	for _, t := range f.Tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *Fake) UpsertTenant(_ context.Context, tenant *db.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	f.Tenants[tenant.ID] = *tenant
	return nil
}

func (f *Fake) GetMeters(_ context.Context, tenantID uuid.UUID, activeOnly bool) ([]db.Meter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var out []db.Meter
	for _, m := range f.Meters {
		if m.TenantID != tenantID {
			continue
		}
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *Fake) UpsertMeter(_ context.Context, meter *db.Meter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	f.Meters[meter.ID] = *meter
	return nil
}

func (f *Fake) DeleteMeter(_ context.Context, tenantID, meterID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	if m, ok := f.Meters[meterID]; ok && m.TenantID == tenantID {
		delete(f.Meters, meterID)
	}
	return nil
}

func (f *Fake) GetRegisters(_ context.Context, tenantID uuid.UUID) ([]db.Register, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var out []db.Register
	for _, r := range f.Registers {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) UpsertRegister(_ context.Context, register *db.Register) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	f.Registers[register.ID] = *register
	return nil
}

func (f *Fake) DeleteRegister(_ context.Context, tenantID uuid.UUID, registerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	if r, ok := f.Registers[registerID]; ok && r.TenantID == tenantID {
		delete(f.Registers, registerID)
	}
	return nil
}

func (f *Fake) GetDeviceRegisters(_ context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	var out []db.DeviceRegister
	for _, dr := range f.DeviceRegisters {
		if dr.TenantID == tenantID {
			out = append(out, dr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return drKey(out[i].DeviceID, out[i].RegisterID) < drKey(out[j].DeviceID, out[j].RegisterID)
	})
	return out, nil
}

func (f *Fake) UpsertDeviceRegister(_ context.Context, dr *db.DeviceRegister) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	f.DeviceRegisters[drKey(dr.DeviceID, dr.RegisterID)] = *dr
	return nil
}

func (f *Fake) DeleteDeviceRegister(_ context.Context, tenantID, deviceID uuid.UUID, registerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	key := drKey(deviceID, registerID)
	if dr, ok := f.DeviceRegisters[key]; ok && dr.TenantID == tenantID {
		delete(f.DeviceRegisters, key)
	}
	return nil
}

func (f *Fake) LogSyncOperation(_ context.Context, success bool, batchSize int, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return ErrForced
	}
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	f.SyncLogs = append(f.SyncLogs, db.SyncLogEntry{
		ID:           int64(len(f.SyncLogs) + 1),
		BatchSize:    batchSize,
		Success:      success,
		ErrorMessage: errMsg,
		SyncedAt:     f.now(),
	})
	return nil
}

func (f *Fake) GetSyncStats(_ context.Context, hours int) (*db.SyncStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	cutoff := f.now().Add(-time.Duration(hours) * time.Hour)
	stats := &db.SyncStats{}
	for i := range f.SyncLogs {
		l := f.SyncLogs[i]
		if l.SyncedAt.Before(cutoff) {
			continue
		}
		if l.Success {
			stats.TotalSynced += l.BatchSize
			ts := l.SyncedAt
			if stats.LastSyncTime == nil || ts.After(*stats.LastSyncTime) {
				stats.LastSyncTime = &ts
			}
		} else {
			stats.TotalFailed += l.BatchSize
		}
	}
	if total := stats.TotalSynced + stats.TotalFailed; total > 0 {
		stats.SuccessRate = float64(stats.TotalSynced) / float64(total)
	}
	return stats, nil
}

func (f *Fake) GetRecentSyncLogs(_ context.Context, limit int) ([]db.SyncLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail() {
		return nil, ErrForced
	}
	n := len(f.SyncLogs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]db.SyncLogEntry, 0, n)
	for i := len(f.SyncLogs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.SyncLogs[i])
	}
	return out, nil
}
