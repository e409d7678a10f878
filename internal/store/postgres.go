package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/meter-sync-worker/internal/db"
)

// PostgresStore implements SyncStore on top of the local buffer database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new Postgres-backed sync store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const readingColumns = `
	id, meter_id, element_id, reading_timestamp,
	voltage, current, power, frequency, power_factor, energy,
	device_ip, sync_status, retry_count, is_synchronized, created_at`

func scanReading(row pgx.Row) (*db.Reading, error) {
	var r db.Reading
	err := row.Scan(
		&r.ID,
		&r.MeterID,
		&r.ElementID,
		&r.Timestamp,
		&r.Voltage,
		&r.Current,
		&r.Power,
		&r.Frequency,
		&r.PowerFactor,
		&r.Energy,
		&r.DeviceIP,
		&r.SyncStatus,
		&r.RetryCount,
		&r.IsSynchronized,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertReading buffers a freshly collected reading.
func (s *PostgresStore) InsertReading(ctx context.Context, reading *db.Reading) error {
	query := `
		INSERT INTO meter_readings (
			id, meter_id, element_id, reading_timestamp,
			voltage, current, power, frequency, power_factor, energy,
			device_ip, sync_status, retry_count, is_synchronized, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, query,
		reading.ID,
		reading.MeterID,
		reading.ElementID,
		reading.Timestamp,
		reading.Voltage,
		reading.Current,
		reading.Power,
		reading.Frequency,
		reading.PowerFactor,
		reading.Energy,
		reading.DeviceIP,
		reading.SyncStatus,
		reading.RetryCount,
		reading.IsSynchronized,
		reading.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}

// GetUnsynchronizedReadings fetches upload candidates, oldest first.
func (s *PostgresStore) GetUnsynchronizedReadings(ctx context.Context, limit int) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE is_synchronized = false
		ORDER BY reading_timestamp ASC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynchronized readings: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

// MarkReadingsSynchronized flags readings after a confirmed remote upload.
func (s *PostgresStore) MarkReadingsSynchronized(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE meter_readings
		SET is_synchronized = true, sync_status = $2
		WHERE id = ANY($1)
	`

	_, err := s.pool.Exec(ctx, query, ids, db.SyncStatusSynced)
	if err != nil {
		return fmt.Errorf("failed to mark readings synchronized: %w", err)
	}

	return nil
}

// DeleteSynchronizedReadings removes already-uploaded readings and returns
// the count deleted. Rows still pending upload are never touched.
func (s *PostgresStore) DeleteSynchronizedReadings(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		DELETE FROM meter_readings
		WHERE id = ANY($1) AND is_synchronized = true
	`

	tag, err := s.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synchronized readings: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// GetSynchronizedReadingIDs lists synchronized readings older than the cutoff,
// for the retention sweep.
func (s *PostgresStore) GetSynchronizedReadingIDs(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM meter_readings
		WHERE is_synchronized = true AND reading_timestamp < $1
		ORDER BY reading_timestamp ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query synchronized reading ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reading id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return ids, nil
}

// IncrementRetryCount bumps the retry counter after a failed upload attempt.
// Ids that no longer exist are skipped silently.
func (s *PostgresStore) IncrementRetryCount(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE meter_readings
		SET retry_count = retry_count + 1, sync_status = $2
		WHERE id = ANY($1)
	`

	_, err := s.pool.Exec(ctx, query, ids, db.SyncStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}

	return nil
}

// GetLatestReading returns the newest reading for a meter, or nil when the
// meter has no readings yet.
func (s *PostgresStore) GetLatestReading(ctx context.Context, meterID uuid.UUID) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY reading_timestamp DESC
		LIMIT 1
	`

	r, err := scanReading(s.pool.QueryRow(ctx, query, meterID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}

	return r, nil
}

// GetReadingStats aggregates the buffer over the last N hours.
func (s *PostgresStore) GetReadingStats(ctx context.Context, hours int) (*db.ReadingStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_synchronized = false),
			COUNT(DISTINCT meter_id),
			MIN(reading_timestamp),
			MAX(reading_timestamp)
		FROM meter_readings
		WHERE reading_timestamp >= NOW() - make_interval(hours => $1)
	`

	var stats db.ReadingStats
	err := s.pool.QueryRow(ctx, query, hours).Scan(
		&stats.Count,
		&stats.Unsynchronized,
		&stats.MetersSeen,
		&stats.FirstTimestamp,
		&stats.LastTimestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reading stats: %w", err)
	}

	return &stats, nil
}

// GetTenants lists locally cached tenants.
func (s *PostgresStore) GetTenants(ctx context.Context) ([]db.Tenant, error) {
	query := `
		SELECT id, name, active, updated_at
		FROM tenants
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []db.Tenant
	for rows.Next() {
		var t db.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return tenants, nil
}

// UpsertTenant inserts or updates a tenant by id.
func (s *PostgresStore) UpsertTenant(ctx context.Context, tenant *db.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, active, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query, tenant.ID, tenant.Name, tenant.Active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", tenant.ID, err)
	}

	return nil
}

// GetMeters lists meters for a tenant, optionally only active ones.
func (s *PostgresStore) GetMeters(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]db.Meter, error) {
	query := `
		SELECT id, tenant_id, name, device_ip, model, active, updated_at
		FROM meters
		WHERE tenant_id = $1 AND (NOT $2 OR active)
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		var m db.Meter
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.DeviceIP, &m.Model, &m.Active, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return meters, nil
}

// UpsertMeter inserts or updates a meter by id within its tenant.
func (s *PostgresStore) UpsertMeter(ctx context.Context, meter *db.Meter) error {
	query := `
		INSERT INTO meters (id, tenant_id, name, device_ip, model, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, device_ip = EXCLUDED.device_ip,
		    model = EXCLUDED.model, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		WHERE meters.tenant_id = EXCLUDED.tenant_id
	`

	_, err := s.pool.Exec(ctx, query,
		meter.ID, meter.TenantID, meter.Name, meter.DeviceIP, meter.Model, meter.Active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert meter %s: %w", meter.ID, err)
	}

	return nil
}

// DeleteMeter removes a meter, scoped to its tenant.
func (s *PostgresStore) DeleteMeter(ctx context.Context, tenantID, meterID uuid.UUID) error {
	query := `DELETE FROM meters WHERE tenant_id = $1 AND id = $2`

	_, err := s.pool.Exec(ctx, query, tenantID, meterID)
	if err != nil {
		return fmt.Errorf("failed to delete meter %s: %w", meterID, err)
	}

	return nil
}

// GetRegisters lists register definitions for a tenant.
func (s *PostgresStore) GetRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.Register, error) {
	query := `
		SELECT id, tenant_id, name, unit, scale, updated_at
		FROM registers
		WHERE tenant_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	var registers []db.Register
	for rows.Next() {
		var r db.Register
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Unit, &r.Scale, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		registers = append(registers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return registers, nil
}

// UpsertRegister inserts or updates a register definition.
func (s *PostgresStore) UpsertRegister(ctx context.Context, register *db.Register) error {
	query := `
		INSERT INTO registers (id, tenant_id, name, unit, scale, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, tenant_id) DO UPDATE
		SET name = EXCLUDED.name, unit = EXCLUDED.unit,
		    scale = EXCLUDED.scale, updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		register.ID, register.TenantID, register.Name, register.Unit, register.Scale, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert register %s: %w", register.ID, err)
	}

	return nil
}

// DeleteRegister removes a register definition, scoped to its tenant.
func (s *PostgresStore) DeleteRegister(ctx context.Context, tenantID uuid.UUID, registerID string) error {
	query := `DELETE FROM registers WHERE tenant_id = $1 AND id = $2`

	_, err := s.pool.Exec(ctx, query, tenantID, registerID)
	if err != nil {
		return fmt.Errorf("failed to delete register %s: %w", registerID, err)
	}

	return nil
}

// GetDeviceRegisters lists device-register mappings for a tenant.
func (s *PostgresStore) GetDeviceRegisters(ctx context.Context, tenantID uuid.UUID) ([]db.DeviceRegister, error) {
	query := `
		SELECT device_id, register_id, tenant_id, address, interval_s, updated_at
		FROM device_registers
		WHERE tenant_id = $1
		ORDER BY device_id, register_id
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device registers: %w", err)
	}
	defer rows.Close()

	var drs []db.DeviceRegister
	for rows.Next() {
		var dr db.DeviceRegister
		if err := rows.Scan(&dr.DeviceID, &dr.RegisterID, &dr.TenantID, &dr.Address, &dr.IntervalS, &dr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device register: %w", err)
		}
		drs = append(drs, dr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return drs, nil
}

// UpsertDeviceRegister inserts or updates a mapping by its composite key.
func (s *PostgresStore) UpsertDeviceRegister(ctx context.Context, dr *db.DeviceRegister) error {
	query := `
		INSERT INTO device_registers (device_id, register_id, tenant_id, address, interval_s, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, register_id) DO UPDATE
		SET address = EXCLUDED.address, interval_s = EXCLUDED.interval_s, updated_at = EXCLUDED.updated_at
		WHERE device_registers.tenant_id = EXCLUDED.tenant_id
	`

	_, err := s.pool.Exec(ctx, query,
		dr.DeviceID, dr.RegisterID, dr.TenantID, dr.Address, dr.IntervalS, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert device register %s/%s: %w", dr.DeviceID, dr.RegisterID, err)
	}

	return nil
}

// DeleteDeviceRegister removes a mapping by its composite key, scoped to its tenant.
func (s *PostgresStore) DeleteDeviceRegister(ctx context.Context, tenantID, deviceID uuid.UUID, registerID string) error {
	query := `DELETE FROM device_registers WHERE tenant_id = $1 AND device_id = $2 AND register_id = $3`

	_, err := s.pool.Exec(ctx, query, tenantID, deviceID, registerID)
	if err != nil {
		return fmt.Errorf("failed to delete device register %s/%s: %w", deviceID, registerID, err)
	}

	return nil
}

// LogSyncOperation appends one audit row for an upload or reconciliation run.
func (s *PostgresStore) LogSyncOperation(ctx context.Context, success bool, batchSize int, errorMessage string) error {
	query := `
		INSERT INTO sync_logs (batch_size, success, error_message, synced_at)
		VALUES ($1, $2, $3, $4)
	`

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	_, err := s.pool.Exec(ctx, query, batchSize, success, errMsg, time.Now())
	if err != nil {
		return fmt.Errorf("failed to log sync operation: %w", err)
	}

	return nil
}

// GetSyncStats aggregates sync log rows over the last N hours.
func (s *PostgresStore) GetSyncStats(ctx context.Context, hours int) (*db.SyncStats, error) {
	query := `
		SELECT
			COALESCE(SUM(batch_size) FILTER (WHERE success), 0),
			COALESCE(SUM(batch_size) FILTER (WHERE NOT success), 0),
			MAX(synced_at) FILTER (WHERE success)
		FROM sync_logs
		WHERE synced_at >= NOW() - make_interval(hours => $1)
	`

	var stats db.SyncStats
	err := s.pool.QueryRow(ctx, query, hours).Scan(
		&stats.TotalSynced,
		&stats.TotalFailed,
		&stats.LastSyncTime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync stats: %w", err)
	}

	total := stats.TotalSynced + stats.TotalFailed
	if total > 0 {
		stats.SuccessRate = float64(stats.TotalSynced) / float64(total)
	}

	return &stats, nil
}

// GetRecentSyncLogs returns the newest audit rows.
func (s *PostgresStore) GetRecentSyncLogs(ctx context.Context, limit int) ([]db.SyncLogEntry, error) {
	query := `
		SELECT id, batch_size, success, error_message, synced_at
		FROM sync_logs
		ORDER BY synced_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []db.SyncLogEntry
	for rows.Next() {
		var l db.SyncLogEntry
		if err := rows.Scan(&l.ID, &l.BatchSize, &l.Success, &l.ErrorMessage, &l.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return logs, nil
}
