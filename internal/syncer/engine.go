// Package syncer keeps configuration entities consistent between the remote
// system of record and the local cache, per tenant.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyFunc derives the identity of an entity. Composite keys join their parts
// into a single string so device-register mappings compare on the full key,
// never a single column.
type KeyFunc[T any] func(entity T) string

// ChangeDetector reports whether the remote entity differs from the local
// one on any tracked field.
type ChangeDetector[T any] func(remote, local T) bool

// IntegrityValidator checks referential integrity before an entity is
// applied. A non-nil error skips the entity without aborting the batch.
type IntegrityValidator[T any] func(entity T) error

// Result describes one entity-type reconciliation for one tenant.
type Result struct {
	Entity    string
	TenantID  uuid.UUID
	Inserted  int
	Updated   int
	Deleted   int
	Skipped   int
	Err       string
	Timestamp time.Time
}

// EntitySyncer reconciles one entity type for one tenant. Deletes are opt-in:
// a transient or partial remote fetch must never destroy local configuration.
type EntitySyncer[T any] struct {
	Name          string
	Key           KeyFunc[T]
	Changed       ChangeDetector[T]
	Validate      IntegrityValidator[T]
	FetchRemote   func(ctx context.Context, tenantID uuid.UUID) ([]T, error)
	FetchLocal    func(ctx context.Context, tenantID uuid.UUID) ([]T, error)
	Upsert        func(ctx context.Context, entity T) error
	Delete        func(ctx context.Context, entity T) error
	EnableDeletes bool
	Logger        *zap.Logger
}

// Sync fetches both snapshots, computes the diff and applies it. Entities
// failing the integrity validator are skipped and counted, not fatal. An
// error is returned only when a snapshot fetch or an apply call fails.
func (s *EntitySyncer[T]) Sync(ctx context.Context, tenantID uuid.UUID) (Result, error) {
	result := Result{Entity: s.Name, TenantID: tenantID, Timestamp: time.Now()}

	remoteSet, err := s.FetchRemote(ctx, tenantID)
	if err != nil {
		result.Err = err.Error()
		return result, fmt.Errorf("failed to fetch remote %s set: %w", s.Name, err)
	}
	localSet, err := s.FetchLocal(ctx, tenantID)
	if err != nil {
		result.Err = err.Error()
		return result, fmt.Errorf("failed to fetch local %s set: %w", s.Name, err)
	}

	localByKey := make(map[string]T, len(localSet))
	for _, entity := range localSet {
		localByKey[s.Key(entity)] = entity
	}

	// Remote is iterated in key order so reruns apply in the same sequence.
	remoteByKey := make(map[string]T, len(remoteSet))
	remoteKeys := make([]string, 0, len(remoteSet))
	for _, entity := range remoteSet {
		key := s.Key(entity)
		remoteByKey[key] = entity
		remoteKeys = append(remoteKeys, key)
	}
	sort.Strings(remoteKeys)

	for _, key := range remoteKeys {
		entity := remoteByKey[key]

		if s.Validate != nil {
			if err := s.Validate(entity); err != nil {
				result.Skipped++
				s.Logger.Warn("entity failed referential integrity check, skipped",
					zap.String("entity", s.Name),
					zap.String("key", key),
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				continue
			}
		}

		local, exists := localByKey[key]
		switch {
		case !exists:
			if err := s.Upsert(ctx, entity); err != nil {
				result.Err = err.Error()
				return result, fmt.Errorf("failed to insert %s %s: %w", s.Name, key, err)
			}
			result.Inserted++
		case s.Changed(entity, local):
			if err := s.Upsert(ctx, entity); err != nil {
				result.Err = err.Error()
				return result, fmt.Errorf("failed to update %s %s: %w", s.Name, key, err)
			}
			result.Updated++
		}
	}

	if s.EnableDeletes && s.Delete != nil {
		localKeys := make([]string, 0, len(localByKey))
		for key := range localByKey {
			localKeys = append(localKeys, key)
		}
		sort.Strings(localKeys)

		for _, key := range localKeys {
			if _, stillRemote := remoteByKey[key]; stillRemote {
				continue
			}
			if err := s.Delete(ctx, localByKey[key]); err != nil {
				result.Err = err.Error()
				return result, fmt.Errorf("failed to delete %s %s: %w", s.Name, key, err)
			}
			result.Deleted++
		}
	}

	return result, nil
}
