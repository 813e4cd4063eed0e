package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// StaleLockAge is how old an active lock must be before the janitor pass
// fails it out. A run that crashes leaves its lock active until then.
const StaleLockAge = 30 * time.Minute

// staleLockMessage is recorded on locks reaped by the janitor pass.
const staleLockMessage = "Lock timeout - process may have crashed"

// LockManager guards deduplication runs through the store's lock table.
//
// Acquisition is atomic at the store layer: the active-lock scan and the
// insert share one transaction, so two runs starting at the same instant
// cannot both acquire.
type LockManager struct {
	store storage.Store

	// now is swappable for tests.
	now func() time.Time
}

// NewLockManager creates a lock manager over the given store.
func NewLockManager(store storage.Store) *LockManager {
	return &LockManager{
		store: store,
		now:   time.Now,
	}
}

// Acquire attempts to take the lock for the given operation type, scoped to
// documentID if non-empty. A blocked acquisition returns
// *storage.ErrActiveLockExists.
func (lm *LockManager) Acquire(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error) {
	return lm.store.AcquireLock(ctx, operationType, documentID)
}

// Complete transitions the lock to completed with the processed count.
// A failure to update is returned so the caller can log it, but the run
// already succeeded on its own merits.
func (lm *LockManager) Complete(ctx context.Context, lockID string, conceptsProcessed int) error {
	return lm.store.UpdateLock(ctx, lockID, storage.LockUpdate{
		Status:            graph.LockCompleted,
		ConceptsProcessed: conceptsProcessed,
	})
}

// Fail transitions the lock to failed with an error message.
func (lm *LockManager) Fail(ctx context.Context, lockID, errorMessage string) error {
	return lm.store.UpdateLock(ctx, lockID, storage.LockUpdate{
		Status:            graph.LockFailed,
		ErrorMessage:      errorMessage,
		ConceptsProcessed: -1,
	})
}

// ActiveLocks returns the active locks, optionally filtered by operation type.
func (lm *LockManager) ActiveLocks(ctx context.Context, operationType string) ([]*graph.DedupLock, error) {
	return lm.store.ActiveLocks(ctx, operationType)
}

// ReapStale finds active locks older than StaleLockAge and transitions them
// to failed with a timeout message. Returns the number of locks reaped.
func (lm *LockManager) ReapStale(ctx context.Context) (int, error) {
	cutoff := lm.now().Add(-StaleLockAge)

	locks, err := lm.store.ActiveLocks(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing active locks: %w", err)
	}

	reaped := 0
	for _, lock := range locks {
		if !lock.CreatedAt.Before(cutoff) {
			continue
		}
		if err := lm.store.UpdateLock(ctx, lock.ID, storage.LockUpdate{
			Status:            graph.LockFailed,
			ErrorMessage:      staleLockMessage,
			ConceptsProcessed: -1,
		}); err != nil {
			return reaped, fmt.Errorf("failing stale lock %s: %w", lock.ID, err)
		}
		reaped++
	}

	return reaped, nil
}
