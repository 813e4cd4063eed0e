package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

func TestLockManagerAcquire(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, graph.LockActive, lock.Status)
	assert.Equal(t, graph.OpDeduplication, lock.OperationType)
	assert.NotEmpty(t, lock.ID)
	assert.NotEmpty(t, lock.ProcessID)
	assert.Nil(t, lock.CompletedAt)
}

func TestLockManagerAcquireBlockedByActiveLock(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	_, err := lm.Acquire(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, graph.OpDeduplication, "")
	require.Error(t, err)
	var active *storage.ErrActiveLockExists
	require.ErrorAs(t, err, &active)
	assert.Equal(t, 1, active.Count)
}

func TestLockManagerAcquireConcurrent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = lm.Acquire(ctx, graph.OpDeduplication, "")
		}(i)
	}
	wg.Wait()

	// Exactly one winner; everyone else sees the active lock.
	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			var active *storage.ErrActiveLockExists
			assert.ErrorAs(t, err, &active)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestLockManagerComplete(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	require.NoError(t, lm.Complete(ctx, lock.ID, 42))

	got, err := store.GetLock(ctx, lock.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, graph.LockCompleted, got.Status)
	assert.Equal(t, 42, got.ConceptsProcessed)
	require.NotNil(t, got.CompletedAt)

	// The lock table is clear again.
	_, err = lm.Acquire(ctx, graph.OpDeduplication, "")
	assert.NoError(t, err)
}

func TestLockManagerFail(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	require.NoError(t, lm.Fail(ctx, lock.ID, "merge exploded"))

	got, err := store.GetLock(ctx, lock.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, graph.LockFailed, got.Status)
	assert.Equal(t, "merge exploded", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestLockManagerActiveLocks(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	lock, err := lm.Acquire(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)
	_, err = store.CreateLock(ctx, "reindex", "")
	require.NoError(t, err)

	all, err := lm.ActiveLocks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	dedupOnly, err := lm.ActiveLocks(ctx, graph.OpDeduplication)
	require.NoError(t, err)
	require.Len(t, dedupOnly, 1)
	assert.Equal(t, lock.ID, dedupOnly[0].ID)
}

func TestLockManagerReapStale(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	stale, err := store.CreateLock(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	// Advance the manager's clock past the stale cutoff.
	lm.now = func() time.Time { return stale.CreatedAt.Add(StaleLockAge + time.Minute) }

	reaped, err := lm.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := store.GetLock(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, graph.LockFailed, got.Status)
	assert.Equal(t, staleLockMessage, got.ErrorMessage)

	// The reaped lock no longer blocks acquisition.
	_, err = lm.Acquire(ctx, graph.OpDeduplication, "")
	assert.NoError(t, err)
}

func TestLockManagerReapStaleKeepsFreshLocks(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	fresh, err := store.CreateLock(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	// Just under the cutoff.
	lm.now = func() time.Time { return fresh.CreatedAt.Add(StaleLockAge - time.Minute) }

	reaped, err := lm.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	got, err := store.GetLock(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.LockActive, got.Status)
}

func TestLockManagerReapStaleIgnoresTerminalLocks(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	lm := NewLockManager(store)
	ctx := context.Background()

	done, err := store.CreateLock(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)
	require.NoError(t, lm.Complete(ctx, done.ID, 0))

	lm.now = func() time.Time { return done.CreatedAt.Add(2 * StaleLockAge) }

	reaped, err := lm.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	got, err := store.GetLock(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.LockCompleted, got.Status)
}
