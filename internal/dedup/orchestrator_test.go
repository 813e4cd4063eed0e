package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// flakyStore fails UpdateConcept for one concept to exercise per-group
// failure isolation.
type flakyStore struct {
	storage.Store
	failConceptID string
}

func (f *flakyStore) UpdateConcept(ctx context.Context, id string, update storage.ConceptUpdate) error {
	if id == f.failConceptID {
		return errors.New("injected update failure")
	}
	return f.Store.UpdateConcept(ctx, id, update)
}

// brokenStore fails every concept listing to exercise the critical path.
type brokenStore struct {
	storage.Store
}

func (b *brokenStore) GetConcepts(ctx context.Context) ([]*graph.Concept, error) {
	return nil, errors.New("backend unavailable")
}

func TestDeduplicatorRun(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	seedConcept(t, store, &graph.Concept{
		Name:        "Machine Learning",
		Description: "learning from data",
		Aliases:     []string{"ML"},
		DocumentIDs: []string{"doc1"},
		Category:    "technology",
		Confidence:  0.92,
	})
	seedConcept(t, store, &graph.Concept{
		Name:        "machine learning",
		Description: "learning from data",
		Aliases:     []string{"ML"},
		DocumentIDs: []string{"doc2"},
		Category:    "technology",
		Confidence:  0.90,
	})
	seedConcept(t, store, &graph.Concept{
		Name:        "Photosynthesis",
		Description: "light to chemical energy",
		Category:    "biology",
		Confidence:  0.85,
	})

	summary := d.Run(ctx, Options{})
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MergedCount)
	assert.Equal(t, 1, summary.TotalOperations)
	assert.Equal(t, 1, summary.AliasesAdded)
	assert.Zero(t, summary.FailedMerges)
	assert.Equal(t, 3, summary.ConceptsProcessed)
	assert.Empty(t, summary.Warning)
	assert.Empty(t, summary.Error)
	assert.Greater(t, summary.ProcessingTime, time.Duration(0))

	assert.Equal(t, 2, store.ConceptCount())

	// The run lock ended up completed with the processed count.
	locks, err := store.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, graph.LockCompleted, locks[0].Status)
	assert.Equal(t, 3, locks[0].ConceptsProcessed)
	assert.NotNil(t, locks[0].CompletedAt)
}

func TestDeduplicatorRunNothingToMerge(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	seedConcept(t, store, &graph.Concept{Name: "Kafka", Description: "event streaming", Confidence: 0.9})
	seedConcept(t, store, &graph.Concept{Name: "Sonnet", Description: "fourteen line poem", Confidence: 0.8})

	summary := d.Run(ctx, Options{})
	assert.True(t, summary.Success)
	assert.Zero(t, summary.MergedCount)
	assert.Zero(t, summary.TotalOperations)
	assert.Equal(t, 2, summary.ConceptsProcessed)
	assert.Equal(t, 2, store.ConceptCount())
}

func TestDeduplicatorRunEmptyStore(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	d := NewDeduplicator(store)

	summary := d.Run(context.Background(), Options{})
	assert.True(t, summary.Success)
	assert.Zero(t, summary.MergedCount)
	assert.Zero(t, summary.ConceptsProcessed)
}

func TestDeduplicatorRunConcurrentBlocked(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	// Another process holds an active lock.
	_, err := store.CreateLock(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)

	summary := d.Run(ctx, Options{})
	assert.False(t, summary.Success)
	assert.Equal(t, ErrTypeConcurrent, summary.ErrorType)
	assert.Equal(t, "deduplication already in progress (1 active processes)", summary.Error)
	assert.Zero(t, summary.MergedCount)
}

func TestDeduplicatorRunReapsStaleLockFirst(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	stale, err := store.CreateLock(ctx, graph.OpDeduplication, "")
	require.NoError(t, err)
	// Backdate past the stale cutoff; the janitor pass must clear it.
	stale.CreatedAt = time.Now().UTC().Add(-StaleLockAge - time.Minute)

	summary := d.Run(ctx, Options{})
	assert.True(t, summary.Success)

	got, err := store.GetLock(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.LockFailed, got.Status)
	assert.Equal(t, staleLockMessage, got.ErrorMessage)
}

func TestDeduplicatorRunDocumentScoped(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	seedConcept(t, store, &graph.Concept{
		Name: "Entropy", Description: "measure of disorder",
		DocumentIDs: []string{"docA"}, Confidence: 0.9,
	})
	seedConcept(t, store, &graph.Concept{
		Name: "entropy", Description: "measure of disorder",
		DocumentIDs: []string{"docA"}, Confidence: 0.8,
	})
	outside := seedConcept(t, store, &graph.Concept{
		Name: "ENTROPY", Description: "measure of disorder",
		DocumentIDs: []string{"docB"}, Confidence: 0.7,
	})

	summary := d.Run(ctx, Options{DocumentID: "docA"})
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MergedCount)
	assert.Equal(t, 2, summary.ConceptsProcessed)

	// The concept outside the document scope is untouched.
	kept, err := store.GetConcept(ctx, outside.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestDeduplicatorRunExplicitZeroThreshold(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	// Unrelated concepts that never cross the default threshold.
	seedConcept(t, store, &graph.Concept{Name: "Kafka", Description: "event streaming", Confidence: 0.9})
	seedConcept(t, store, &graph.Concept{Name: "Sonnet", Description: "fourteen line poem", Confidence: 0.8})

	// An explicit zero threshold clusters everything; nil keeps the default.
	zero := 0.0
	summary := d.Run(ctx, Options{Threshold: &zero})
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MergedCount)
	assert.Equal(t, 1, store.ConceptCount())
}

func TestDeduplicatorRunMaxConceptsCap(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	names := []string{"Entropy", "entropy", "ENTROPY", "eNtropy", "enTropy"}
	for i, name := range names {
		seedConcept(t, store, &graph.Concept{
			Name:        name,
			Description: "measure of disorder",
			Confidence:  0.9 - float64(i)*0.05,
		})
	}

	summary := d.Run(ctx, Options{MaxConcepts: 2})
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MergedCount)
	assert.Equal(t, 2, summary.ConceptsProcessed)
	// Three concepts beyond the cap survive plus the merged primary.
	assert.Equal(t, 4, store.ConceptCount())
}

func TestDeduplicatorRunIsolatesGroupFailures(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryStore()
	ctx := context.Background()

	seedConcept(t, mem, &graph.Concept{
		ID: "ml-primary", Name: "Machine Learning",
		Description: "learning from data", Confidence: 0.95,
	})
	seedConcept(t, mem, &graph.Concept{
		Name: "machine learning", Description: "learning from data", Confidence: 0.9,
	})
	seedConcept(t, mem, &graph.Concept{
		Name: "Entropy", Description: "measure of disorder", Confidence: 0.85,
	})
	seedConcept(t, mem, &graph.Concept{
		Name: "entropy", Description: "measure of disorder", Confidence: 0.8,
	})

	store := &flakyStore{Store: mem, failConceptID: "ml-primary"}
	d := NewDeduplicator(store)

	summary := d.Run(ctx, Options{})
	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.TotalOperations)
	assert.Equal(t, 1, summary.MergedCount)
	assert.Equal(t, 1, summary.FailedMerges)
	require.Len(t, summary.FailedMergeErrors, 1)
	assert.Contains(t, summary.FailedMergeErrors[0], "Machine Learning")
	assert.Equal(t, "1 merge operations failed", summary.Warning)

	// The failed group's concepts are still present.
	assert.Equal(t, 3, mem.ConceptCount())
}

func TestDeduplicatorRunCriticalError(t *testing.T) {
	t.Parallel()

	store := &brokenStore{Store: storage.NewMemoryStore()}
	ctx := context.Background()
	d := NewDeduplicator(store)

	summary := d.Run(ctx, Options{})
	assert.False(t, summary.Success)
	assert.Equal(t, ErrTypeCritical, summary.ErrorType)
	assert.Contains(t, summary.Error, "backend unavailable")

	// The lock was released as failed, so a later run can proceed.
	locks, err := store.ActiveLocks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestDeduplicatorSequentialRuns(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	ctx := context.Background()
	d := NewDeduplicator(store)

	seedConcept(t, store, &graph.Concept{Name: "Graph", Description: "nodes and edges", Confidence: 0.9})
	seedConcept(t, store, &graph.Concept{Name: "graph", Description: "nodes and edges", Confidence: 0.8})

	first := d.Run(ctx, Options{})
	assert.True(t, first.Success)
	assert.Equal(t, 1, first.MergedCount)

	// A second run over the merged store finds nothing and completes cleanly.
	second := d.Run(ctx, Options{})
	assert.True(t, second.Success)
	assert.Zero(t, second.MergedCount)

	locks, err := store.Locks(ctx)
	require.NoError(t, err)
	assert.Len(t, locks, 2)
	for _, lock := range locks {
		assert.Equal(t, graph.LockCompleted, lock.Status)
	}
}
