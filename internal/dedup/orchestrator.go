package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// Error types surfaced in Summary.ErrorType.
const (
	// ErrTypeConcurrent means another deduplication run holds the lock.
	ErrTypeConcurrent = "CONCURRENT_OPERATION"

	// ErrTypeCritical means an unexpected failure aborted the run.
	ErrTypeCritical = "CRITICAL_ERROR"
)

// Options configures a deduplication run.
type Options struct {
	// DocumentID scopes the run to concepts referencing one document.
	// Empty means all concepts.
	DocumentID string

	// Threshold is the similarity threshold in [0,1]. Nil means
	// DefaultThreshold; an explicit zero is honored.
	Threshold *float64

	// MaxConcepts caps how many concepts the run considers. Zero means
	// DefaultMaxConcepts.
	MaxConcepts int
}

// Summary is the structured result of a deduplication run. The orchestrator
// always returns a Summary rather than an error: recognized failure modes
// are reported through Error/ErrorType.
type Summary struct {
	// Success is true when the run completed, even with per-group failures.
	Success bool

	// MergedCount is the number of duplicate concepts folded away.
	MergedCount int

	// AliasesAdded is the number of aliases gained by primaries.
	AliasesAdded int

	// TotalOperations is the number of merge groups attempted.
	TotalOperations int

	// FailedMerges counts groups that failed and were skipped over.
	FailedMerges int

	// FailedMergeErrors holds one message per failed group.
	FailedMergeErrors []string

	// ProcessingTime is the wall-clock duration of the run.
	ProcessingTime time.Duration

	// ConceptsProcessed is how many concepts the run considered.
	ConceptsProcessed int

	// Warning is set when some groups failed but the run completed.
	Warning string

	// Error is the failure message for unsuccessful runs.
	Error string

	// ErrorType classifies the failure (ErrTypeConcurrent, ErrTypeCritical).
	ErrorType string
}

// Deduplicator ties the scorer, clustering engine, merge executor, and lock
// manager into one externally invokable operation.
type Deduplicator struct {
	store  storage.Store
	locks  *LockManager
	merger *Merger
}

// NewDeduplicator creates a deduplicator over the given store.
func NewDeduplicator(store storage.Store) *Deduplicator {
	return &Deduplicator{
		store:  store,
		locks:  NewLockManager(store),
		merger: NewMerger(store),
	}
}

// LockManager exposes the run's lock manager, mainly for inspection surfaces.
func (d *Deduplicator) LockManager() *LockManager {
	return d.locks
}

// Run executes one full deduplication pass: reap stale locks, acquire the
// run lock, load and cluster candidates, merge every group sequentially,
// and release the lock with a result summary.
//
// Groups are processed in clustering order (confidence-descending primaries)
// with independent failure isolation: one group's failure never aborts the
// others.
func (d *Deduplicator) Run(ctx context.Context, opts Options) Summary {
	start := time.Now()

	threshold := DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	maxConcepts := opts.MaxConcepts
	if maxConcepts <= 0 {
		maxConcepts = DefaultMaxConcepts
	}

	// Janitor pass first: a crashed run must not block forever.
	if _, err := d.locks.ReapStale(ctx); err != nil {
		return criticalSummary(start, fmt.Errorf("reaping stale locks: %w", err))
	}

	lock, err := d.locks.Acquire(ctx, graph.OpDeduplication, opts.DocumentID)
	if err != nil {
		var active *storage.ErrActiveLockExists
		if errors.As(err, &active) {
			return Summary{
				Success: false,
				Error: fmt.Sprintf(
					"deduplication already in progress (%d active processes)", active.Count),
				ErrorType:      ErrTypeConcurrent,
				ProcessingTime: time.Since(start),
			}
		}
		return criticalSummary(start, fmt.Errorf("acquiring lock: %w", err))
	}

	summary, runErr := d.run(ctx, lock, opts.DocumentID, threshold, maxConcepts)
	if runErr != nil {
		// Best effort: the run already failed on its own merits.
		_ = d.locks.Fail(ctx, lock.ID, runErr.Error())
		return criticalSummary(start, runErr)
	}

	// Best effort: the run already succeeded on its own merits.
	_ = d.locks.Complete(ctx, lock.ID, summary.ConceptsProcessed)

	summary.ProcessingTime = time.Since(start)
	return summary
}

// run performs the load/cluster/merge phases under an acquired lock.
func (d *Deduplicator) run(ctx context.Context, lock *graph.DedupLock, documentID string, threshold float64, maxConcepts int) (Summary, error) {
	var concepts []*graph.Concept
	var err error
	if documentID != "" {
		concepts, err = d.store.GetConceptsByDocument(ctx, documentID)
	} else {
		concepts, err = d.store.GetConcepts(ctx)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("loading concepts: %w", err)
	}

	groups := Cluster(concepts, threshold, maxConcepts)

	considered := len(concepts)
	if considered > maxConcepts {
		considered = maxConcepts
	}

	if err := d.store.UpdateLock(ctx, lock.ID, storage.LockUpdate{
		Status:            graph.LockActive,
		ConceptsProcessed: considered,
	}); err != nil {
		return Summary{}, fmt.Errorf("recording processed count: %w", err)
	}

	summary := Summary{
		Success:           true,
		TotalOperations:   len(groups),
		ConceptsProcessed: considered,
	}

	for _, group := range groups {
		outcome := d.merger.Merge(ctx, group)
		switch {
		case outcome.Skipped:
			continue
		case outcome.Err != nil:
			summary.FailedMerges++
			summary.FailedMergeErrors = append(summary.FailedMergeErrors,
				fmt.Sprintf("failed to merge %q: %v", group.Primary.Name, outcome.Err))
		default:
			summary.MergedCount += len(group.Duplicates)
			summary.AliasesAdded += outcome.AliasesAdded
		}
	}

	if summary.FailedMerges > 0 {
		summary.Warning = fmt.Sprintf("%d merge operations failed", summary.FailedMerges)
	}

	return summary, nil
}

// criticalSummary converts an escaped error into the CRITICAL_ERROR summary.
func criticalSummary(start time.Time, err error) Summary {
	return Summary{
		Success:        false,
		Error:          err.Error(),
		ErrorType:      ErrTypeCritical,
		ProcessingTime: time.Since(start),
	}
}
