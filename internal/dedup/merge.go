package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// confidenceBoost is applied to the averaged confidence of a merged group:
// a concept corroborated by several documents deserves slightly more trust.
const confidenceBoost = 1.1

// MergeOutcome summarizes one group merge.
type MergeOutcome struct {
	// Success is true when the group merged cleanly.
	Success bool

	// Skipped is true when the primary vanished before the merge started.
	Skipped bool

	// MergedConceptID is the surviving primary's ID.
	MergedConceptID string

	// AliasesAdded counts aliases the primary gained.
	AliasesAdded int

	// Err is the failure that aborted the group, if any.
	Err error
}

// Merger executes merge groups against the store.
//
// Every step is a read-modify-write against the store; the merger holds no
// persistent state. The multi-step merge is not wrapped in a cross-step
// transaction: a failure partway leaves earlier steps applied. Failures are
// isolated per group by the orchestrator.
type Merger struct {
	store storage.Store
}

// NewMerger creates a merge executor over the given store.
func NewMerger(store storage.Store) *Merger {
	return &Merger{store: store}
}

// Merge folds a group's duplicates into its primary: merged aliases and
// document sets, boosted confidence, rewired relationships, duplicates
// deleted. The primary's description is kept unchanged.
func (m *Merger) Merge(ctx context.Context, group MergeGroup) MergeOutcome {
	// The primary may have been deleted since clustering. Not a failure.
	primary, err := m.store.GetConcept(ctx, group.Primary.ID)
	if err != nil {
		return MergeOutcome{Err: fmt.Errorf("re-checking primary %q: %w", group.Primary.Name, err)}
	}
	if primary == nil {
		return MergeOutcome{Skipped: true}
	}

	duplicateIDs := make([]string, len(group.Duplicates))
	for i, d := range group.Duplicates {
		duplicateIDs[i] = d.ID
	}

	snapshot, err := m.snapshotRelationships(ctx, primary.ID, duplicateIDs)
	if err != nil {
		return MergeOutcome{Err: fmt.Errorf("snapshotting relationships for %q: %w", primary.Name, err)}
	}

	aliases, docIDs, confidence := mergeAttributes(primary, group.Duplicates)
	aliasesAdded := len(aliases) - len(primary.Aliases)

	if err := m.store.UpdateConcept(ctx, primary.ID, storage.ConceptUpdate{
		Aliases:     aliases,
		DocumentIDs: docIDs,
		Confidence:  &confidence,
	}); err != nil {
		return MergeOutcome{Err: fmt.Errorf("updating primary %q: %w", primary.Name, err)}
	}

	if err := m.mergeRelationships(ctx, primary.ID, duplicateIDs, snapshot); err != nil {
		return MergeOutcome{Err: fmt.Errorf("merging relationships for %q: %w", primary.Name, err)}
	}

	for _, dup := range group.Duplicates {
		if err := m.store.DeleteConcept(ctx, dup.ID); err != nil {
			return MergeOutcome{Err: fmt.Errorf("deleting duplicate %q: %w", dup.Name, err)}
		}
	}

	return MergeOutcome{
		Success:         true,
		MergedConceptID: primary.ID,
		AliasesAdded:    aliasesAdded,
	}
}

// mergeAttributes computes the merged alias set, document set, and boosted
// confidence. The alias set gathers every duplicate's aliases and name but
// never the primary's own name.
func mergeAttributes(primary *graph.Concept, duplicates []*graph.Concept) (aliases, docIDs []string, confidence float64) {
	aliasSet := make(map[string]bool)
	for _, a := range primary.Aliases {
		aliasSet[a] = true
	}
	docSet := make(map[string]bool)
	for _, id := range primary.DocumentIDs {
		docSet[id] = true
	}

	total := primary.Confidence
	for _, d := range duplicates {
		for _, a := range d.Aliases {
			aliasSet[a] = true
		}
		aliasSet[d.Name] = true
		for _, id := range d.DocumentIDs {
			docSet[id] = true
		}
		total += d.Confidence
	}
	delete(aliasSet, primary.Name)

	aliases = setToSlice(aliasSet)
	docIDs = setToSlice(docSet)

	avg := total / float64(1+len(duplicates))
	confidence = graph.ClampScore(avg * confidenceBoost)
	return aliases, docIDs, confidence
}

// relKey builds the canonical key for a semantic edge.
func relKey(sourceID, targetID, relType string) string {
	return sourceID + "-" + targetID + "-" + relType
}

// snapshotRelationships captures every relationship touching the primary or
// a duplicate, keyed by source-target-type. First writer wins on key
// collisions, matching discovery order.
func (m *Merger) snapshotRelationships(ctx context.Context, primaryID string, duplicateIDs []string) (map[string]*graph.Relationship, error) {
	snapshot := make(map[string]*graph.Relationship)

	for _, conceptID := range append([]string{primaryID}, duplicateIDs...) {
		rels, err := m.store.GetRelationshipsByConcept(ctx, conceptID)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			key := relKey(rel.SourceID, rel.TargetID, rel.Type)
			if _, ok := snapshot[key]; !ok {
				snapshot[key] = rel
			}
		}
	}

	return snapshot, nil
}

// mergeRelationships rewires every relationship touching a duplicate onto
// the primary, collapsing self-loops and redundant parallel edges.
//
// Direction is treated as equivalent for duplicate detection: an edge and
// its reverse of the same type count as one semantic edge. When a rewired
// edge collides with a pre-existing one, the stronger relationship's
// strength wins and contexts are concatenated.
func (m *Merger) mergeRelationships(ctx context.Context, primaryID string, duplicateIDs []string, snapshot map[string]*graph.Relationship) error {
	dupSet := make(map[string]bool, len(duplicateIDs))
	for _, id := range duplicateIDs {
		dupSet[id] = true
	}
	substitute := func(conceptID string) string {
		if dupSet[conceptID] {
			return primaryID
		}
		return conceptID
	}

	seen := make(map[string]bool)
	var toDelete []string

	for _, dupID := range duplicateIDs {
		rels, err := m.store.GetRelationshipsByConcept(ctx, dupID)
		if err != nil {
			return fmt.Errorf("loading relationships for duplicate: %w", err)
		}

		for _, rel := range rels {
			newSource := substitute(rel.SourceID)
			newTarget := substitute(rel.TargetID)

			// Rewiring both endpoints onto the primary makes a self-loop.
			if newSource == newTarget {
				toDelete = append(toDelete, rel.ID)
				continue
			}

			key := relKey(newSource, newTarget, rel.Type)
			reverseKey := relKey(newTarget, newSource, rel.Type)

			// A second instance of the same semantic edge in this pass.
			if seen[key] || seen[reverseKey] {
				toDelete = append(toDelete, rel.ID)
				continue
			}

			existing := snapshot[key]
			if existing == nil {
				existing = snapshot[reverseKey]
			}

			if existing != nil && existing.ID != rel.ID {
				// Collision with a pre-existing edge: only one survives.
				if rel.Strength > existing.Strength {
					if err := m.store.UpdateRelationship(ctx, existing.ID, storage.RelationshipUpdate{
						SourceID: &newSource,
						TargetID: &newTarget,
					}); err != nil {
						return fmt.Errorf("repointing existing relationship: %w", err)
					}
					mergedContext := strings.TrimSpace(existing.Context + "; " + rel.Context)
					if err := m.store.UpdateRelationship(ctx, existing.ID, storage.RelationshipUpdate{
						Strength: &rel.Strength,
						Context:  &mergedContext,
					}); err != nil {
						return fmt.Errorf("updating existing relationship strength: %w", err)
					}
				}
				toDelete = append(toDelete, rel.ID)
				continue
			}

			if err := m.store.UpdateRelationship(ctx, rel.ID, storage.RelationshipUpdate{
				SourceID: &newSource,
				TargetID: &newTarget,
			}); err != nil {
				return fmt.Errorf("rewiring relationship: %w", err)
			}
			seen[key] = true
		}
	}

	// Best-effort cleanup: a deletion failure is not fatal to the merge.
	for _, relID := range toDelete {
		_ = m.store.DeleteRelationship(ctx, relID)
	}

	return nil
}

// setToSlice materializes a string set in sorted order for deterministic
// persistence.
func setToSlice(set map[string]bool) []string {
	result := make([]string, 0, len(set))
	for k := range set {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}
