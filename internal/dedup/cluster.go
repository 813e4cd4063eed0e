package dedup

import (
	"sort"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// DefaultThreshold is the similarity threshold above which two concepts are
// considered duplicates.
const DefaultThreshold = 0.8

// DefaultMaxConcepts caps how many concepts a single run will consider.
const DefaultMaxConcepts = 1000

// MergeGroup is one primary concept plus the duplicates folded into it in a
// single pass.
type MergeGroup struct {
	// Primary is the concept that survives the merge.
	Primary *graph.Concept

	// Duplicates are the concepts merged into Primary and then deleted.
	Duplicates []*graph.Concept

	// MaxSimilarity is the highest pairwise similarity found in the group.
	MaxSimilarity float64
}

// Cluster partitions the concept set into disjoint duplicate groups.
//
// Concepts are sorted by confidence descending and truncated to maxConcepts;
// anything beyond the cap is silently excluded from this run. Grouping is
// greedy and order-dependent: each concept can only be folded into the first
// (highest-confidence, earliest-index) primary it matches. A duplicate's
// duplicate is not chained into the group unless it also matches the
// primary — one hop only.
func Cluster(concepts []*graph.Concept, threshold float64, maxConcepts int) []MergeGroup {
	if maxConcepts <= 0 {
		maxConcepts = DefaultMaxConcepts
	}

	sorted := make([]*graph.Concept, len(concepts))
	copy(sorted, concepts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > maxConcepts {
		sorted = sorted[:maxConcepts]
	}

	processed := make(map[string]bool, len(sorted))
	var groups []MergeGroup

	for i, primary := range sorted {
		if processed[primary.ID] {
			continue
		}

		var duplicates []*graph.Concept
		maxSim := 0.0

		for j := i + 1; j < len(sorted); j++ {
			candidate := sorted[j]
			if processed[candidate.ID] {
				continue
			}

			sim := Similarity(primary, candidate)
			if sim >= threshold {
				duplicates = append(duplicates, candidate)
				processed[candidate.ID] = true
				if sim > maxSim {
					maxSim = sim
				}
			}
		}

		if len(duplicates) > 0 {
			processed[primary.ID] = true
			groups = append(groups, MergeGroup{
				Primary:       primary,
				Duplicates:    duplicates,
				MaxSimilarity: maxSim,
			})
		}
	}

	return groups
}
