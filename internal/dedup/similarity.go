// Package dedup provides the deduplication and merge engine for Cortex.
//
// Documents are processed independently, so semantically identical concepts
// ("ML" vs "Machine Learning") end up as separate nodes. This package scores
// concept similarity, clusters likely duplicates, merges each cluster into
// its highest-confidence member, and serializes runs through a lock table.
package dedup

import (
	"strings"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// Similarity weights. Name dominates, description and alias overlap refine,
// a matching category adds a flat bonus. The blend is capped at 1.
const (
	weightName        = 0.5
	weightDescription = 0.3
	weightAliases     = 0.2
	categoryBonus     = 0.1
)

// Similarity computes a [0,1] similarity score between two concepts.
//
// The score is a weighted blend of lexical name similarity, description
// similarity, and Jaccard overlap of the name+alias sets, plus a bonus when
// both concepts share a non-empty category. Deterministic and symmetric.
func Similarity(a, b *graph.Concept) float64 {
	nameSim := StringSimilarity(a.Name, b.Name)
	descSim := StringSimilarity(a.Description, b.Description)
	aliasOverlap := jaccard(nameAliasSet(a), nameAliasSet(b))

	score := nameSim*weightName + descSim*weightDescription + aliasOverlap*weightAliases
	if a.Category != "" && a.Category == b.Category {
		score += categoryBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

// StringSimilarity computes a normalized lexical similarity between two
// strings: 1.0 for identical strings, otherwise the case-folded Levenshtein
// distance normalized against the longer string's length.
func StringSimilarity(x, y string) float64 {
	if x == y {
		return 1.0
	}

	longer, shorter := x, y
	if len([]rune(y)) > len([]rune(x)) {
		longer, shorter = y, x
	}
	longerLen := len([]rune(longer))
	if longerLen == 0 {
		return 1.0
	}

	distance := levenshtein(strings.ToLower(longer), strings.ToLower(shorter))
	return float64(longerLen-distance) / float64(longerLen)
}

// levenshtein computes the classic single-character edit distance with
// cost-1 insertion, deletion, and substitution, using two rolling rows.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)

	for i := 0; i <= len(ra); i++ {
		prev[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[i] = min3(
				curr[i-1]+1,      // deletion
				prev[i]+1,        // insertion
				prev[i-1]+cost,   // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(ra)]
}

// nameAliasSet returns the concept's name plus aliases as a set,
// case preserved as stored.
func nameAliasSet(c *graph.Concept) map[string]bool {
	set := make(map[string]bool, len(c.Aliases)+1)
	set[c.Name] = true
	for _, a := range c.Aliases {
		set[a] = true
	}
	return set
}

// jaccard computes |intersection| / |union| of two sets, 0 if the union is empty.
func jaccard(a, b map[string]bool) float64 {
	union := len(a)
	intersection := 0
	for k := range b {
		if a[k] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
