package storage

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// Field weights for search scoring. A name hit outranks any number of
// description hits.
const (
	scoreNameExact  = 10.0
	scoreNameToken  = 5.0
	scoreAliasExact = 8.0
	scoreAliasToken = 3.0
	scoreDescToken  = 1.0
)

// SearchResult is one scored concept match.
type SearchResult struct {
	Concept *graph.Concept
	Score   float64
}

var separatorRe = regexp.MustCompile(`[_\.\-\s]+`)

// tokenize splits text into lowercase search tokens on common separators.
func tokenize(text string) []string {
	var tokens []string
	for _, part := range separatorRe.Split(text, -1) {
		if part != "" {
			tokens = append(tokens, strings.ToLower(part))
		}
	}
	return tokens
}

// SearchConcepts scores every concept against the query and returns matches
// sorted by score descending, truncated to limit (0 means no limit).
//
// Matching is token based: the query and each searchable field are lowercased
// and split on separators. Exact name or alias equality scores highest.
func SearchConcepts(ctx context.Context, store Store, query string, limit int) ([]SearchResult, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	queryLower := strings.ToLower(strings.TrimSpace(query))

	concepts, err := store.GetConcepts(ctx)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, c := range concepts {
		score := scoreConcept(c, queryLower, queryTokens)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Concept: c, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Concept.Name < results[j].Concept.Name
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreConcept accumulates the match score of one concept.
func scoreConcept(c *graph.Concept, queryLower string, queryTokens []string) float64 {
	score := 0.0

	if strings.ToLower(c.Name) == queryLower {
		score += scoreNameExact
	}
	nameTokens := toSet(tokenize(c.Name))

	aliasExact := false
	aliasTokens := make(map[string]bool)
	for _, alias := range c.Aliases {
		if strings.ToLower(alias) == queryLower {
			aliasExact = true
		}
		for _, tok := range tokenize(alias) {
			aliasTokens[tok] = true
		}
	}
	if aliasExact {
		score += scoreAliasExact
	}

	descTokens := make(map[string]int)
	for _, tok := range tokenize(c.Description) {
		descTokens[tok]++
	}

	for _, tok := range queryTokens {
		if nameTokens[tok] {
			score += scoreNameToken
		}
		if aliasTokens[tok] {
			score += scoreAliasToken
		}
		score += scoreDescToken * float64(descTokens[tok])
	}

	return score
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}
