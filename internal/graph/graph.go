// Package graph provides the in-memory knowledge graph for Cortex.
//
// It provides a lightweight, map-backed graph that stores Concept and
// Relationship instances with O(1) lookups by ID. Secondary indexes on
// category, relationship type, and adjacency lists ensure that queries
// scale linearly with the result set rather than the total graph size.
package graph

import (
	"sync"
)

// ConceptGraph is an in-memory directed graph of concepts and their
// relationships.
//
// Concepts are keyed by their ID string; relationships are keyed likewise.
// Removing a concept cascades to any relationship where the concept appears
// as source or target.
//
// All query methods are backed by secondary indexes so that lookups by
// category, relationship type, or adjacency are O(result) rather than
// O(graph).
type ConceptGraph struct {
	mu            sync.RWMutex
	concepts      map[string]*Concept
	relationships map[string]*Relationship

	// Secondary indexes — kept in sync by add/remove helpers.
	byCategory map[string]map[string]*Concept
	byRelType  map[string]map[string]*Relationship
	outgoing   map[string]map[string]*Relationship
	incoming   map[string]map[string]*Relationship
}

// NewConceptGraph creates a new empty concept graph.
func NewConceptGraph() *ConceptGraph {
	return &ConceptGraph{
		concepts:      make(map[string]*Concept),
		relationships: make(map[string]*Relationship),
		byCategory:    make(map[string]map[string]*Concept),
		byRelType:     make(map[string]map[string]*Relationship),
		outgoing:      make(map[string]map[string]*Relationship),
		incoming:      make(map[string]map[string]*Relationship),
	}
}

// ConceptCount returns the number of concepts without list materialization.
func (g *ConceptGraph) ConceptCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.concepts)
}

// RelationshipCount returns the number of relationships without list materialization.
func (g *ConceptGraph) RelationshipCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relationships)
}

// AddConcept adds a concept to the graph, replacing any existing concept
// with the same ID. If the category changed, the old category index entry
// is removed.
func (g *ConceptGraph) AddConcept(c *Concept) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.concepts[c.ID]; ok && old.Category != c.Category {
		delete(g.byCategory[old.Category], c.ID)
	}

	g.concepts[c.ID] = c

	if g.byCategory[c.Category] == nil {
		g.byCategory[c.Category] = make(map[string]*Concept)
	}
	g.byCategory[c.Category][c.ID] = c
}

// GetConcept returns the concept with the given ID, or nil if it does not exist.
func (g *ConceptGraph) GetConcept(id string) *Concept {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.concepts[id]
}

// RemoveConcept removes a concept and cascade-deletes all relationships
// that reference it. Returns true if the concept existed.
func (g *ConceptGraph) RemoveConcept(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.concepts[id]
	if !ok {
		return false
	}

	delete(g.concepts, id)
	delete(g.byCategory[c.Category], id)

	g.cascadeRelationshipsForConcept(id)
	return true
}

// AddRelationship adds a relationship to the graph, replacing any existing
// relationship with the same ID.
func (g *ConceptGraph) AddRelationship(rel *Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.relationships[rel.ID]; ok {
		delete(g.byRelType[old.Type], rel.ID)
		delete(g.outgoing[old.SourceID], rel.ID)
		delete(g.incoming[old.TargetID], rel.ID)
	}

	g.relationships[rel.ID] = rel

	if g.byRelType[rel.Type] == nil {
		g.byRelType[rel.Type] = make(map[string]*Relationship)
	}
	g.byRelType[rel.Type][rel.ID] = rel

	if g.outgoing[rel.SourceID] == nil {
		g.outgoing[rel.SourceID] = make(map[string]*Relationship)
	}
	g.outgoing[rel.SourceID][rel.ID] = rel

	if g.incoming[rel.TargetID] == nil {
		g.incoming[rel.TargetID] = make(map[string]*Relationship)
	}
	g.incoming[rel.TargetID][rel.ID] = rel
}

// GetRelationship returns the relationship with the given ID, or nil.
func (g *ConceptGraph) GetRelationship(id string) *Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.relationships[id]
}

// RemoveRelationship removes a relationship by ID. Returns true if it existed.
func (g *ConceptGraph) RemoveRelationship(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rel, ok := g.relationships[id]
	if !ok {
		return false
	}

	delete(g.relationships, id)
	delete(g.byRelType[rel.Type], id)
	delete(g.outgoing[rel.SourceID], id)
	delete(g.incoming[rel.TargetID], id)
	return true
}

// Concepts returns all concepts in the graph.
func (g *ConceptGraph) Concepts() []*Concept {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]*Concept, 0, len(g.concepts))
	for _, c := range g.concepts {
		result = append(result, c)
	}
	return result
}

// Relationships returns all relationships in the graph.
func (g *ConceptGraph) Relationships() []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]*Relationship, 0, len(g.relationships))
	for _, rel := range g.relationships {
		result = append(result, rel)
	}
	return result
}

// GetConceptsByCategory returns all concepts with the given category.
func (g *ConceptGraph) GetConceptsByCategory(category string) []*Concept {
	g.mu.RLock()
	defer g.mu.RUnlock()

	concepts, ok := g.byCategory[category]
	if !ok {
		return nil
	}

	result := make([]*Concept, 0, len(concepts))
	for _, c := range concepts {
		result = append(result, c)
	}
	return result
}

// GetRelationshipsByType returns all relationships with the given type.
func (g *ConceptGraph) GetRelationshipsByType(relType string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rels, ok := g.byRelType[relType]
	if !ok {
		return nil
	}

	result := make([]*Relationship, 0, len(rels))
	for _, rel := range rels {
		result = append(result, rel)
	}
	return result
}

// GetOutgoing returns relationships originating from the given concept ID.
func (g *ConceptGraph) GetOutgoing(conceptID string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rels, ok := g.outgoing[conceptID]
	if !ok {
		return nil
	}

	result := make([]*Relationship, 0, len(rels))
	for _, rel := range rels {
		result = append(result, rel)
	}
	return result
}

// GetIncoming returns relationships targeting the given concept ID.
func (g *ConceptGraph) GetIncoming(conceptID string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rels, ok := g.incoming[conceptID]
	if !ok {
		return nil
	}

	result := make([]*Relationship, 0, len(rels))
	for _, rel := range rels {
		result = append(result, rel)
	}
	return result
}

// GetTouching returns every relationship where the concept appears as
// source or target.
func (g *ConceptGraph) GetTouching(conceptID string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var result []*Relationship

	for _, rel := range g.outgoing[conceptID] {
		if !seen[rel.ID] {
			seen[rel.ID] = true
			result = append(result, rel)
		}
	}
	for _, rel := range g.incoming[conceptID] {
		if !seen[rel.ID] {
			seen[rel.ID] = true
			result = append(result, rel)
		}
	}
	return result
}

// Stats returns a summary of graph size.
func (g *ConceptGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]int{
		"concepts":      len(g.concepts),
		"relationships": len(g.relationships),
	}
}

// cascadeRelationshipsForConcept removes all relationships where the concept
// is source or target. Must be called with the write lock held.
func (g *ConceptGraph) cascadeRelationshipsForConcept(conceptID string) {
	outRels, ok := g.outgoing[conceptID]
	if ok {
		for _, rel := range outRels {
			delete(g.relationships, rel.ID)
			delete(g.byRelType[rel.Type], rel.ID)
			delete(g.incoming[rel.TargetID], rel.ID)
		}
		delete(g.outgoing, conceptID)
	}

	inRels, ok := g.incoming[conceptID]
	if ok {
		for _, rel := range inRels {
			delete(g.relationships, rel.ID)
			delete(g.byRelType[rel.Type], rel.ID)
			delete(g.outgoing[rel.SourceID], rel.ID)
		}
		delete(g.incoming, conceptID)
	}
}
