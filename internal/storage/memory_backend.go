// Package storage provides the storage backend for Cortex.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// MemoryStore is an in-memory implementation of Store for testing.
//
// Concepts and relationships are held in a ConceptGraph so that adjacency
// queries behave exactly like the persistent backend.
type MemoryStore struct {
	mu        sync.Mutex
	graph     *graph.ConceptGraph
	locks     map[string]*graph.DedupLock
	documents map[string]*graph.Document
	indexed   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graph:     graph.NewConceptGraph(),
		locks:     make(map[string]*graph.DedupLock),
		documents: make(map[string]*graph.Document),
	}
}

// Initialize implements Store.
func (m *MemoryStore) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = true
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = nil
	m.documents = nil
	return nil
}

// CreateConcept implements Store.
func (m *MemoryStore) CreateConcept(ctx context.Context, c *graph.Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = graph.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Confidence = graph.ClampScore(c.Confidence)
	m.graph.AddConcept(c)
	return nil
}

// GetConcept implements Store.
func (m *MemoryStore) GetConcept(ctx context.Context, id string) (*graph.Concept, error) {
	return m.graph.GetConcept(id), nil
}

// GetConcepts implements Store.
func (m *MemoryStore) GetConcepts(ctx context.Context) ([]*graph.Concept, error) {
	return m.graph.Concepts(), nil
}

// GetConceptsByDocument implements Store.
func (m *MemoryStore) GetConceptsByDocument(ctx context.Context, documentID string) ([]*graph.Concept, error) {
	var concepts []*graph.Concept
	for _, c := range m.graph.Concepts() {
		if c.HasDocument(documentID) {
			concepts = append(concepts, c)
		}
	}
	return concepts, nil
}

// UpdateConcept implements Store.
func (m *MemoryStore) UpdateConcept(ctx context.Context, id string, update ConceptUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.graph.GetConcept(id)
	if c == nil {
		return fmt.Errorf("concept %s not found", id)
	}

	if update.Aliases != nil {
		c.Aliases = update.Aliases
	}
	if update.DocumentIDs != nil {
		c.DocumentIDs = update.DocumentIDs
	}
	if update.Confidence != nil {
		c.Confidence = graph.ClampScore(*update.Confidence)
	}
	if update.Description != nil {
		c.Description = *update.Description
	}
	m.graph.AddConcept(c)
	return nil
}

// DeleteConcept implements Store. Relationship cleanup is left to the
// caller, matching the persistent backend's behavior.
func (m *MemoryStore) DeleteConcept(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.graph.GetConcept(id) == nil {
		return nil
	}
	m.removeConceptKeepRelationships(id)
	return nil
}

// removeConceptKeepRelationships drops the concept record while preserving
// any relationships that still reference it (dangling by design; the merge
// engine tolerates them defensively).
func (m *MemoryStore) removeConceptKeepRelationships(id string) {
	rels := m.graph.GetTouching(id)
	m.graph.RemoveConcept(id)
	for _, rel := range rels {
		m.graph.AddRelationship(rel)
	}
}

// CreateRelationship implements Store.
func (m *MemoryStore) CreateRelationship(ctx context.Context, rel *graph.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.ID == "" {
		rel.ID = graph.NewID()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	rel.Strength = graph.ClampScore(rel.Strength)
	m.graph.AddRelationship(rel)
	return nil
}

// GetRelationship implements Store.
func (m *MemoryStore) GetRelationship(ctx context.Context, id string) (*graph.Relationship, error) {
	return m.graph.GetRelationship(id), nil
}

// GetRelationships implements Store.
func (m *MemoryStore) GetRelationships(ctx context.Context) ([]*graph.Relationship, error) {
	return m.graph.Relationships(), nil
}

// GetRelationshipsByConcept implements Store.
func (m *MemoryStore) GetRelationshipsByConcept(ctx context.Context, conceptID string) ([]*graph.Relationship, error) {
	return m.graph.GetTouching(conceptID), nil
}

// UpdateRelationship implements Store.
func (m *MemoryStore) UpdateRelationship(ctx context.Context, id string, update RelationshipUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel := m.graph.GetRelationship(id)
	if rel == nil {
		return fmt.Errorf("relationship %s not found", id)
	}

	if update.SourceID != nil {
		rel.SourceID = *update.SourceID
	}
	if update.TargetID != nil {
		rel.TargetID = *update.TargetID
	}
	if update.Strength != nil {
		rel.Strength = graph.ClampScore(*update.Strength)
	}
	if update.Context != nil {
		rel.Context = *update.Context
	}
	m.graph.AddRelationship(rel)
	return nil
}

// DeleteRelationship implements Store.
func (m *MemoryStore) DeleteRelationship(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graph.RemoveRelationship(id)
	return nil
}

// AcquireLock implements Store. The active-lock scan and insert happen
// under one mutex hold, so concurrent acquisitions serialize.
func (m *MemoryStore) AcquireLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, lock := range m.locks {
		if lock.Status == graph.LockActive && lock.OperationType == operationType {
			active++
		}
	}
	if active > 0 {
		return nil, &ErrActiveLockExists{Count: active}
	}

	lock := m.newLockLocked(operationType, documentID)
	return lock, nil
}

// CreateLock implements Store.
func (m *MemoryStore) CreateLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newLockLocked(operationType, documentID), nil
}

func (m *MemoryStore) newLockLocked(operationType, documentID string) *graph.DedupLock {
	lock := &graph.DedupLock{
		ID:            graph.NewID(),
		ProcessID:     fmt.Sprintf("%d-%s", time.Now().UnixMilli(), strings.ReplaceAll(graph.NewID(), "-", "")[:9]),
		OperationType: operationType,
		Status:        graph.LockActive,
		CreatedAt:     time.Now().UTC(),
		DocumentID:    documentID,
	}
	m.locks[lock.ID] = lock
	return lock
}

// GetLock implements Store.
func (m *MemoryStore) GetLock(ctx context.Context, id string) (*graph.DedupLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[id], nil
}

// UpdateLock implements Store.
func (m *MemoryStore) UpdateLock(ctx context.Context, id string, update LockUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		return fmt.Errorf("lock %s not found", id)
	}

	lock.Status = update.Status
	if update.ErrorMessage != "" {
		lock.ErrorMessage = update.ErrorMessage
	}
	if update.ConceptsProcessed >= 0 {
		lock.ConceptsProcessed = update.ConceptsProcessed
	}
	if lock.Terminal() && lock.CompletedAt == nil {
		now := time.Now().UTC()
		lock.CompletedAt = &now
	}
	return nil
}

// ActiveLocks implements Store.
func (m *MemoryStore) ActiveLocks(ctx context.Context, operationType string) ([]*graph.DedupLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var locks []*graph.DedupLock
	for _, lock := range m.locks {
		if lock.Status != graph.LockActive {
			continue
		}
		if operationType != "" && lock.OperationType != operationType {
			continue
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// Locks implements Store.
func (m *MemoryStore) Locks(ctx context.Context) ([]*graph.DedupLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := make([]*graph.DedupLock, 0, len(m.locks))
	for _, lock := range m.locks {
		locks = append(locks, lock)
	}
	return locks, nil
}

// CreateDocument implements Store.
func (m *MemoryStore) CreateDocument(ctx context.Context, doc *graph.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.ID == "" {
		doc.ID = graph.NewID()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	m.documents[doc.ID] = doc
	return nil
}

// GetDocument implements Store.
func (m *MemoryStore) GetDocument(ctx context.Context, id string) (*graph.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[id], nil
}

// GetDocuments implements Store.
func (m *MemoryStore) GetDocuments(ctx context.Context) ([]*graph.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]*graph.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	return docs, nil
}

// UpdateDocumentStatus implements Store.
func (m *MemoryStore) UpdateDocumentStatus(ctx context.Context, id string, status graph.DocumentStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Status = status
	if errorMessage != "" {
		doc.ErrorMessage = errorMessage
	}
	if status == graph.DocCompleted || status == graph.DocFailed {
		now := time.Now().UTC()
		doc.ProcessedAt = &now
	}
	return nil
}

// UpdateDocumentContent implements Store.
func (m *MemoryStore) UpdateDocumentContent(ctx context.Context, id, title, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Title = title
	doc.Content = content
	return nil
}

// ConceptCount implements Store.
func (m *MemoryStore) ConceptCount() int {
	return m.graph.ConceptCount()
}

// RelationshipCount implements Store.
func (m *MemoryStore) RelationshipCount() int {
	return m.graph.RelationshipCount()
}

// IsIndexed returns true if the store has been initialized.
func (m *MemoryStore) IsIndexed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexed
}
