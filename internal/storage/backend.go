// Package storage provides the storage backend interface for Cortex.
//
// It defines the Store protocol that all storage implementations must
// satisfy: CRUD over concepts, relationships, documents, and the
// deduplication lock table.
package storage

import (
	"context"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// ConceptUpdate carries the mutable concept fields for a partial update.
// Nil fields are left unchanged.
type ConceptUpdate struct {
	// Aliases replaces the alias set.
	Aliases []string

	// DocumentIDs replaces the document id set.
	DocumentIDs []string

	// Confidence replaces the confidence score.
	Confidence *float64

	// Description replaces the description.
	Description *string
}

// RelationshipUpdate carries the mutable relationship fields for a partial
// update. Nil fields are left unchanged.
type RelationshipUpdate struct {
	// SourceID repoints the source endpoint.
	SourceID *string

	// TargetID repoints the target endpoint.
	TargetID *string

	// Strength replaces the strength.
	Strength *float64

	// Context replaces the context text.
	Context *string
}

// LockUpdate carries the mutable lock fields for a status transition.
type LockUpdate struct {
	// Status is the new lock status.
	Status graph.LockStatus

	// ErrorMessage records why the run failed, if it did.
	ErrorMessage string

	// ConceptsProcessed counts the concepts considered by the run.
	// Negative means "leave unchanged".
	ConceptsProcessed int
}

// ErrActiveLockExists is returned by AcquireLock when another active lock
// of the same operation type already holds the table.
type ErrActiveLockExists struct {
	// Count is how many active locks blocked the acquisition.
	Count int
}

func (e *ErrActiveLockExists) Error() string {
	return "active lock already exists for this operation type"
}

// Store defines the interface for storage implementations.
//
// Implementations must be thread-safe and support concurrent access.
// Get-by-id methods return (nil, nil) when the record does not exist.
type Store interface {
	// Lifecycle methods

	// Initialize opens or creates the store at the given path.
	// If readOnly is true, the store is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the store.
	Close() error

	// Concept operations

	// CreateConcept persists a concept.
	CreateConcept(ctx context.Context, c *graph.Concept) error

	// GetConcept returns a single concept by ID, or nil if not found.
	GetConcept(ctx context.Context, id string) (*graph.Concept, error)

	// GetConcepts returns all concepts.
	GetConcepts(ctx context.Context) ([]*graph.Concept, error)

	// GetConceptsByDocument returns concepts referencing the given document.
	GetConceptsByDocument(ctx context.Context, documentID string) ([]*graph.Concept, error)

	// UpdateConcept applies a partial update to a concept.
	UpdateConcept(ctx context.Context, id string, update ConceptUpdate) error

	// DeleteConcept removes a concept by ID.
	DeleteConcept(ctx context.Context, id string) error

	// Relationship operations

	// CreateRelationship persists a relationship.
	CreateRelationship(ctx context.Context, rel *graph.Relationship) error

	// GetRelationship returns a single relationship by ID, or nil if not found.
	GetRelationship(ctx context.Context, id string) (*graph.Relationship, error)

	// GetRelationships returns all relationships.
	GetRelationships(ctx context.Context) ([]*graph.Relationship, error)

	// GetRelationshipsByConcept returns relationships where the concept
	// appears as source or target.
	GetRelationshipsByConcept(ctx context.Context, conceptID string) ([]*graph.Relationship, error)

	// UpdateRelationship applies a partial update to a relationship.
	UpdateRelationship(ctx context.Context, id string, update RelationshipUpdate) error

	// DeleteRelationship removes a relationship by ID.
	DeleteRelationship(ctx context.Context, id string) error

	// Lock operations

	// AcquireLock atomically inserts an active lock for the operation type.
	// If any active lock of the same type exists, no lock is created and
	// *ErrActiveLockExists is returned. The scan and insert happen inside a
	// single transaction.
	AcquireLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error)

	// CreateLock inserts an active lock without the exclusivity check.
	CreateLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error)

	// GetLock returns a lock by ID, or nil if not found.
	GetLock(ctx context.Context, id string) (*graph.DedupLock, error)

	// UpdateLock applies a status transition. CompletedAt is stamped
	// automatically when the status becomes terminal.
	UpdateLock(ctx context.Context, id string, update LockUpdate) error

	// ActiveLocks returns all active locks, optionally filtered by
	// operation type (empty string matches all).
	ActiveLocks(ctx context.Context, operationType string) ([]*graph.DedupLock, error)

	// Locks returns all lock records.
	Locks(ctx context.Context) ([]*graph.DedupLock, error)

	// Document operations

	// CreateDocument persists a document.
	CreateDocument(ctx context.Context, doc *graph.Document) error

	// GetDocument returns a document by ID, or nil if not found.
	GetDocument(ctx context.Context, id string) (*graph.Document, error)

	// GetDocuments returns all documents.
	GetDocuments(ctx context.Context) ([]*graph.Document, error)

	// UpdateDocumentStatus transitions the document's processing status.
	// ProcessedAt is stamped automatically on completed/failed.
	UpdateDocumentStatus(ctx context.Context, id string, status graph.DocumentStatus, errorMessage string) error

	// UpdateDocumentContent replaces the document's title and content.
	UpdateDocumentContent(ctx context.Context, id, title, content string) error

	// Counts

	// ConceptCount returns the number of stored concepts.
	ConceptCount() int

	// RelationshipCount returns the number of stored relationships.
	RelationshipCount() int
}
