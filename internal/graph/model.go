// Package graph provides the knowledge graph data model for Cortex.
//
// It defines the core concept and relationship types that represent ideas
// extracted from ingested documents and the typed edges between them, plus
// the document and deduplication-lock records the engine operates on.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// LockStatus represents the lifecycle state of a deduplication lock.
type LockStatus string

const (
	LockActive    LockStatus = "active"
	LockCompleted LockStatus = "completed"
	LockFailed    LockStatus = "failed"
)

// OpDeduplication is the operation type tag for deduplication runs.
const OpDeduplication = "deduplication"

// DocumentStatus represents the processing state of a document.
type DocumentStatus string

const (
	DocUploading  DocumentStatus = "uploading"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
)

// SourceType identifies where a document's content came from.
type SourceType string

const (
	SourceFile SourceType = "file"
	SourceURL  SourceType = "url"
)

// Concept represents a node in the knowledge graph.
type Concept struct {
	// ID is the unique identifier for the concept.
	ID string

	// Name is the canonical name of the concept.
	Name string

	// Description is a short explanation of the concept.
	Description string

	// Confidence is the extraction confidence, always in [0,1].
	Confidence float64

	// Category is an optional grouping label (e.g. "person", "technology").
	Category string

	// Aliases holds alternative names. After a merge it never contains Name.
	Aliases []string

	// DocumentIDs lists the documents that contributed to this concept.
	DocumentIDs []string

	// CreatedAt is when the concept was first persisted.
	CreatedAt time.Time
}

// Relationship represents a directed, typed edge between two concepts.
type Relationship struct {
	// ID is the unique identifier for the relationship.
	ID string

	// SourceID is the ID of the source concept.
	SourceID string

	// TargetID is the ID of the target concept.
	TargetID string

	// Type is the relationship type (e.g. "causes", "depends on").
	Type string

	// Strength is the relationship strength in [0,1].
	Strength float64

	// Context is free text explaining the relationship.
	Context string

	// DocumentID is the document this relationship was extracted from.
	DocumentID string

	// CreatedAt is when the relationship was first persisted.
	CreatedAt time.Time
}

// DedupLock is a mutual-exclusion record preventing overlapping
// deduplication runs of the same operation type.
type DedupLock struct {
	// ID is the unique identifier for the lock record.
	ID string

	// ProcessID identifies the run that created the lock.
	ProcessID string

	// OperationType tags the guarded operation (e.g. "deduplication").
	OperationType string

	// Status is active until the run completes or fails.
	Status LockStatus

	// CreatedAt is when the lock was acquired.
	CreatedAt time.Time

	// CompletedAt is set when the lock reaches a terminal status.
	CompletedAt *time.Time

	// DocumentID scopes the run to a single document, if non-empty.
	DocumentID string

	// ErrorMessage records why the run failed.
	ErrorMessage string

	// ConceptsProcessed counts the concepts considered by the run.
	ConceptsProcessed int
}

// Document represents an ingested document.
type Document struct {
	// ID is the unique identifier for the document.
	ID string

	// Title is the document title.
	Title string

	// Content is the raw document text.
	Content string

	// SourceType records whether the document came from a file or a URL.
	SourceType SourceType

	// SourceURL is the origin URL for url-sourced documents.
	SourceURL string

	// Status is the processing state of the document.
	Status DocumentStatus

	// UploadedAt is when the document was created.
	UploadedAt time.Time

	// ProcessedAt is set when processing completes or fails.
	ProcessedAt *time.Time

	// ErrorMessage records why processing failed.
	ErrorMessage string
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// ClampScore clamps a confidence or strength value to [0,1].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HasAlias reports whether the concept carries the given alias exactly.
func (c *Concept) HasAlias(alias string) bool {
	for _, a := range c.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// HasDocument reports whether the concept references the given document.
func (c *Concept) HasDocument(docID string) bool {
	for _, id := range c.DocumentIDs {
		if id == docID {
			return true
		}
	}
	return false
}

// Terminal reports whether the lock has reached a terminal status.
func (l *DedupLock) Terminal() bool {
	return l.Status == LockCompleted || l.Status == LockFailed
}
