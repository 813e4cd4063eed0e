// Package storage provides the storage backend for Cortex.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// Key prefixes for different record types
const (
	prefixConcept  = "c:"     // concept data
	prefixRel      = "r:"     // relationship data
	prefixLock     = "l:"     // deduplication lock data
	prefixDocument = "d:"     // document data
	prefixIncoming = "i:in:"  // incoming relationship index
	prefixOutgoing = "i:out:" // outgoing relationship index
)

// BadgerStore is a BadgerDB-backed Store implementation.
type BadgerStore struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
	conceptCnt  int
	relCnt      int
}

// NewBadgerStore creates a new BadgerDB store.
func NewBadgerStore() *BadgerStore {
	return &BadgerStore{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerStore) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	b.recountLocked()

	return nil
}

// recountLocked rebuilds the concept and relationship counters from the
// database. Must be called with the write lock held.
func (b *BadgerStore) recountLocked() {
	b.conceptCnt = 0
	b.relCnt = 0

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixConcept)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		b.conceptCnt++
	}
	it.Close()

	opts.Prefix = []byte(prefixRel)
	it = txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		b.relCnt++
	}
	it.Close()
}

// Close releases all resources held by the store.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// CreateConcept persists a concept.
func (b *BadgerStore) CreateConcept(ctx context.Context, c *graph.Concept) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.ID == "" {
		c.ID = graph.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Confidence = graph.ClampScore(c.Confidence)

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := b.setJSON(txn, b.conceptKey(c.ID), c); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	b.conceptCnt++
	return nil
}

// GetConcept returns a single concept by ID, or nil if not found.
func (b *BadgerStore) GetConcept(ctx context.Context, id string) (*graph.Concept, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	var c graph.Concept
	ok, err := b.getJSON(txn, b.conceptKey(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// GetConcepts returns all concepts.
func (b *BadgerStore) GetConcepts(ctx context.Context) ([]*graph.Concept, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var concepts []*graph.Concept

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixConcept)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var c graph.Concept
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			continue
		}
		concepts = append(concepts, &c)
	}

	return concepts, nil
}

// GetConceptsByDocument returns concepts referencing the given document.
func (b *BadgerStore) GetConceptsByDocument(ctx context.Context, documentID string) ([]*graph.Concept, error) {
	all, err := b.GetConcepts(ctx)
	if err != nil {
		return nil, err
	}

	var concepts []*graph.Concept
	for _, c := range all {
		if c.HasDocument(documentID) {
			concepts = append(concepts, c)
		}
	}
	return concepts, nil
}

// UpdateConcept applies a partial update to a concept.
func (b *BadgerStore) UpdateConcept(ctx context.Context, id string, update ConceptUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var c graph.Concept
	ok, err := b.getJSON(txn, b.conceptKey(id), &c)
	if err != nil {
		return err
	}
	if !ok {
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

	if err := b.setJSON(txn, b.conceptKey(id), &c); err != nil {
		return err
	}
	return txn.Commit()
}

// DeleteConcept removes a concept by ID.
func (b *BadgerStore) DeleteConcept(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	err := txn.Delete(b.conceptKey(id))
	if err != nil {
		return fmt.Errorf("deleting concept: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if b.conceptCnt > 0 {
		b.conceptCnt--
	}
	return nil
}

// CreateRelationship persists a relationship.
func (b *BadgerStore) CreateRelationship(ctx context.Context, rel *graph.Relationship) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rel.ID == "" {
		rel.ID = graph.NewID()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	rel.Strength = graph.ClampScore(rel.Strength)

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := b.setJSON(txn, b.relKey(rel.ID), rel); err != nil {
		return err
	}
	if err := b.indexRelationship(txn, rel); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	b.relCnt++
	return nil
}

// indexRelationship creates adjacency list indexes for a relationship.
func (b *BadgerStore) indexRelationship(txn *badger.Txn, rel *graph.Relationship) error {
	outKey := fmt.Sprintf("%s%s:%s", prefixOutgoing, rel.SourceID, rel.ID)
	if err := txn.Set([]byte(outKey), []byte(rel.ID)); err != nil {
		return fmt.Errorf("setting outgoing index: %w", err)
	}

	inKey := fmt.Sprintf("%s%s:%s", prefixIncoming, rel.TargetID, rel.ID)
	if err := txn.Set([]byte(inKey), []byte(rel.ID)); err != nil {
		return fmt.Errorf("setting incoming index: %w", err)
	}

	return nil
}

// unindexRelationship removes adjacency list indexes for a relationship.
func (b *BadgerStore) unindexRelationship(txn *badger.Txn, rel *graph.Relationship) error {
	outKey := fmt.Sprintf("%s%s:%s", prefixOutgoing, rel.SourceID, rel.ID)
	if err := txn.Delete([]byte(outKey)); err != nil {
		return fmt.Errorf("deleting outgoing index: %w", err)
	}

	inKey := fmt.Sprintf("%s%s:%s", prefixIncoming, rel.TargetID, rel.ID)
	if err := txn.Delete([]byte(inKey)); err != nil {
		return fmt.Errorf("deleting incoming index: %w", err)
	}

	return nil
}

// GetRelationship returns a single relationship by ID, or nil if not found.
func (b *BadgerStore) GetRelationship(ctx context.Context, id string) (*graph.Relationship, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	var rel graph.Relationship
	ok, err := b.getJSON(txn, b.relKey(id), &rel)
	if err != nil || !ok {
		return nil, err
	}
	return &rel, nil
}

// GetRelationships returns all relationships.
func (b *BadgerStore) GetRelationships(ctx context.Context) ([]*graph.Relationship, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var rels []*graph.Relationship

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixRel)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var rel graph.Relationship
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		}); err != nil {
			continue
		}
		rels = append(rels, &rel)
	}

	return rels, nil
}

// GetRelationshipsByConcept returns relationships where the concept appears
// as source or target, using the adjacency indexes.
func (b *BadgerStore) GetRelationshipsByConcept(ctx context.Context, conceptID string) ([]*graph.Relationship, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	seen := make(map[string]bool)
	var rels []*graph.Relationship

	for _, prefix := range []string{
		fmt.Sprintf("%s%s:", prefixOutgoing, conceptID),
		fmt.Sprintf("%s%s:", prefixIncoming, conceptID),
	} {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var relID string
			if err := item.Value(func(val []byte) error {
				relID = string(val)
				return nil
			}); err != nil {
				continue
			}
			if seen[relID] {
				continue
			}
			seen[relID] = true

			var rel graph.Relationship
			ok, err := b.getJSON(txn, b.relKey(relID), &rel)
			if err != nil || !ok {
				continue // stale index entry
			}
			rels = append(rels, &rel)
		}
		it.Close()
	}

	return rels, nil
}

// UpdateRelationship applies a partial update to a relationship,
// re-indexing adjacency when an endpoint moves.
func (b *BadgerStore) UpdateRelationship(ctx context.Context, id string, update RelationshipUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var rel graph.Relationship
	ok, err := b.getJSON(txn, b.relKey(id), &rel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("relationship %s not found", id)
	}

	endpointsMoved := (update.SourceID != nil && *update.SourceID != rel.SourceID) ||
		(update.TargetID != nil && *update.TargetID != rel.TargetID)

	if endpointsMoved {
		if err := b.unindexRelationship(txn, &rel); err != nil {
			return err
		}
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

	if err := b.setJSON(txn, b.relKey(id), &rel); err != nil {
		return err
	}
	if endpointsMoved {
		if err := b.indexRelationship(txn, &rel); err != nil {
			return err
		}
	}
	return txn.Commit()
}

// DeleteRelationship removes a relationship by ID.
func (b *BadgerStore) DeleteRelationship(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var rel graph.Relationship
	ok, err := b.getJSON(txn, b.relKey(id), &rel)
	if err != nil {
		return err
	}
	if ok {
		if err := b.unindexRelationship(txn, &rel); err != nil {
			return err
		}
	}

	if err := txn.Delete(b.relKey(id)); err != nil {
		return fmt.Errorf("deleting relationship: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if ok && b.relCnt > 0 {
		b.relCnt--
	}
	return nil
}

// AcquireLock atomically inserts an active lock for the operation type.
// The active-lock scan and the insert share one read-write transaction, so
// two concurrent acquisitions cannot both succeed.
func (b *BadgerStore) AcquireLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	active := 0
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixLock)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var lock graph.DedupLock
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &lock)
		}); err != nil {
			continue
		}
		if lock.Status == graph.LockActive && lock.OperationType == operationType {
			active++
		}
	}
	it.Close()

	if active > 0 {
		return nil, &ErrActiveLockExists{Count: active}
	}

	lock := newLock(operationType, documentID)
	if err := b.setJSON(txn, b.lockKey(lock.ID), lock); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return lock, nil
}

// CreateLock inserts an active lock without the exclusivity check.
func (b *BadgerStore) CreateLock(ctx context.Context, operationType, documentID string) (*graph.DedupLock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock := newLock(operationType, documentID)

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := b.setJSON(txn, b.lockKey(lock.ID), lock); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return lock, nil
}

// GetLock returns a lock by ID, or nil if not found.
func (b *BadgerStore) GetLock(ctx context.Context, id string) (*graph.DedupLock, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	var lock graph.DedupLock
	ok, err := b.getJSON(txn, b.lockKey(id), &lock)
	if err != nil || !ok {
		return nil, err
	}
	return &lock, nil
}

// UpdateLock applies a status transition to a lock.
func (b *BadgerStore) UpdateLock(ctx context.Context, id string, update LockUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var lock graph.DedupLock
	ok, err := b.getJSON(txn, b.lockKey(id), &lock)
	if err != nil {
		return err
	}
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

	if err := b.setJSON(txn, b.lockKey(id), &lock); err != nil {
		return err
	}
	return txn.Commit()
}

// ActiveLocks returns all active locks, optionally filtered by operation type.
func (b *BadgerStore) ActiveLocks(ctx context.Context, operationType string) ([]*graph.DedupLock, error) {
	all, err := b.Locks(ctx)
	if err != nil {
		return nil, err
	}

	var locks []*graph.DedupLock
	for _, lock := range all {
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

// Locks returns all lock records.
func (b *BadgerStore) Locks(ctx context.Context) ([]*graph.DedupLock, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var locks []*graph.DedupLock

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixLock)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var lock graph.DedupLock
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &lock)
		}); err != nil {
			continue
		}
		locks = append(locks, &lock)
	}

	return locks, nil
}

// CreateDocument persists a document.
func (b *BadgerStore) CreateDocument(ctx context.Context, doc *graph.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if doc.ID == "" {
		doc.ID = graph.NewID()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := b.setJSON(txn, b.docKey(doc.ID), doc); err != nil {
		return err
	}
	return txn.Commit()
}

// GetDocument returns a document by ID, or nil if not found.
func (b *BadgerStore) GetDocument(ctx context.Context, id string) (*graph.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	var doc graph.Document
	ok, err := b.getJSON(txn, b.docKey(id), &doc)
	if err != nil || !ok {
		return nil, err
	}
	return &doc, nil
}

// GetDocuments returns all documents.
func (b *BadgerStore) GetDocuments(ctx context.Context) ([]*graph.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var docs []*graph.Document

	txn := b.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixDocument)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var doc graph.Document
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		}); err != nil {
			continue
		}
		docs = append(docs, &doc)
	}

	return docs, nil
}

// UpdateDocumentStatus transitions the document's processing status.
func (b *BadgerStore) UpdateDocumentStatus(ctx context.Context, id string, status graph.DocumentStatus, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var doc graph.Document
	ok, err := b.getJSON(txn, b.docKey(id), &doc)
	if err != nil {
		return err
	}
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

	if err := b.setJSON(txn, b.docKey(id), &doc); err != nil {
		return err
	}
	return txn.Commit()
}

// UpdateDocumentContent replaces the document's title and content.
func (b *BadgerStore) UpdateDocumentContent(ctx context.Context, id, title, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	var doc graph.Document
	ok, err := b.getJSON(txn, b.docKey(id), &doc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}

	doc.Title = title
	doc.Content = content

	if err := b.setJSON(txn, b.docKey(id), &doc); err != nil {
		return err
	}
	return txn.Commit()
}

// ConceptCount returns the concept count.
func (b *BadgerStore) ConceptCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conceptCnt
}

// RelationshipCount returns the relationship count.
func (b *BadgerStore) RelationshipCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.relCnt
}

// newLock builds a fresh active lock record.
func newLock(operationType, documentID string) *graph.DedupLock {
	return &graph.DedupLock{
		ID:            graph.NewID(),
		ProcessID:     fmt.Sprintf("%d-%s", time.Now().UnixMilli(), shortID()),
		OperationType: operationType,
		Status:        graph.LockActive,
		CreatedAt:     time.Now().UTC(),
		DocumentID:    documentID,
	}
}

// shortID returns a short random suffix for process ids.
func shortID() string {
	id := graph.NewID()
	return strings.ReplaceAll(id, "-", "")[:9]
}

// setJSON marshals v and writes it at key within the transaction.
func (b *BadgerStore) setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("setting record: %w", err)
	}
	return nil
}

// getJSON reads the record at key into v. Returns false when the key is absent.
func (b *BadgerStore) getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting record: %w", err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, fmt.Errorf("unmarshaling record: %w", err)
	}
	return true, nil
}

// conceptKey returns the BadgerDB key for a concept.
func (b *BadgerStore) conceptKey(id string) []byte {
	return []byte(prefixConcept + id)
}

// relKey returns the BadgerDB key for a relationship.
func (b *BadgerStore) relKey(id string) []byte {
	return []byte(prefixRel + id)
}

// lockKey returns the BadgerDB key for a lock.
func (b *BadgerStore) lockKey(id string) []byte {
	return []byte(prefixLock + id)
}

// docKey returns the BadgerDB key for a document.
func (b *BadgerStore) docKey(id string) []byte {
	return []byte(prefixDocument + id)
}
