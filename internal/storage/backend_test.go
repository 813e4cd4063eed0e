package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/cortex-go/internal/graph"
)

// newStore builds each Store implementation for the conformance suite.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"Memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			require.NoError(t, s.Initialize("", false))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"Badger": func(t *testing.T) Store {
			s := NewBadgerStore()
			require.NoError(t, s.Initialize(t.TempDir(), false))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStoreConceptCRUD(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			c := &graph.Concept{
				Name:        "Machine Learning",
				Description: "learning from data",
				Category:    "technology",
				Confidence:  0.9,
				Aliases:     []string{"ML"},
				DocumentIDs: []string{"doc1"},
			}
			require.NoError(t, store.CreateConcept(ctx, c))
			assert.NotEmpty(t, c.ID)
			assert.False(t, c.CreatedAt.IsZero())

			got, err := store.GetConcept(ctx, c.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Machine Learning", got.Name)
			assert.Equal(t, []string{"ML"}, got.Aliases)

			missing, err := store.GetConcept(ctx, "no-such-id")
			require.NoError(t, err)
			assert.Nil(t, missing)

			newConf := 0.95
			newDesc := "updated description"
			require.NoError(t, store.UpdateConcept(ctx, c.ID, ConceptUpdate{
				Aliases:     []string{"ML", "Stat Learning"},
				Confidence:  &newConf,
				Description: &newDesc,
			}))

			got, err = store.GetConcept(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"ML", "Stat Learning"}, got.Aliases)
			assert.Equal(t, 0.95, got.Confidence)
			assert.Equal(t, "updated description", got.Description)
			// Untouched fields survive a partial update.
			assert.Equal(t, []string{"doc1"}, got.DocumentIDs)

			require.NoError(t, store.DeleteConcept(ctx, c.ID))
			got, err = store.GetConcept(ctx, c.ID)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStoreConceptConfidenceClamped(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			c := &graph.Concept{Name: "Overconfident", Confidence: 1.7}
			require.NoError(t, store.CreateConcept(ctx, c))

			got, err := store.GetConcept(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, 1.0, got.Confidence)

			negative := -0.2
			require.NoError(t, store.UpdateConcept(ctx, c.ID, ConceptUpdate{Confidence: &negative}))
			got, err = store.GetConcept(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, 0.0, got.Confidence)
		})
	}
}

func TestStoreGetConceptsByDocument(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.CreateConcept(ctx, &graph.Concept{Name: "A", DocumentIDs: []string{"docA"}}))
			require.NoError(t, store.CreateConcept(ctx, &graph.Concept{Name: "B", DocumentIDs: []string{"docA", "docB"}}))
			require.NoError(t, store.CreateConcept(ctx, &graph.Concept{Name: "C", DocumentIDs: []string{"docB"}}))

			inA, err := store.GetConceptsByDocument(ctx, "docA")
			require.NoError(t, err)
			assert.Len(t, inA, 2)

			none, err := store.GetConceptsByDocument(ctx, "docZ")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreRelationshipCRUD(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			src := &graph.Concept{Name: "Machine Learning"}
			tgt := &graph.Concept{Name: "Statistics"}
			require.NoError(t, store.CreateConcept(ctx, src))
			require.NoError(t, store.CreateConcept(ctx, tgt))

			rel := &graph.Relationship{
				SourceID: src.ID,
				TargetID: tgt.ID,
				Type:     "builds-on",
				Strength: 0.8,
				Context:  "ml builds on statistics",
			}
			require.NoError(t, store.CreateRelationship(ctx, rel))
			assert.NotEmpty(t, rel.ID)

			got, err := store.GetRelationship(ctx, rel.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "builds-on", got.Type)
			assert.Equal(t, 0.8, got.Strength)

			newStrength := 0.95
			newContext := "revised context"
			require.NoError(t, store.UpdateRelationship(ctx, rel.ID, RelationshipUpdate{
				Strength: &newStrength,
				Context:  &newContext,
			}))
			got, err = store.GetRelationship(ctx, rel.ID)
			require.NoError(t, err)
			assert.Equal(t, 0.95, got.Strength)
			assert.Equal(t, "revised context", got.Context)

			require.NoError(t, store.DeleteRelationship(ctx, rel.ID))
			got, err = store.GetRelationship(ctx, rel.ID)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStoreGetRelationshipsByConcept(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			a := &graph.Concept{Name: "A"}
			b := &graph.Concept{Name: "B"}
			c := &graph.Concept{Name: "C"}
			for _, concept := range []*graph.Concept{a, b, c} {
				require.NoError(t, store.CreateConcept(ctx, concept))
			}

			outgoing := &graph.Relationship{SourceID: a.ID, TargetID: b.ID, Type: "uses", Strength: 0.5}
			incoming := &graph.Relationship{SourceID: c.ID, TargetID: a.ID, Type: "uses", Strength: 0.5}
			unrelated := &graph.Relationship{SourceID: b.ID, TargetID: c.ID, Type: "uses", Strength: 0.5}
			for _, rel := range []*graph.Relationship{outgoing, incoming, unrelated} {
				require.NoError(t, store.CreateRelationship(ctx, rel))
			}

			touching, err := store.GetRelationshipsByConcept(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, touching, 2)
			ids := []string{touching[0].ID, touching[1].ID}
			assert.ElementsMatch(t, []string{outgoing.ID, incoming.ID}, ids)
		})
	}
}

func TestStoreRelationshipReindexOnEndpointMove(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			a := &graph.Concept{Name: "A"}
			b := &graph.Concept{Name: "B"}
			c := &graph.Concept{Name: "C"}
			for _, concept := range []*graph.Concept{a, b, c} {
				require.NoError(t, store.CreateConcept(ctx, concept))
			}

			rel := &graph.Relationship{SourceID: a.ID, TargetID: b.ID, Type: "uses", Strength: 0.5}
			require.NoError(t, store.CreateRelationship(ctx, rel))

			// Repoint the source from a to c; adjacency must follow.
			require.NoError(t, store.UpdateRelationship(ctx, rel.ID, RelationshipUpdate{SourceID: &c.ID}))

			fromA, err := store.GetRelationshipsByConcept(ctx, a.ID)
			require.NoError(t, err)
			assert.Empty(t, fromA)

			fromC, err := store.GetRelationshipsByConcept(ctx, c.ID)
			require.NoError(t, err)
			require.Len(t, fromC, 1)
			assert.Equal(t, rel.ID, fromC[0].ID)
		})
	}
}

func TestStoreAcquireLock(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			lock, err := store.AcquireLock(ctx, graph.OpDeduplication, "")
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, graph.LockActive, lock.Status)

			// A second acquisition of the same type is refused.
			_, err = store.AcquireLock(ctx, graph.OpDeduplication, "")
			var active *ErrActiveLockExists
			require.ErrorAs(t, err, &active)
			assert.Equal(t, 1, active.Count)

			// A different operation type is unaffected.
			other, err := store.AcquireLock(ctx, "reindex", "")
			require.NoError(t, err)
			assert.NotNil(t, other)

			// Completing the lock frees the type again.
			require.NoError(t, store.UpdateLock(ctx, lock.ID, LockUpdate{
				Status:            graph.LockCompleted,
				ConceptsProcessed: 5,
			}))
			reacquired, err := store.AcquireLock(ctx, graph.OpDeduplication, "")
			require.NoError(t, err)
			assert.NotNil(t, reacquired)
		})
	}
}

func TestStoreLockLifecycle(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			lock, err := store.CreateLock(ctx, graph.OpDeduplication, "doc1")
			require.NoError(t, err)
			assert.Equal(t, "doc1", lock.DocumentID)
			assert.NotEmpty(t, lock.ProcessID)

			require.NoError(t, store.UpdateLock(ctx, lock.ID, LockUpdate{
				Status:            graph.LockFailed,
				ErrorMessage:      "boom",
				ConceptsProcessed: -1,
			}))

			got, err := store.GetLock(ctx, lock.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, graph.LockFailed, got.Status)
			assert.Equal(t, "boom", got.ErrorMessage)
			assert.Zero(t, got.ConceptsProcessed)
			require.NotNil(t, got.CompletedAt)

			activeLocks, err := store.ActiveLocks(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, activeLocks)

			all, err := store.Locks(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStoreDocumentLifecycle(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			doc := &graph.Document{
				Title:      "notes.md",
				Content:    "entropy is a measure of disorder",
				SourceType: graph.SourceFile,
				Status:     graph.DocUploading,
			}
			require.NoError(t, store.CreateDocument(ctx, doc))
			assert.NotEmpty(t, doc.ID)
			assert.False(t, doc.UploadedAt.IsZero())

			require.NoError(t, store.UpdateDocumentStatus(ctx, doc.ID, graph.DocProcessing, ""))
			got, err := store.GetDocument(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, graph.DocProcessing, got.Status)
			assert.Nil(t, got.ProcessedAt)

			require.NoError(t, store.UpdateDocumentContent(ctx, doc.ID, "renamed.md", "updated text"))
			got, err = store.GetDocument(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, "renamed.md", got.Title)
			assert.Equal(t, "updated text", got.Content)

			require.NoError(t, store.UpdateDocumentStatus(ctx, doc.ID, graph.DocCompleted, ""))
			got, err = store.GetDocument(ctx, doc.ID)
			require.NoError(t, err)
			assert.Equal(t, graph.DocCompleted, got.Status)
			require.NotNil(t, got.ProcessedAt)

			docs, err := store.GetDocuments(ctx)
			require.NoError(t, err)
			assert.Len(t, docs, 1)
		})
	}
}

func TestStoreCounts(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)
			ctx := context.Background()

			a := &graph.Concept{Name: "A"}
			b := &graph.Concept{Name: "B"}
			require.NoError(t, store.CreateConcept(ctx, a))
			require.NoError(t, store.CreateConcept(ctx, b))
			require.NoError(t, store.CreateRelationship(ctx, &graph.Relationship{
				SourceID: a.ID, TargetID: b.ID, Type: "uses", Strength: 0.5,
			}))

			assert.Equal(t, 2, store.ConceptCount())
			assert.Equal(t, 1, store.RelationshipCount())

			require.NoError(t, store.DeleteConcept(ctx, b.ID))
			assert.Equal(t, 1, store.ConceptCount())
		})
	}
}
