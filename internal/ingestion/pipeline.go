package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/synaptiq/cortex-go/internal/dedup"
	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// ProcessResult summarizes one document's trip through the pipeline.
type ProcessResult struct {
	// DocumentID is the processed document.
	DocumentID string

	// ConceptsCreated counts persisted concepts.
	ConceptsCreated int

	// RelationshipsCreated counts persisted relationships.
	RelationshipsCreated int

	// SkippedRelationships counts relationships dropped because an endpoint
	// concept was not part of the extraction.
	SkippedRelationships int

	// FailedConcepts holds one message per concept that could not be
	// persisted. Failures do not abort the run.
	FailedConcepts []string

	// FailedRelationships holds one message per relationship that could not
	// be persisted. Failures do not abort the run.
	FailedRelationships []string

	// Dedup is the result of the automatic post-ingest deduplication pass,
	// nil when deduplication was disabled.
	Dedup *dedup.Summary
}

// Pipeline ingests documents: extract, persist, deduplicate.
type Pipeline struct {
	store     storage.Store
	extractor Extractor

	// AutoDedup runs a document-scoped deduplication pass after each
	// successful ingestion. On by default.
	AutoDedup bool
}

// NewPipeline creates a pipeline over the given store and extractor.
func NewPipeline(store storage.Store, extractor Extractor) *Pipeline {
	return &Pipeline{
		store:     store,
		extractor: extractor,
		AutoDedup: true,
	}
}

// IngestFile reads a file, registers it as a document, and processes it.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (*ProcessResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	doc := &graph.Document{
		Title:      filepath.Base(path),
		Content:    string(content),
		SourceType: graph.SourceFile,
		Status:     graph.DocUploading,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	return p.ProcessDocument(ctx, doc.ID)
}

// IngestURL fetches a URL, registers it as a document, and processes it.
func (p *Pipeline) IngestURL(ctx context.Context, url string) (*ProcessResult, error) {
	doc := &graph.Document{
		Title:      url,
		SourceType: graph.SourceURL,
		SourceURL:  url,
		Status:     graph.DocUploading,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	title, content, err := fetchURL(ctx, url)
	if err != nil {
		_ = p.store.UpdateDocumentStatus(ctx, doc.ID, graph.DocFailed, err.Error())
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if err := p.store.UpdateDocumentContent(ctx, doc.ID, title, content); err != nil {
		return nil, fmt.Errorf("storing fetched content: %w", err)
	}

	return p.ProcessDocument(ctx, doc.ID)
}

// ProcessDocument runs extraction and persistence for a stored document.
//
// The document transitions to processing first; extraction failure leaves it
// failed with an error message, success leaves it completed. Individual
// concept and relationship writes that fail are collected on the result and
// do not abort the run. Relationships whose endpoints did not both survive
// concept creation are skipped rather than failing the run.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID string) (*ProcessResult, error) {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document not found: %s", documentID)
	}

	if err := p.store.UpdateDocumentStatus(ctx, documentID, graph.DocProcessing, ""); err != nil {
		return nil, fmt.Errorf("marking document processing: %w", err)
	}

	extraction, err := p.extractor.Extract(ctx, doc.Title, doc.Content)
	if err != nil {
		_ = p.store.UpdateDocumentStatus(ctx, documentID, graph.DocFailed, err.Error())
		return nil, fmt.Errorf("extracting concepts: %w", err)
	}

	result := &ProcessResult{DocumentID: documentID}

	// Map extracted names to persisted ids for relationship resolution.
	conceptIDs := make(map[string]string, len(extraction.Concepts))
	for _, ec := range extraction.Concepts {
		c := &graph.Concept{
			Name:        ec.Name,
			Description: ec.Description,
			Confidence:  graph.ClampScore(ec.Confidence),
			Category:    ec.Category,
			Aliases:     ec.Aliases,
			DocumentIDs: []string{documentID},
		}
		if err := p.store.CreateConcept(ctx, c); err != nil {
			result.FailedConcepts = append(result.FailedConcepts,
				fmt.Sprintf("%s: %v", ec.Name, err))
			continue
		}
		conceptIDs[ec.Name] = c.ID
		result.ConceptsCreated++
	}

	for _, er := range extraction.Relationships {
		sourceID, okSource := conceptIDs[er.Source]
		targetID, okTarget := conceptIDs[er.Target]
		if !okSource || !okTarget {
			result.SkippedRelationships++
			continue
		}

		rel := &graph.Relationship{
			SourceID:   sourceID,
			TargetID:   targetID,
			Type:       er.Type,
			Strength:   graph.ClampScore(er.Strength),
			Context:    er.Context,
			DocumentID: documentID,
		}
		if err := p.store.CreateRelationship(ctx, rel); err != nil {
			result.FailedRelationships = append(result.FailedRelationships,
				fmt.Sprintf("%s -> %s: %v", er.Source, er.Target, err))
			continue
		}
		result.RelationshipsCreated++
	}

	if err := p.store.UpdateDocumentStatus(ctx, documentID, graph.DocCompleted, ""); err != nil {
		return nil, fmt.Errorf("marking document completed: %w", err)
	}

	if p.AutoDedup {
		summary := dedup.NewDeduplicator(p.store).Run(ctx, dedup.Options{DocumentID: documentID})
		result.Dedup = &summary
	}

	return result, nil
}

// fetchURL downloads a page and reduces it to plain text.
func fetchURL(ctx context.Context, url string) (title, content string, err error) {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", "", err
	}

	html := string(body)
	title = extractTitle(html)
	if title == "" {
		title = url
	}
	return title, stripHTML(html), nil
}

var (
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// extractTitle pulls the page title out of raw HTML.
func extractTitle(html string) string {
	m := titleRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// stripHTML reduces an HTML page to readable plain text. Good enough for
// concept extraction; not a general purpose HTML parser.
func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = spaceRe.ReplaceAllString(text, " ")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
