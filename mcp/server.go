// Package mcp provides the MCP (Model Context Protocol) server for Cortex.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/synaptiq/cortex-go/internal/dedup"
	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/storage"
)

// Server represents the MCP server.
type Server struct {
	store  storage.Store
	dedup  *dedup.Deduplicator
	server *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over the given store.
func NewServer(store storage.Store) *Server {
	s := &Server{
		store: store,
		dedup: dedup.NewDeduplicator(store),
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "cortex-go",
		Version: "0.1.0",
	}, nil)

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "cortex_search",
			Description: "Search the knowledge graph for concepts by name, alias, or description. Returns ranked matches.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "Search query text"},
					"limit": {Type: "integer", Description: "Maximum number of results"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "cortex_concept",
			Description: "Get the full picture of a concept: description, aliases, confidence, source documents, and relationships.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"name": {Type: "string", Description: "Concept name or alias to look up"},
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        "cortex_dedup",
			Description: "Run a deduplication pass over the knowledge graph, merging duplicate concepts.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"threshold":   {Type: "number", Description: "Similarity threshold (0-1, default 0.8)"},
					"document_id": {Type: "string", Description: "Restrict the run to one document's concepts"},
				},
			},
		},
		{
			Name:        "cortex_graph",
			Description: "Export the knowledge graph as JSON nodes and edges for rendering.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "cortex://overview",
			Name:        "Knowledge Graph Overview",
			Description: "High-level statistics about the knowledge graph",
			MimeType:    "text/plain",
		},
		{
			URI:         "cortex://locks",
			Name:        "Deduplication Locks",
			Description: "Current and historical deduplication lock records",
			MimeType:    "text/plain",
		},
		{
			URI:         "cortex://schema",
			Name:        "Graph Schema",
			Description: "Description of the Cortex knowledge graph schema",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "cortex_search":
		query, _ := args["query"].(string)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 20
		}
		return s.handleSearch(ctx, query, int(limit))
	case "cortex_concept":
		conceptName, _ := args["name"].(string)
		return s.handleConcept(ctx, conceptName)
	case "cortex_dedup":
		var threshold *float64
		if v, ok := args["threshold"].(float64); ok {
			threshold = &v
		}
		documentID, _ := args["document_id"].(string)
		return s.handleDedup(ctx, threshold, documentID)
	case "cortex_graph":
		return s.handleGraph(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "cortex://overview":
		return s.getOverview(ctx), nil
	case "cortex://locks":
		return s.getLockReport(ctx), nil
	case "cortex://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// Note: Do NOT use SetIndent - MCP protocol requires compact JSON (one line per message)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "cortex-go",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool Handlers

func (s *Server) handleSearch(ctx context.Context, query string, limit int) (string, error) {
	if query == "" {
		return "No query provided", nil
	}

	results, err := storage.SearchConcepts(ctx, s.store, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results for '%s':\n\n", len(results), query))
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. **%s**", i+1, r.Concept.Name))
		if r.Concept.Category != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Concept.Category))
		}
		sb.WriteString("\n")
		if len(r.Concept.Aliases) > 0 {
			sb.WriteString(fmt.Sprintf("   Aliases: %s\n", strings.Join(r.Concept.Aliases, ", ")))
		}
		sb.WriteString(fmt.Sprintf("   Confidence: %.2f, Score: %.1f\n", r.Concept.Confidence, r.Score))
		if r.Concept.Description != "" {
			desc := r.Concept.Description
			if len(desc) > 200 {
				desc = desc[:200] + "..."
			}
			sb.WriteString(fmt.Sprintf("   %s\n", desc))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Next: Use `cortex_concept` on a specific concept for the full picture.")

	return sb.String(), nil
}

// resolveConcept finds a concept by exact name, then alias, then best search
// match.
func (s *Server) resolveConcept(ctx context.Context, name string) (*graph.Concept, error) {
	concepts, err := s.store.GetConcepts(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range concepts {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	for _, c := range concepts {
		for _, alias := range c.Aliases {
			if strings.EqualFold(alias, name) {
				return c, nil
			}
		}
	}

	results, err := storage.SearchConcepts(ctx, s.store, name, 1)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results[0].Concept, nil
	}
	return nil, fmt.Errorf("concept %q not found", name)
}

func (s *Server) handleConcept(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "No concept name provided", nil
	}

	concept, err := s.resolveConcept(ctx, name)
	if err != nil {
		return fmt.Sprintf("Concept '%s' not found in the knowledge graph", name), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n\n", concept.Name))
	if concept.Description != "" {
		sb.WriteString(concept.Description + "\n\n")
	}
	if concept.Category != "" {
		sb.WriteString(fmt.Sprintf("**Category:** %s\n", concept.Category))
	}
	sb.WriteString(fmt.Sprintf("**Confidence:** %.2f\n", concept.Confidence))
	if len(concept.Aliases) > 0 {
		sb.WriteString(fmt.Sprintf("**Aliases:** %s\n", strings.Join(concept.Aliases, ", ")))
	}
	sb.WriteString(fmt.Sprintf("**Source documents:** %d\n", len(concept.DocumentIDs)))

	rels, _ := s.store.GetRelationshipsByConcept(ctx, concept.ID)
	if len(rels) > 0 {
		sb.WriteString(fmt.Sprintf("\n## Relationships (%d)\n", len(rels)))
		for _, rel := range rels {
			other := rel.TargetID
			arrow := "->"
			if rel.TargetID == concept.ID {
				other = rel.SourceID
				arrow = "<-"
			}
			otherName := other
			if oc, err := s.store.GetConcept(ctx, other); err == nil && oc != nil {
				otherName = oc.Name
			}
			sb.WriteString(fmt.Sprintf("- %s %s (%s, strength %.2f)\n", arrow, otherName, rel.Type, rel.Strength))
			if rel.Context != "" {
				sb.WriteString(fmt.Sprintf("  %s\n", rel.Context))
			}
		}
	} else {
		sb.WriteString("\nNo relationships recorded for this concept.\n")
	}

	return sb.String(), nil
}

func (s *Server) handleDedup(ctx context.Context, threshold *float64, documentID string) (string, error) {
	summary := s.dedup.Run(ctx, dedup.Options{
		Threshold:  threshold,
		DocumentID: documentID,
	})

	var sb strings.Builder
	sb.WriteString("## Deduplication Result\n\n")
	if !summary.Success {
		sb.WriteString(fmt.Sprintf("**Failed** (%s): %s\n", summary.ErrorType, summary.Error))
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("**Merged:** %d concepts\n", summary.MergedCount))
	sb.WriteString(fmt.Sprintf("**Aliases added:** %d\n", summary.AliasesAdded))
	sb.WriteString(fmt.Sprintf("**Concepts processed:** %d\n", summary.ConceptsProcessed))
	sb.WriteString(fmt.Sprintf("**Duration:** %s\n", summary.ProcessingTime))
	if summary.Warning != "" {
		sb.WriteString(fmt.Sprintf("\nWarning: %s\n", summary.Warning))
		for _, msg := range summary.FailedMergeErrors {
			sb.WriteString(fmt.Sprintf("- %s\n", msg))
		}
	}

	return sb.String(), nil
}

func (s *Server) handleGraph(ctx context.Context) (string, error) {
	concepts, err := s.store.GetConcepts(ctx)
	if err != nil {
		return "", err
	}
	rels, err := s.store.GetRelationships(ctx)
	if err != nil {
		return "", err
	}

	data := graph.Export(concepts, rels)
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling graph export: %w", err)
	}
	return string(raw), nil
}

// Resource Handlers

func (s *Server) getOverview(ctx context.Context) string {
	docs, _ := s.store.GetDocuments(ctx)
	completed := 0
	for _, doc := range docs {
		if doc.Status == graph.DocCompleted {
			completed++
		}
	}

	var sb strings.Builder
	sb.WriteString("# Cortex Knowledge Graph Overview\n\n")
	sb.WriteString(fmt.Sprintf("**Concepts:** %d\n", s.store.ConceptCount()))
	sb.WriteString(fmt.Sprintf("**Relationships:** %d\n", s.store.RelationshipCount()))
	sb.WriteString(fmt.Sprintf("**Documents:** %d (%d processed)\n", len(docs), completed))
	sb.WriteString("\n## Entity Types\n\n")
	sb.WriteString("- Concept: An idea extracted from documents, with aliases and a confidence score\n")
	sb.WriteString("- Relationship: A typed, weighted edge between two concepts\n")
	sb.WriteString("- Document: An ingested file or web page\n")
	sb.WriteString("- Lock: A mutual-exclusion record guarding deduplication runs\n")

	return sb.String()
}

func (s *Server) getLockReport(ctx context.Context) string {
	locks, err := s.store.Locks(ctx)
	if err != nil {
		return "Error reading locks: " + err.Error()
	}

	var sb strings.Builder
	sb.WriteString("# Deduplication Locks\n\n")
	if len(locks) == 0 {
		sb.WriteString("No lock records. No deduplication has run yet.\n")
		return sb.String()
	}

	for _, lock := range locks {
		sb.WriteString(fmt.Sprintf("- **%s** [%s] created %s", lock.OperationType, lock.Status, lock.CreatedAt.Format("2006-01-02 15:04:05")))
		if lock.ConceptsProcessed > 0 {
			sb.WriteString(fmt.Sprintf(", %d concepts", lock.ConceptsProcessed))
		}
		if lock.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf(", error: %s", lock.ErrorMessage))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# Cortex Knowledge Graph Schema\n\n")
	sb.WriteString("## Entities\n\n")
	sb.WriteString("| Entity | Description | Key Properties |\n")
	sb.WriteString("|--------|-------------|----------------|\n")
	sb.WriteString("| `concept` | Extracted idea | name, description, confidence, category, aliases, document_ids |\n")
	sb.WriteString("| `relationship` | Typed edge | source, target, type, strength, context |\n")
	sb.WriteString("| `document` | Ingested source | title, source_type, status |\n")
	sb.WriteString("| `lock` | Dedup mutex record | operation_type, status, created_at |\n")
	sb.WriteString("\n## Invariants\n\n")
	sb.WriteString("- Confidence and strength are always within [0, 1]\n")
	sb.WriteString("- A concept's aliases never contain its own name\n")
	sb.WriteString("- At most one active deduplication lock exists per operation type\n")
	sb.WriteString("- No self-loop relationships survive a merge\n")

	return sb.String()
}

// Helper functions

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
