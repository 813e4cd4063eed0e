// Package cmd provides CLI command implementations for Cortex.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/synaptiq/cortex-go/internal/dedup"
	"github.com/synaptiq/cortex-go/internal/graph"
	"github.com/synaptiq/cortex-go/internal/ingestion"
	"github.com/synaptiq/cortex-go/internal/storage"
	"github.com/synaptiq/cortex-go/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// IngestCmd extracts concepts from documents into the knowledge graph.
type IngestCmd struct {
	Paths   []string `arg:"" help:"Files to ingest"`
	Model   string   `help:"OpenAI model for extraction"`
	NoDedup bool     `help:"Skip the automatic post-ingest deduplication pass"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run() error {
	ctx := context.Background()

	store, err := openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	extractor, err := newExtractor(c.Model)
	if err != nil {
		return err
	}

	pipeline := ingestion.NewPipeline(store, extractor)
	pipeline.AutoDedup = !c.NoDedup

	start := time.Now()
	concepts, relationships := 0, 0
	merged := 0

	for _, path := range c.Paths {
		fmt.Printf("Ingesting %s...\n", path)
		result, err := pipeline.IngestFile(ctx, path)
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		concepts += result.ConceptsCreated
		relationships += result.RelationshipsCreated
		if result.Dedup != nil {
			merged += result.Dedup.MergedCount
		}
	}

	if err := writeMeta(store); err != nil {
		return err
	}

	color.Green("\n✓ Ingestion complete")
	fmt.Printf("  Documents:      %d\n", len(c.Paths))
	fmt.Printf("  Concepts:       %d\n", concepts)
	fmt.Printf("  Relationships:  %d\n", relationships)
	if !c.NoDedup {
		fmt.Printf("  Merged:         %d\n", merged)
	}
	fmt.Printf("  Duration:       %.2fs\n", time.Since(start).Seconds())

	return nil
}

// AddURLCmd fetches a web page and ingests it as a document.
type AddURLCmd struct {
	URL   string `arg:"" help:"URL to fetch and ingest"`
	Model string `help:"OpenAI model for extraction"`
}

// Run executes the add-url command.
func (c *AddURLCmd) Run() error {
	ctx := context.Background()

	store, err := openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	extractor, err := newExtractor(c.Model)
	if err != nil {
		return err
	}

	pipeline := ingestion.NewPipeline(store, extractor)

	fmt.Printf("Fetching %s...\n", c.URL)
	result, err := pipeline.IngestURL(ctx, c.URL)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", c.URL, err)
	}

	if err := writeMeta(store); err != nil {
		return err
	}

	color.Green("✓ Ingested %s", c.URL)
	fmt.Printf("  Concepts:       %d\n", result.ConceptsCreated)
	fmt.Printf("  Relationships:  %d\n", result.RelationshipsCreated)

	return nil
}

// SearchCmd searches the knowledge graph.
type SearchCmd struct {
	Query string `arg:"" help:"Search query"`
	Limit int    `short:"n" default:"20" help:"Maximum results"`
}

// Run executes the search command.
func (c *SearchCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	results, err := storage.SearchConcepts(ctx, store, c.Query, c.Limit)
	if err != nil {
		return fmt.Errorf("searching: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	for i, r := range results {
		fmt.Printf("\n%d. %s", i+1, r.Concept.Name)
		if r.Concept.Category != "" {
			fmt.Printf(" (%s)", r.Concept.Category)
		}
		fmt.Println()
		if len(r.Concept.Aliases) > 0 {
			fmt.Printf("   Aliases: %s\n", strings.Join(r.Concept.Aliases, ", "))
		}
		fmt.Printf("   Confidence: %.2f, Score: %.1f\n", r.Concept.Confidence, r.Score)
		if r.Concept.Description != "" {
			fmt.Printf("   %s\n", r.Concept.Description[:min(200, len(r.Concept.Description))])
		}
	}

	return nil
}

// ConceptsCmd lists concepts in the knowledge graph.
type ConceptsCmd struct {
	Category string `help:"Filter by category"`
	Limit    int    `short:"n" default:"50" help:"Maximum results"`
}

// Run executes the concepts command.
func (c *ConceptsCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	concepts, err := store.GetConcepts(ctx)
	if err != nil {
		return fmt.Errorf("loading concepts: %w", err)
	}

	if c.Category != "" {
		filtered := concepts[:0]
		for _, concept := range concepts {
			if strings.EqualFold(concept.Category, c.Category) {
				filtered = append(filtered, concept)
			}
		}
		concepts = filtered
	}

	if len(concepts) == 0 {
		fmt.Println("No concepts found")
		return nil
	}

	sort.Slice(concepts, func(i, j int) bool {
		if concepts[i].Confidence != concepts[j].Confidence {
			return concepts[i].Confidence > concepts[j].Confidence
		}
		return concepts[i].Name < concepts[j].Name
	})

	shown := concepts
	if c.Limit > 0 && len(shown) > c.Limit {
		shown = shown[:c.Limit]
	}

	fmt.Printf("Concepts (%d of %d):\n\n", len(shown), len(concepts))
	for _, concept := range shown {
		fmt.Printf("  %-40s", concept.Name)
		if concept.Category != "" {
			fmt.Printf("  %-12s", concept.Category)
		}
		fmt.Printf("  %.2f\n", concept.Confidence)
	}

	return nil
}

// ShowCmd shows the full picture of one concept.
type ShowCmd struct {
	Name string `arg:"" help:"Concept name or alias"`
}

// Run executes the show command.
func (c *ShowCmd) Run() error {
	if c.Name == "" {
		return fmt.Errorf("concept name required. Usage: cortex show <name>")
	}

	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	concept, err := findConceptByName(ctx, store, c.Name)
	if err != nil {
		return err
	}
	if concept == nil {
		fmt.Printf("Concept '%s' not found in the knowledge graph.\n", c.Name)
		return nil
	}

	fmt.Printf("## %s\n\n", concept.Name)
	if concept.Description != "" {
		fmt.Printf("%s\n\n", concept.Description)
	}
	if concept.Category != "" {
		fmt.Printf("**Category:** %s\n", concept.Category)
	}
	fmt.Printf("**Confidence:** %.2f\n", concept.Confidence)
	if len(concept.Aliases) > 0 {
		fmt.Printf("**Aliases:** %s\n", strings.Join(concept.Aliases, ", "))
	}
	fmt.Printf("**Source documents:** %d\n", len(concept.DocumentIDs))
	fmt.Println()

	rels, err := store.GetRelationshipsByConcept(ctx, concept.ID)
	if err != nil {
		return err
	}
	if len(rels) == 0 {
		fmt.Println("No relationships recorded.")
		return nil
	}

	fmt.Printf("### Relationships (%d)\n", len(rels))
	for _, rel := range rels {
		otherID := rel.TargetID
		arrow := "->"
		if rel.TargetID == concept.ID {
			otherID = rel.SourceID
			arrow = "<-"
		}
		otherName := otherID
		if other, err := store.GetConcept(ctx, otherID); err == nil && other != nil {
			otherName = other.Name
		}
		fmt.Printf("- %s %s (%s, strength %.2f)\n", arrow, otherName, rel.Type, rel.Strength)
		if rel.Context != "" {
			fmt.Printf("  %s\n", rel.Context)
		}
	}

	return nil
}

// DedupCmd runs a deduplication pass over the knowledge graph.
type DedupCmd struct {
	Threshold   *float64 `help:"Similarity threshold (0-1, default 0.8)"`
	MaxConcepts int      `help:"Cap on concepts considered per run"`
	Document    string   `help:"Restrict the run to one document's concepts"`
}

// Run executes the dedup command.
func (c *DedupCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fmt.Println("Running deduplication...")

	summary := dedup.NewDeduplicator(store).Run(ctx, dedup.Options{
		Threshold:   c.Threshold,
		MaxConcepts: c.MaxConcepts,
		DocumentID:  c.Document,
	})

	if !summary.Success {
		return fmt.Errorf("deduplication failed (%s): %s", summary.ErrorType, summary.Error)
	}

	color.Green("✓ Deduplication complete")
	fmt.Printf("  Merged:             %d\n", summary.MergedCount)
	fmt.Printf("  Aliases added:      %d\n", summary.AliasesAdded)
	fmt.Printf("  Concepts processed: %d\n", summary.ConceptsProcessed)
	fmt.Printf("  Duration:           %.2fs\n", summary.ProcessingTime.Seconds())

	if summary.Warning != "" {
		color.Yellow("\n⚠ %s", summary.Warning)
		for _, msg := range summary.FailedMergeErrors {
			fmt.Printf("  - %s\n", msg)
		}
	}

	return nil
}

// GraphCmd exports the knowledge graph as JSON.
type GraphCmd struct {
	Output string `short:"o" help:"Write to file instead of stdout"`
}

// Run executes the graph command.
func (c *GraphCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	concepts, err := store.GetConcepts(ctx)
	if err != nil {
		return fmt.Errorf("loading concepts: %w", err)
	}
	rels, err := store.GetRelationships(ctx)
	if err != nil {
		return fmt.Errorf("loading relationships: %w", err)
	}

	data := graph.Export(concepts, rels)
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling export: %w", err)
	}

	if c.Output == "" {
		fmt.Println(string(raw))
		return nil
	}

	if err := os.WriteFile(c.Output, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", c.Output, err)
	}
	color.Green("✓ Exported %d nodes and %d edges to %s", len(data.Nodes), len(data.Edges), c.Output)

	return nil
}

// WatchCmd watches a directory and ingests changed documents.
type WatchCmd struct {
	Dir   string `arg:"" optional:"" default:"." help:"Directory to watch"`
	Model string `help:"OpenAI model for extraction"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	store, err := openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	extractor, err := newExtractor(c.Model)
	if err != nil {
		return err
	}

	fmt.Println("## Watch Mode")
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n\n", dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch mode...")
		cancel()
	}()

	pipeline := ingestion.NewPipeline(store, extractor)
	watcher := ingestion.NewWatcher(pipeline, dir)

	err = watcher.Run(ctx)
	if err != nil && err != context.Canceled {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Println("Watch mode stopped.")
	return nil
}

// StatusCmd shows knowledge graph statistics.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run() error {
	ctx := context.Background()
	store, err := loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	docs, err := store.GetDocuments(ctx)
	if err != nil {
		return fmt.Errorf("loading documents: %w", err)
	}

	byStatus := make(map[graph.DocumentStatus]int)
	for _, doc := range docs {
		byStatus[doc.Status]++
	}

	fmt.Println("Knowledge graph status")
	fmt.Printf("  Concepts:       %d\n", store.ConceptCount())
	fmt.Printf("  Relationships:  %d\n", store.RelationshipCount())
	fmt.Printf("  Documents:      %d\n", len(docs))
	for _, status := range []graph.DocumentStatus{graph.DocCompleted, graph.DocProcessing, graph.DocUploading, graph.DocFailed} {
		if n := byStatus[status]; n > 0 {
			fmt.Printf("    %-12s  %d\n", status, n)
		}
	}

	locks, err := store.Locks(ctx)
	if err != nil {
		return fmt.Errorf("loading locks: %w", err)
	}
	active := 0
	for _, lock := range locks {
		if lock.Status == graph.LockActive {
			active++
		}
	}
	fmt.Printf("  Dedup locks:    %d (%d active)\n", len(locks), active)

	workDir, err := os.Getwd()
	if err == nil {
		metaPath := filepath.Join(workDir, dataDirName, "meta.json")
		if raw, err := os.ReadFile(metaPath); err == nil {
			var meta map[string]any
			if json.Unmarshal(raw, &meta) == nil {
				if ingestedAt, ok := meta["ingested_at"].(string); ok {
					fmt.Printf("  Last ingest:    %s\n", ingestedAt)
				}
			}
		}
	}

	return nil
}

// CleanCmd deletes the knowledge graph for the current directory.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run() error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	cortexDir := filepath.Join(workDir, dataDirName)
	if _, err := os.Stat(cortexDir); os.IsNotExist(err) {
		return fmt.Errorf("no knowledge graph found at %s. Nothing to clean", workDir)
	}

	if !c.Force {
		fmt.Printf("Delete knowledge graph at %s? [y/N] ", cortexDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(cortexDir); err != nil {
		return fmt.Errorf("deleting knowledge graph: %w", err)
	}

	color.Green("Deleted %s", cortexDir)
	return nil
}

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	ctx := context.Background()
	store, err := openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(store)

	// Note: No output to stderr - MCP server uses stdio for JSON-RPC only
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// ServeCmd starts the MCP server with optional watch mode.
type ServeCmd struct {
	Watch bool   `short:"w" help:"Enable file watching"`
	Model string `help:"OpenAI model for extraction in watch mode"`
}

// Run executes the serve command.
func (c *ServeCmd) Run() error {
	ctx := context.Background()
	store, err := openStorage(false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(store)

	if c.Watch {
		fmt.Fprintln(os.Stderr, "Starting MCP server with watch mode...")

		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		extractor, err := newExtractor(c.Model)
		if err != nil {
			return err
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		pipeline := ingestion.NewPipeline(store, extractor)
		watcher := ingestion.NewWatcher(pipeline, workDir)
		watcher.Logf = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}

		go func() {
			err := watcher.Run(watchCtx)
			if err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			}
		}()

		fmt.Fprintln(os.Stderr, "File watching enabled")
	} else {
		fmt.Fprintln(os.Stderr, "Starting MCP server...")
	}

	return server.Run(ctx, os.Stdin, os.Stdout)
}

// Helper functions

// writeMeta records a graph summary next to the database.
func writeMeta(store *storage.BadgerStore) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	meta := map[string]any{
		"version":       Version,
		"concepts":      store.ConceptCount(),
		"relationships": store.RelationshipCount(),
		"ingested_at":   time.Now().UTC().Format(time.RFC3339),
	}

	metaPath := filepath.Join(workDir, dataDirName, "meta.json")
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}

	return nil
}

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

const dataDirName = ".cortex"

// openStorage opens the knowledge graph store under the current directory,
// creating the data directory if needed.
func openStorage(readOnly bool) (*storage.BadgerStore, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	dbPath := filepath.Join(workDir, dataDirName, "badger")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s directory: %w", dataDirName, err)
	}

	store := storage.NewBadgerStore()
	if err := store.Initialize(dbPath, readOnly); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	return store, nil
}

// loadStorage opens an existing knowledge graph and fails when none exists.
func loadStorage() (*storage.BadgerStore, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	dbPath := filepath.Join(workDir, dataDirName, "badger")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no knowledge graph found at %s. Run 'cortex ingest' first", workDir)
	}

	store := storage.NewBadgerStore()
	if err := store.Initialize(dbPath, false); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	return store, nil
}

// newExtractor builds the LLM extractor from the environment.
func newExtractor(model string) (ingestion.Extractor, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set. Concept extraction requires an OpenAI API key")
	}
	return ingestion.NewOpenAIExtractor(apiKey, model)
}

// findConceptByName resolves a concept by exact name, then alias, then best
// search match.
func findConceptByName(ctx context.Context, store storage.Store, name string) (*graph.Concept, error) {
	concepts, err := store.GetConcepts(ctx)
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

	results, err := storage.SearchConcepts(ctx, store, name, 1)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results[0].Concept, nil
	}
	return nil, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Verbose bool             `short:"v" help:"Enable verbose output"`
	Quiet   bool             `short:"q" help:"Suppress non-essential output"`

	// Commands
	Ingest   IngestCmd   `cmd:"" help:"Extract concepts from documents into the knowledge graph"`
	AddURL   AddURLCmd   `cmd:"" name:"add-url" help:"Fetch a web page and ingest it"`
	Search   SearchCmd   `cmd:"" help:"Search the knowledge graph"`
	Concepts ConceptsCmd `cmd:"" help:"List concepts in the knowledge graph"`
	Show     ShowCmd     `cmd:"" help:"Show the full picture of one concept"`
	Dedup    DedupCmd    `cmd:"" help:"Merge duplicate concepts"`
	Graph    GraphCmd    `cmd:"" help:"Export the knowledge graph as JSON"`
	Watch    WatchCmd    `cmd:"" help:"Watch a directory and ingest changed documents"`
	Setup    SetupCmd    `cmd:"" help:"Configure MCP for Claude Code / Cursor"`
	MCP      MCPCmd      `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve    ServeCmd    `cmd:"" help:"Start MCP server with optional watch mode"`
	Status   StatusCmd   `cmd:"" help:"Show knowledge graph statistics"`
	Clean    CleanCmd    `cmd:"" help:"Delete the knowledge graph for the current directory"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("cortex"),
		kong.Description("Knowledge graph engine for documents: extract, link, deduplicate"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
