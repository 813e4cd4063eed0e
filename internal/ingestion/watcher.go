package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// batchWindow is how long the watcher waits after the last change before
// ingesting, so bursts of writes land in one batch.
const batchWindow = 2 * time.Second

// watchedExtensions are the document types the watcher picks up.
var watchedExtensions = map[string]bool{
	".md":  true,
	".txt": true,
}

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	".cortex":      true,
	"node_modules": true,
}

// Watcher monitors a directory and ingests new or changed documents.
type Watcher struct {
	pipeline *Pipeline
	dir      string

	// Logf receives progress lines. Defaults to stdout printing.
	Logf func(format string, args ...any)
}

// NewWatcher creates a watcher that feeds the given pipeline.
func NewWatcher(pipeline *Pipeline, dir string) *Watcher {
	return &Watcher{
		pipeline: pipeline,
		dir:      dir,
		Logf: func(format string, args ...any) {
			fmt.Printf(format+"\n", args...)
		},
	}
}

// Run watches the directory until the context is cancelled. Changed files
// are batched for batchWindow and then ingested one by one.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skippedDirs[info.Name()] {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(batchWindow)
	batchTimer.Stop()

	w.Logf("Watching %s for documents (Ctrl+C to stop)", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchableEvent(event) || !WatchableFile(event.Name) {
				continue
			}
			changed[event.Name] = true
			batchTimer.Reset(batchWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logf("Watch error: %v", err)

		case <-batchTimer.C:
			for path := range changed {
				if _, err := os.Stat(path); err != nil {
					continue // deleted between event and batch
				}
				w.Logf("Ingesting %s", path)
				result, err := w.pipeline.IngestFile(ctx, path)
				if err != nil {
					w.Logf("Error ingesting %s: %v", path, err)
					continue
				}
				w.Logf("  %d concepts, %d relationships", result.ConceptsCreated, result.RelationshipsCreated)
			}
			changed = make(map[string]bool)
		}
	}
}

// watchableEvent reports whether the event kind warrants re-ingestion.
func watchableEvent(event fsnotify.Event) bool {
	return event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write)
}

// WatchableFile reports whether the path is a supported document type.
func WatchableFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return watchedExtensions[ext]
}
