// Cortex - Knowledge graph engine for documents.
//
// Cortex extracts concepts and relationships from documents into a
// persistent knowledge graph, deduplicates overlapping concepts, and
// serves the graph to AI assistants over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/synaptiq/cortex-go/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
