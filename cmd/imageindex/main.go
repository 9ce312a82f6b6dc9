// Package main is the entry point for the imageindex CLI.
//
// Usage:
//
//	imageindex [flags] <command> [args]
//
// Commands:
//
//	sync           - Upload new images and embed until nothing is pending
//	embed          - Embed pending rows once
//	backfill-dims  - Fill in missing pixel dimensions from local files
//	search         - Free-text similarity search
//	neighbors      - Images most similar to a stored image
//	recent         - Newest embedded images
//	stats          - Row counts by encoding state
//	serve          - HTTP query API and gRPC health service
package main

import (
	"fmt"
	"os"

	"github.com/nucleus/imageindex/cmd/imageindex/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
