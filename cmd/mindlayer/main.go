// Mindlayer: safe configuration updates for .mindlayer project metadata.
//
// Keeps a workspace's metadata documents current with the latest schema
// release without losing project data. Every update is backed up first,
// graded by risk and rolled back automatically if a write fails.
//
// Usage:
//
//	mindlayer check      # Check for a newer release and apply it
//	mindlayer rollback   # Restore the newest backup
//	mindlayer serve      # Start the MCP server (stdio transport)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
