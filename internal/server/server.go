// Package server wires all components for a workspace and creates the MCP
// server instance.
//
// This is the composition root (DIP): it creates concrete implementations
// and injects them into the engine, tools, prompts and resources that
// depend on abstractions. No business logic lives here, only wiring. The
// CLI uses Open directly for its non-MCP commands.
package server

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/AIQIA/corex-ai-mindlayer/internal/prompts"
	"github.com/AIQIA/corex-ai-mindlayer/internal/resources"
	"github.com/AIQIA/corex-ai-mindlayer/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server for an opened workspace with all tools,
// prompts and resources registered.
func New(w *Workspace) *server.MCPServer {
	s := server.NewMCPServer(
		"mindlayer",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Register update tools ---

	checkTool := tools.NewCheckUpdateTool(w.Engine)
	s.AddTool(checkTool.Definition(), checkTool.Handle)

	rollbackTool := tools.NewRollbackTool(w.Engine)
	s.AddTool(rollbackTool.Definition(), rollbackTool.Handle)

	backupsTool := tools.NewListBackupsTool(w.Backups)
	s.AddTool(backupsTool.Definition(), backupsTool.Handle)

	// History is optional: if the ledger failed to open, the update tools
	// keep working and the history tool is simply not offered.
	if ledger, err := w.HistoryReader(); err == nil {
		historyTool := tools.NewHistoryTool(ledger)
		s.AddTool(historyTool.Definition(), historyTool.Handle)
	} else {
		w.logger.Warn("history tool not registered", "error", err)
	}

	// --- Register prompts ---

	updatePrompt := prompts.NewUpdatePrompt()
	s.AddPrompt(updatePrompt.Definition(), updatePrompt.Handle)

	recoverPrompt := prompts.NewRecoverPrompt()
	s.AddPrompt(recoverPrompt.Definition(), recoverPrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(w.Backups, w.Config)
	s.AddResource(resourceHandler.LatestBackupResource(), resourceHandler.HandleLatestBackup)
	s.AddResource(resourceHandler.ConfigResource(), resourceHandler.HandleConfig)

	return s
}

func serverInstructions() string {
	return `You have access to mindlayer, which keeps this project's .mindlayer metadata
documents up to date with the latest schema release without losing project data.

## When to use it
- The user asks whether their project metadata or schema is current
- The user asks to update, upgrade or refresh mindlayer metadata
- A previous update failed and the user wants their files back

## How updates work
1. mindlayer_check_update compares the installed schema version with the latest release.
2. A verified backup is taken before any change.
3. The candidate is diffed against the installed documents and graded low, medium or high risk.
4. Low risk updates apply immediately. Otherwise the call stops and returns the diff.
5. Show the user the risk, the changelog and the high-impact paths. Ask them.
6. Call mindlayer_check_update again with decision "proceed" (keeps every existing key),
   "override" (accepts removals outside protected data) or "cancel". Pass the "version" and
   "risk" the deferred result reported. If a newer release appeared in the meantime the
   update is offered again instead of applied.

Protected values such as the project name, description and user preferences are never
overwritten by an update.

## Recovery
If a result says rolled-back, the workspace is already restored. If it says rollback-failed,
updates are blocked until mindlayer_rollback succeeds. Always ask before calling
mindlayer_rollback.`
}
