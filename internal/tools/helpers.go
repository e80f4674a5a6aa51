// Package tools implements the MCP tool handlers for the update engine.
//
// Each tool is a struct holding its dependencies behind small interfaces
// (DIP), with Definition() returning the mcp.Tool schema and Handle()
// processing a call. Engine failures are returned as tool errors, never as
// Go errors, so the host sees the full explanation.
package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/rollback"
)

// Updater runs update transactions. Implemented by *engine.Engine.
type Updater interface {
	CheckAndOffer(ctx context.Context, manualTrigger bool, opts ...engine.RunOption) (*engine.Result, error)
}

// Restorer restores the newest backup. Implemented by *engine.Engine.
type Restorer interface {
	RestoreLatest(ctx context.Context) (*rollback.Report, error)
}

// BackupLister lists backups newest first. Implemented by *backup.Manager.
type BackupLister interface {
	List() ([]*backup.Backup, error)
}

// HistoryReader reads the attempt ledger. Implemented by *history.Ledger.
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
	Stats(ctx context.Context) (*history.Stats, error)
}

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
