package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
)

// HistoryTool handles the mindlayer_update_history MCP tool.
type HistoryTool struct {
	ledger HistoryReader
}

// NewHistoryTool creates a HistoryTool.
func NewHistoryTool(l HistoryReader) *HistoryTool {
	return &HistoryTool{ledger: l}
}

// Definition returns the MCP tool definition for mindlayer_update_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("mindlayer_update_history",
		mcp.WithDescription("Show past update attempts for this workspace: outcome, versions, risk and error code."),
		mcp.WithString("kind",
			mcp.Description("Only show one outcome"),
			mcp.Enum("no-update", "offered", "applied", "cancelled", "rolled-back", "rollback-failed", "failed"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of entries (default 20)"),
		),
	)
}

// Handle processes the mindlayer_update_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := t.ledger.List(ctx, history.Filter{
		Kind:  req.GetString("kind", ""),
		Limit: intArg(req, "limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read history: %v", err)), nil
	}
	st, err := t.ledger.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read history stats: %v", err)), nil
	}
	return mcp.NewToolResultText(FormatHistory(entries, st)), nil
}
