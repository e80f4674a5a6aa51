package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RollbackTool handles the mindlayer_rollback MCP tool.
type RollbackTool struct {
	restorer Restorer
}

// NewRollbackTool creates a RollbackTool.
func NewRollbackTool(r Restorer) *RollbackTool {
	return &RollbackTool{restorer: r}
}

// Definition returns the MCP tool definition for mindlayer_rollback.
func (t *RollbackTool) Definition() mcp.Tool {
	return mcp.NewTool("mindlayer_rollback",
		mcp.WithDescription(
			"Restore the metadata documents from the newest backup. "+
				"Documents that did not exist when the backup was taken are deleted. "+
				"Also clears a pending 'recovery required' state after a failed rollback. "+
				"Ask the user before calling this.",
		),
		mcp.WithBoolean("confirm",
			mcp.Required(),
			mcp.Description("Must be true. Guards against accidental restores."),
		),
	)
}

// Handle processes the mindlayer_rollback tool call.
func (t *RollbackTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !boolArg(req, "confirm", false) {
		return mcp.NewToolResultError("'confirm' must be true to restore the latest backup"), nil
	}

	report, err := t.restorer.RestoreLatest(ctx)
	if err != nil {
		text := fmt.Sprintf("Restore failed: %v\n", err)
		if report != nil {
			text += "\n" + FormatReport(report)
		}
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(FormatReport(report)), nil
}
