package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ListBackupsTool handles the mindlayer_list_backups MCP tool.
type ListBackupsTool struct {
	backups BackupLister
}

// NewListBackupsTool creates a ListBackupsTool.
func NewListBackupsTool(b BackupLister) *ListBackupsTool {
	return &ListBackupsTool{backups: b}
}

// Definition returns the MCP tool definition for mindlayer_list_backups.
func (t *ListBackupsTool) Definition() mcp.Tool {
	return mcp.NewTool("mindlayer_list_backups",
		mcp.WithDescription("List metadata backups for this workspace, newest first, with verification status and locations."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of backups to show (default 10)"),
		),
	)
}

// Handle processes the mindlayer_list_backups tool call.
func (t *ListBackupsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.backups.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list backups: %v", err)), nil
	}
	if limit := intArg(req, "limit", 10); limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return mcp.NewToolResultText(FormatBackups(list)), nil
}
