// Package resources implements read-only MCP resources for the update
// engine under the mindlayer:// scheme.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
)

// LatestBackupURI addresses the newest backup manifest.
const LatestBackupURI = "mindlayer://backups/latest"

// ConfigURI addresses the effective engine configuration.
const ConfigURI = "mindlayer://config"

// BackupSource returns the newest backup. Implemented by *backup.Manager.
type BackupSource interface {
	Latest() (*backup.Backup, error)
}

// Handler manages the resource endpoints.
type Handler struct {
	backups BackupSource
	cfg     config.Config
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(backups BackupSource, cfg config.Config) *Handler {
	return &Handler{backups: backups, cfg: cfg}
}

// LatestBackupResource returns the MCP resource definition for the newest backup.
func (h *Handler) LatestBackupResource() mcp.Resource {
	return mcp.NewResource(
		LatestBackupURI,
		"Latest metadata backup",
		mcp.WithResourceDescription("Manifest of the newest backup: files, checksums, verification and locations"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleLatestBackup returns the newest backup manifest as JSON.
func (h *Handler) HandleLatestBackup(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := h.backups.Latest()
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, b)
}

// ConfigResource returns the MCP resource definition for the engine config.
func (h *Handler) ConfigResource() mcp.Resource {
	return mcp.NewResource(
		ConfigURI,
		"Engine configuration",
		mcp.WithResourceDescription("Critical files, protected paths and thresholds in effect"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleConfig returns the effective configuration as JSON.
func (h *Handler) HandleConfig(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, h.cfg)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
