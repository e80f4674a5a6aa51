// Package prompts holds the MCP prompts that walk a host through a safe
// metadata update.
package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// UpdatePrompt handles the mindlayer-update MCP prompt.
// It instructs the AI to check, review the diff with the user, and only
// then apply.
type UpdatePrompt struct{}

// NewUpdatePrompt creates an UpdatePrompt.
func NewUpdatePrompt() *UpdatePrompt {
	return &UpdatePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *UpdatePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("mindlayer-update",
		mcp.WithPromptDescription(
			"Check for a newer metadata schema and apply it with the user's consent. "+
				"Shows the risk assessment before anything is written.",
		),
	)
}

// Handle processes the mindlayer-update prompt request.
func (p *UpdatePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Safe metadata update",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `mindlayer_check_update` with decision \"defer\".\n\n" +
						"Then:\n" +
						"1. If the result is no-update or applied, tell me in one line\n" +
						"2. If it was offered, show me the risk level, the changelog and every high-impact path\n" +
						"3. Ask me whether to proceed (keep my data), override (accept removals) or cancel\n" +
						"4. Run `mindlayer_check_update` again with my answer and the version and risk it reported\n" +
						"5. If anything rolled back or failed, show me the backup locations",
				),
			},
		},
	}, nil
}

// RecoverPrompt handles the mindlayer-recover MCP prompt.
type RecoverPrompt struct{}

// NewRecoverPrompt creates a RecoverPrompt.
func NewRecoverPrompt() *RecoverPrompt {
	return &RecoverPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RecoverPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("mindlayer-recover",
		mcp.WithPromptDescription("Restore the metadata documents from the newest backup after a failed update."),
	)
}

// Handle processes the mindlayer-recover prompt request.
func (p *RecoverPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "Recover from backup",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `mindlayer_list_backups` and show me the newest backup.\n\n" +
						"If it is fully verified, ask me to confirm and then run `mindlayer_rollback` with confirm=true.\n" +
						"If some files are not verified, tell me which ones and where the other copies are.",
				),
			},
		},
	}, nil
}
