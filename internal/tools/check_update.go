package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
)

// decisionValues are the answers accepted at the confirmation gate.
var decisionValues = []string{
	string(engine.Defer),
	string(engine.Proceed),
	string(engine.Override),
	string(engine.Cancel),
}

var riskValues = []string{string(diff.Low), string(diff.Medium), string(diff.High)}

// CheckUpdateTool handles the mindlayer_check_update MCP tool.
type CheckUpdateTool struct {
	updater Updater
}

// NewCheckUpdateTool creates a CheckUpdateTool.
func NewCheckUpdateTool(u Updater) *CheckUpdateTool {
	return &CheckUpdateTool{updater: u}
}

// Definition returns the MCP tool definition for mindlayer_check_update.
func (t *CheckUpdateTool) Definition() mcp.Tool {
	return mcp.NewTool("mindlayer_check_update",
		mcp.WithDescription(
			"Check for a newer metadata schema release and apply it safely. "+
				"A backup is taken before anything is written. Low-risk updates apply directly; "+
				"medium or high risk updates stop at confirmation and are answered with 'decision'. "+
				"The default 'defer' only reports the diff so the user can review it first. "+
				"'proceed' and 'override' need the 'version' (and ideally 'risk') reported by that deferred check; "+
				"if the latest release no longer matches, the update is offered again instead of applied.",
		),
		mcp.WithString("decision",
			mcp.Description("Answer used if the update needs confirmation: defer (default), proceed, override, cancel"),
			mcp.Enum(decisionValues...),
		),
		mcp.WithString("version",
			mcp.Description("Release version the user reviewed. Required for proceed and override"),
		),
		mcp.WithString("risk",
			mcp.Description("Risk level the user reviewed. When set, a diff with another risk level is offered again"),
			mcp.Enum(riskValues...),
		),
		mcp.WithBoolean("automatic",
			mcp.Description("Run as a scheduled check: never asks, only offers (default false)"),
		),
	)
}

// Handle processes the mindlayer_check_update tool call.
func (t *CheckUpdateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decision := engine.Decision(req.GetString("decision", string(engine.Defer)))
	switch decision {
	case engine.Defer, engine.Proceed, engine.Override, engine.Cancel:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown decision %q", decision)), nil
	}
	version := strings.TrimSpace(req.GetString("version", ""))
	risk := diff.Level(req.GetString("risk", ""))
	switch risk {
	case "", diff.Low, diff.Medium, diff.High:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown risk %q", risk)), nil
	}
	applying := decision == engine.Proceed || decision == engine.Override
	if applying && version == "" {
		return mcp.NewToolResultError(fmt.Sprintf(
			"decision %q needs the release version the user reviewed: run with decision \"defer\" first and pass the version it reports",
			decision)), nil
	}
	automatic := boolArg(req, "automatic", false)

	confirmer := engine.Always(decision)
	if applying {
		confirmer = engine.Pinned(decision, version, risk)
	}
	res, err := t.updater.CheckAndOffer(ctx, !automatic, engine.WithConfirmer(confirmer))

	var sb strings.Builder
	if res != nil && res.Kind == engine.Offered && applying && !automatic {
		sb.WriteString(mismatchNote(res, version, risk))
	}
	sb.WriteString(FormatResult(res))
	if res != nil && res.Kind == engine.Offered {
		sb.WriteString(offerHint(res))
	}
	text := sb.String()
	if data, mErr := json.MarshalIndent(res, "", "  "); mErr == nil {
		text += "\n```json\n" + string(data) + "\n```\n"
	}
	if err != nil {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

// mismatchNote explains why a proceed or override answer was not applied.
func mismatchNote(res *engine.Result, version string, risk diff.Level) string {
	got := ""
	if res.Release != nil {
		got = res.Release.Version
	}
	gotRisk := diff.Level("")
	if res.Diff != nil {
		gotRisk = res.Diff.RiskLevel
	}
	if risk != "" && strings.TrimPrefix(got, "v") == strings.TrimPrefix(version, "v") {
		return fmt.Sprintf("> Not applied: you confirmed %s risk but the diff is now %s risk. Review it and answer again.\n\n", risk, gotRisk)
	}
	return fmt.Sprintf("> Not applied: you confirmed release %s but the latest release is %s. Review it and answer again.\n\n", version, got)
}

// offerHint tells the caller how to answer a deferred offer.
func offerHint(res *engine.Result) string {
	if res.Release == nil {
		return ""
	}
	args := fmt.Sprintf("version %q", res.Release.Version)
	if res.Diff != nil {
		args += fmt.Sprintf(" and risk %q", res.Diff.RiskLevel)
	}
	return fmt.Sprintf("\nRun the check again with decision \"proceed\" (keep removed keys) or \"override\" (accept removals), passing %s, to apply.\n", args)
}
