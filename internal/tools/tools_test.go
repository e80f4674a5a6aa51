package tools_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/rollback"
	"github.com/AIQIA/corex-ai-mindlayer/internal/server"
	"github.com/AIQIA/corex-ai-mindlayer/internal/tools"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// handler is the signature shared by every tool's Handle method.
type handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// mustSucceed calls h with args and returns the text of a successful result.
func mustSucceed(t *testing.T, h handler, args map[string]interface{}) string {
	t.Helper()
	r, err := h(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
	return resultText(r)
}

// mustFail calls h with args and returns the text of a tool error result.
func mustFail(t *testing.T, h handler, args map[string]interface{}) string {
	t.Helper()
	r, err := h(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if !r.IsError {
		t.Fatalf("expected a tool error, got: %s", resultText(r))
	}
	return resultText(r)
}

// openWorkspace wires a real workspace whose release source is a local
// directory. The candidate drops project.name, so the update is high risk.
func openWorkspace(t *testing.T) (*server.Workspace, string) {
	t.Helper()
	base := t.TempDir()
	ws := filepath.Join(base, "project")
	rel := filepath.Join(base, "release")

	write := func(p, body string) {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(ws, ".mindlayer", "project.json"),
		`{"schemaVersion":"3.7.0","project":{"name":"atlas","description":"d"},"legacy":true}`)
	write(filepath.Join(rel, "release.yaml"), "version: 3.8.0\nchangelog: Drops legacy.\n")
	write(filepath.Join(rel, "project.json"),
		`{"schemaVersion":"3.8.0","project":{"description":"d"}}`)

	cfg := config.DefaultConfig()
	cfg.Release.SourceDir = rel
	cfg.Backup.Dir = filepath.Join(base, "backups")
	cfg.Backup.Convenience = false
	cfg.HistoryDB = filepath.Join(base, "history.db")

	w, err := server.Open(ws, server.Options{Config: &cfg})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, filepath.Join(ws, ".mindlayer", "project.json")
}

// ─── CheckUpdateTool ─────────────────────────────────────────────────────────

func TestCheckUpdateTool_Definition(t *testing.T) {
	def := tools.NewCheckUpdateTool(nil).Definition()
	if def.Name != "mindlayer_check_update" {
		t.Errorf("tool name = %q", def.Name)
	}
	props := def.InputSchema.Properties
	for _, p := range []string{"decision", "version", "risk", "automatic"} {
		if _, ok := props[p]; !ok {
			t.Errorf("missing %q parameter", p)
		}
	}
}

func TestCheckUpdateTool_DefersThenProceeds(t *testing.T) {
	w, projectFile := openWorkspace(t)
	tool := tools.NewCheckUpdateTool(w.Engine)
	before, _ := os.ReadFile(projectFile)

	text := mustSucceed(t, tool.Handle, nil)
	for _, want := range []string{"offered", "**Risk**: high", "project.name", "Drops legacy.", `version "3.8.0" and risk "high"`} {
		if !strings.Contains(text, want) {
			t.Errorf("deferred result should mention %q:\n%s", want, text)
		}
	}
	after, _ := os.ReadFile(projectFile)
	if string(before) != string(after) {
		t.Error("a deferred update must not touch the document")
	}

	text = mustSucceed(t, tool.Handle, map[string]interface{}{
		"decision": "proceed",
		"version":  "3.8.0",
		"risk":     "high",
	})
	if !strings.Contains(text, "## Update check: applied") {
		t.Errorf("expected applied, got:\n%s", text)
	}
	data, _ := os.ReadFile(projectFile)
	if !strings.Contains(string(data), `"name": "atlas"`) || !strings.Contains(string(data), `"legacy": true`) {
		t.Errorf("proceed must keep existing keys:\n%s", data)
	}
}

func TestCheckUpdateTool_Override(t *testing.T) {
	w, projectFile := openWorkspace(t)
	tool := tools.NewCheckUpdateTool(w.Engine)

	mustSucceed(t, tool.Handle, map[string]interface{}{
		"decision": "override",
		"version":  "3.8.0",
	})
	data, _ := os.ReadFile(projectFile)
	if strings.Contains(string(data), "legacy") {
		t.Errorf("override should drop unprotected removals:\n%s", data)
	}
	if !strings.Contains(string(data), `"name": "atlas"`) {
		t.Errorf("override must still keep protected data:\n%s", data)
	}
}

func TestCheckUpdateTool_AutomaticOnlyOffers(t *testing.T) {
	w, _ := openWorkspace(t)
	tool := tools.NewCheckUpdateTool(w.Engine)

	text := mustSucceed(t, tool.Handle, map[string]interface{}{
		"automatic": true,
		"decision":  "proceed",
		"version":   "3.8.0",
	})
	if !strings.Contains(text, "## Update check: offered") {
		t.Errorf("automatic check should only offer:\n%s", text)
	}
	if list, _ := w.Backups.List(); len(list) != 0 {
		t.Errorf("automatic offer took %d backups", len(list))
	}
}

func TestCheckUpdateTool_ProceedNeedsReviewedVersion(t *testing.T) {
	w, projectFile := openWorkspace(t)
	tool := tools.NewCheckUpdateTool(w.Engine)
	before, _ := os.ReadFile(projectFile)

	for _, d := range []string{"proceed", "override"} {
		text := mustFail(t, tool.Handle, map[string]interface{}{"decision": d})
		if !strings.Contains(text, "version") {
			t.Errorf("%s without a version should ask for it: %s", d, text)
		}
	}
	after, _ := os.ReadFile(projectFile)
	if string(before) != string(after) {
		t.Error("a rejected call must not touch the document")
	}
	if list, _ := w.Backups.List(); len(list) != 0 {
		t.Errorf("a rejected call took %d backups", len(list))
	}
}

func TestCheckUpdateTool_NewerReleaseIsOfferedAgain(t *testing.T) {
	w, projectFile := openWorkspace(t)
	tool := tools.NewCheckUpdateTool(w.Engine)
	before, _ := os.ReadFile(projectFile)

	mustSucceed(t, tool.Handle, nil)

	// 3.9.0 lands between the review and the answer.
	rel := filepath.Join(filepath.Dir(filepath.Dir(filepath.Dir(projectFile))), "release")
	if err := os.WriteFile(filepath.Join(rel, "release.yaml"), []byte("version: 3.9.0\nchangelog: Drops the project.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rel, "project.json"), []byte(`{"schemaVersion":"3.9.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	text := mustSucceed(t, tool.Handle, map[string]interface{}{
		"decision": "override",
		"version":  "3.8.0",
		"risk":     "high",
	})
	for _, want := range []string{"## Update check: offered", "you confirmed release 3.8.0", "3.9.0", "Drops the project."} {
		if !strings.Contains(text, want) {
			t.Errorf("result should mention %q:\n%s", want, text)
		}
	}
	after, _ := os.ReadFile(projectFile)
	if string(before) != string(after) {
		t.Errorf("an answer for another release must not be applied:\n%s", after)
	}

	text = mustSucceed(t, tool.Handle, map[string]interface{}{
		"decision": "proceed",
		"version":  "3.9.0",
		"risk":     "low",
	})
	if !strings.Contains(text, "## Update check: offered") || !strings.Contains(text, "you confirmed low risk") {
		t.Errorf("a different risk level should be offered again:\n%s", text)
	}

	text = mustSucceed(t, tool.Handle, map[string]interface{}{
		"decision": "proceed",
		"version":  "v3.9.0",
	})
	if !strings.Contains(text, "## Update check: applied") {
		t.Errorf("expected applied, got:\n%s", text)
	}
	data, _ := os.ReadFile(projectFile)
	if !strings.Contains(string(data), `"name": "atlas"`) {
		t.Errorf("proceed must keep protected data:\n%s", data)
	}
}

func TestCheckUpdateTool_UnknownDecision(t *testing.T) {
	tool := tools.NewCheckUpdateTool(nil)
	text := mustFail(t, tool.Handle, map[string]interface{}{
		"decision": "maybe",
	})
	if !strings.Contains(text, "maybe") {
		t.Errorf("error should name the decision: %s", text)
	}

	text = mustFail(t, tool.Handle, map[string]interface{}{
		"decision": "proceed",
		"version":  "3.8.0",
		"risk":     "severe",
	})
	if !strings.Contains(text, "severe") {
		t.Errorf("error should name the risk: %s", text)
	}
}

// ─── RollbackTool ────────────────────────────────────────────────────────────

type fakeRestorer struct {
	report *rollback.Report
	err    error
	calls  int
}

func (f *fakeRestorer) RestoreLatest(context.Context) (*rollback.Report, error) {
	f.calls++
	return f.report, f.err
}

func TestRollbackTool_RequiresConfirm(t *testing.T) {
	r := &fakeRestorer{}
	tool := tools.NewRollbackTool(r)

	mustFail(t, tool.Handle, nil)
	if r.calls != 0 {
		t.Error("restore ran without confirmation")
	}
	if def := tool.Definition(); len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "confirm" {
		t.Errorf("'confirm' should be required, got %v", def.InputSchema.Required)
	}
}

func TestRollbackTool_Restores(t *testing.T) {
	r := &fakeRestorer{report: &rollback.Report{
		BackupID: "20260101T000000.000000000Z",
		Restored: []string{".mindlayer/project.json"},
		Removed:  []string{".mindlayer/research.json"},
	}}
	tool := tools.NewRollbackTool(r)

	text := mustSucceed(t, tool.Handle, map[string]interface{}{"confirm": true})
	for _, want := range []string{"20260101T000000.000000000Z", "restored .mindlayer/project.json", "removed .mindlayer/research.json"} {
		if !strings.Contains(text, want) {
			t.Errorf("report should contain %q:\n%s", want, text)
		}
	}
}

func TestRollbackTool_Failure(t *testing.T) {
	r := &fakeRestorer{
		report: &rollback.Report{BackupID: "b1", Failed: []rollback.FileFailure{{Path: "a.json", Reason: "disk full"}}},
		err:    errcode.New(errcode.RollbackFailure, "", "", errors.New("1 file not restored")),
	}
	text := mustFail(t, tools.NewRollbackTool(r).Handle, map[string]interface{}{"confirm": true})
	if !strings.Contains(text, "ROLLBACK_FAILURE") || !strings.Contains(text, "FAILED a.json: disk full") {
		t.Errorf("failure text:\n%s", text)
	}
}

// ─── ListBackupsTool ─────────────────────────────────────────────────────────

type fakeLister struct {
	list []*backup.Backup
	err  error
}

func (f fakeLister) List() ([]*backup.Backup, error) { return f.list, f.err }

func TestListBackupsTool(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lister := fakeLister{list: []*backup.Backup{
		{
			ID:        "b2",
			CreatedAt: at,
			Manifest:  []backup.ManifestEntry{{Path: "a.json", Verified: true}, {Path: "b.json"}},
			Missing:   []string{"c.json"},
			Locations: []string{"/backups/ws/b2"},
		},
		{ID: "b1", CreatedAt: at.Add(-time.Hour)},
	}}
	tool := tools.NewListBackupsTool(lister)

	text := mustSucceed(t, tool.Handle, nil)
	for _, want := range []string{"Backups (2)", "**b2**", "1/2 verified", "1 absent", "/backups/ws/b2"} {
		if !strings.Contains(text, want) {
			t.Errorf("listing should contain %q:\n%s", want, text)
		}
	}

	text = mustSucceed(t, tool.Handle, map[string]interface{}{"limit": float64(1)})
	if strings.Contains(text, "**b1**") {
		t.Errorf("limit ignored:\n%s", text)
	}
}

func TestListBackupsTool_EmptyAndError(t *testing.T) {
	text := mustSucceed(t, tools.NewListBackupsTool(fakeLister{}).Handle, nil)
	if !strings.Contains(text, "No backups found") {
		t.Errorf("empty listing: %s", text)
	}
	mustFail(t, tools.NewListBackupsTool(fakeLister{err: errors.New("boom")}).Handle, nil)
}

// ─── HistoryTool ─────────────────────────────────────────────────────────────

type fakeHistory struct {
	entries []history.Entry
	filter  history.Filter
}

func (f *fakeHistory) List(_ context.Context, flt history.Filter) ([]history.Entry, error) {
	f.filter = flt
	return f.entries, nil
}

func (f *fakeHistory) Stats(context.Context) (*history.Stats, error) {
	return &history.Stats{Total: len(f.entries), LastApplied: "3.8.0"}, nil
}

func TestHistoryTool(t *testing.T) {
	h := &fakeHistory{entries: []history.Entry{{
		Kind: "rolled-back", Trigger: "manual", InstalledVersion: "3.7.0", ReleaseVersion: "3.8.0",
		Risk: "low", ErrorCode: "WRITE_FAILURE", StartedAt: "2026-03-01T12:00:00Z",
	}}}
	tool := tools.NewHistoryTool(h)

	text := mustSucceed(t, tool.Handle, map[string]interface{}{
		"kind":  "rolled-back",
		"limit": float64(5),
	})
	if h.filter.Kind != "rolled-back" || h.filter.Limit != 5 {
		t.Errorf("filter = %+v", h.filter)
	}
	for _, want := range []string{"**Attempts**: 1", "Last applied release**: 3.8.0", "3.7.0 → 3.8.0", "WRITE_FAILURE"} {
		if !strings.Contains(text, want) {
			t.Errorf("history should contain %q:\n%s", want, text)
		}
	}
}

func TestHistoryTool_Empty(t *testing.T) {
	text := mustSucceed(t, tools.NewHistoryTool(&fakeHistory{}).Handle, nil)
	if !strings.Contains(text, "No update attempts recorded") {
		t.Errorf("empty history: %s", text)
	}
}
