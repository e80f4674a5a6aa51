package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/release"
)

// newTestLedger opens a ledger backed by a temp directory for isolation.
func newTestLedger(t *testing.T, workspace string) *history.Ledger {
	t.Helper()
	l, err := history.Open(history.Config{
		Path:        filepath.Join(t.TempDir(), "data", "history.db"),
		WorkspaceID: workspace,
	})
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func result(tx string, kind engine.ResultKind, at time.Time) *engine.Result {
	return &engine.Result{
		TxID:             tx,
		Kind:             kind,
		Trigger:          "manual",
		InstalledVersion: "3.7.0",
		Release:          &release.Release{Version: "3.8.0"},
		StartedAt:        at,
		FinishedAt:       at.Add(time.Second),
	}
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := history.Open(history.Config{})
	if !errcode.Is(err, errcode.InvalidConfig) {
		t.Fatalf("err = %v, want INVALID_CONFIGURATION", err)
	}
}

func TestOpen_IdempotentReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	l1, err := history.Open(history.Config{Path: path, WorkspaceID: "ws"})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := l1.RecordAttempt(ctx, result("tx-1", engine.Applied, t0)); err != nil {
		t.Fatalf("record: %v", err)
	}
	l1.Close()

	l2, err := history.Open(history.Config{Path: path, WorkspaceID: "ws"})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer l2.Close()

	entries, err := l2.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after reopen", len(entries))
	}
}

func TestRecordAttempt_StoresSummaryColumns(t *testing.T) {
	l := newTestLedger(t, "ws")
	ctx := context.Background()

	res := result("tx-1", engine.RolledBack, t0)
	res.Diff = &diff.Result{RiskLevel: diff.Medium}
	res.Decision = engine.Proceed
	res.Backup = &backup.Backup{ID: "20260504T100000.000000000Z"}
	res.Written = []string{".mindlayer/preferences.json"}
	res.ErrorCode = errcode.WriteFailure
	res.Error = "applying: WRITE_FAILURE .mindlayer/project.json: disk full"

	if err := l.RecordAttempt(ctx, res); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := l.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != "rolled-back" {
		t.Errorf("Kind = %s", e.Kind)
	}
	if e.Risk != "medium" || e.Decision != "proceed" {
		t.Errorf("Risk/Decision = %s/%s", e.Risk, e.Decision)
	}
	if e.BackupID != res.Backup.ID {
		t.Errorf("BackupID = %s", e.BackupID)
	}
	if e.FilesWritten != 1 {
		t.Errorf("FilesWritten = %d, want 1", e.FilesWritten)
	}
	if e.ErrorCode != "WRITE_FAILURE" {
		t.Errorf("ErrorCode = %s", e.ErrorCode)
	}
	if e.ReleaseVersion != "3.8.0" || e.InstalledVersion != "3.7.0" {
		t.Errorf("versions = %s -> %s", e.InstalledVersion, e.ReleaseVersion)
	}
}

func TestRecordAttempt_SameTxReplaces(t *testing.T) {
	l := newTestLedger(t, "ws")
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, result("tx-1", engine.Offered, t0))
	_ = l.RecordAttempt(ctx, result("tx-1", engine.Applied, t0))

	entries, _ := l.List(ctx, history.Filter{})
	if len(entries) != 1 || entries[0].Kind != "applied" {
		t.Fatalf("entries = %+v, want one applied row", entries)
	}
}

func TestList_NewestFirstAndFiltered(t *testing.T) {
	l := newTestLedger(t, "ws")
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, result("tx-1", engine.NoUpdate, t0))
	_ = l.RecordAttempt(ctx, result("tx-2", engine.Applied, t0.Add(time.Hour)))
	_ = l.RecordAttempt(ctx, result("tx-3", engine.NoUpdate, t0.Add(2*time.Hour)))

	all, err := l.List(ctx, history.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].TxID != "tx-3" || all[2].TxID != "tx-1" {
		t.Fatalf("order = %v", txIDs(all))
	}

	noUpdates, _ := l.List(ctx, history.Filter{Kind: "no-update"})
	if len(noUpdates) != 2 {
		t.Errorf("no-update entries = %d, want 2", len(noUpdates))
	}

	limited, _ := l.List(ctx, history.Filter{Limit: 1})
	if len(limited) != 1 || limited[0].TxID != "tx-3" {
		t.Errorf("limited = %v", txIDs(limited))
	}
}

func TestList_ScopedToWorkspace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	a, err := history.Open(history.Config{Path: path, WorkspaceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := history.Open(history.Config{Path: path, WorkspaceID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_ = a.RecordAttempt(ctx, result("tx-a", engine.Applied, t0))
	_ = b.RecordAttempt(ctx, result("tx-b", engine.Applied, t0))

	got, _ := a.List(ctx, history.Filter{})
	if len(got) != 1 || got[0].TxID != "tx-a" {
		t.Errorf("workspace a sees %v", txIDs(got))
	}
}

func TestResult_RoundTripsFullResult(t *testing.T) {
	l := newTestLedger(t, "ws")
	ctx := context.Background()

	res := result("tx-1", engine.Cancelled, t0)
	res.Diff = &diff.Result{
		RiskLevel:       diff.High,
		Removed:         []diff.Field{{Path: "project.name", Value: "atlas", Impact: diff.High}},
		Recommendations: []string{"WARNING: high-impact changes at project.name."},
	}
	_ = l.RecordAttempt(ctx, res)

	got, err := l.Result(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Kind != engine.Cancelled {
		t.Errorf("Kind = %s", got.Kind)
	}
	if got.Diff == nil || len(got.Diff.Removed) != 1 || got.Diff.Removed[0].Path != "project.name" {
		t.Errorf("Diff = %+v", got.Diff)
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, t0)
	}
}

func TestResult_NotFound(t *testing.T) {
	l := newTestLedger(t, "ws")
	_, err := l.Result(context.Background(), "missing")
	if !errcode.Is(err, errcode.NotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestStats(t *testing.T) {
	l := newTestLedger(t, "ws")
	ctx := context.Background()

	_ = l.RecordAttempt(ctx, result("tx-1", engine.Applied, t0))
	newer := result("tx-2", engine.Applied, t0.Add(time.Hour))
	newer.Release.Version = "3.9.0"
	_ = l.RecordAttempt(ctx, newer)
	_ = l.RecordAttempt(ctx, result("tx-3", engine.Cancelled, t0.Add(2*time.Hour)))

	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.ByKind["applied"] != 2 || st.ByKind["cancelled"] != 1 {
		t.Errorf("ByKind = %v", st.ByKind)
	}
	if st.LastApplied != "3.9.0" {
		t.Errorf("LastApplied = %s, want 3.9.0", st.LastApplied)
	}
}

func TestStats_Empty(t *testing.T) {
	l := newTestLedger(t, "ws")
	st, err := l.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 || st.LastApplied != "" {
		t.Errorf("stats = %+v, want empty", st)
	}
}

func TestLedger_SatisfiesRecorder(t *testing.T) {
	var _ engine.Recorder = newTestLedger(t, "ws")
}

func txIDs(es []history.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.TxID
	}
	return out
}
