package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/server"
)

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

// setupWorkspace lays out a workspace whose engine.yaml points at a local
// release directory with a medium risk update (one unprotected removal).
func setupWorkspace(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	ws := filepath.Join(base, "project")
	rel := filepath.Join(base, "release")

	writeFile(t, filepath.Join(ws, ".mindlayer", "project.json"),
		`{"schemaVersion":"1.0.0","project":{"name":"atlas"},"legacy":1}`)
	writeFile(t, filepath.Join(rel, "release.yaml"), "version: 1.1.0\nchangelog: Removes legacy.\n")
	writeFile(t, filepath.Join(rel, "project.json"),
		`{"schemaVersion":"1.1.0","project":{"name":"atlas"},"tags":[]}`)
	writeFile(t, config.Path(ws), strings.Join([]string{
		"release:",
		"  source_dir: " + rel,
		"backup:",
		"  dir: " + filepath.Join(base, "backups"),
		"  convenience_copy: false",
		"history_db: " + filepath.Join(base, "history.db"),
		"logging:",
		"  level: error",
		"",
	}, "\n"))
	return ws
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"check", "auto", "rollback", "backups", "history", "serve", "config", "version"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestCheckFlags_Decision(t *testing.T) {
	tests := []struct {
		name    string
		flags   checkFlags
		want    engine.Decision
		fixed   bool
		wantErr bool
	}{
		{"none asks", checkFlags{}, "", false, false},
		{"yes", checkFlags{yes: true}, engine.Proceed, true, false},
		{"override", checkFlags{override: true}, engine.Override, true, false},
		{"defer", checkFlags{deferIt: true}, engine.Defer, true, false},
		{"cancel", checkFlags{cancel: true}, engine.Cancel, true, false},
		{"conflict", checkFlags{yes: true, cancel: true}, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, fixed, err := tt.flags.decision()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
			assert.Equal(t, tt.fixed, fixed)
		})
	}
}

func TestCheck_DeferThenYes(t *testing.T) {
	ws := setupWorkspace(t)
	project := filepath.Join(ws, ".mindlayer", "project.json")

	out, err := execute(t, "check", "--defer", "-w", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "## Update check: offered")
	assert.Contains(t, out, "Removes legacy.")
	assert.Contains(t, out, "mindlayer check --yes")
	data, _ := os.ReadFile(project)
	assert.Contains(t, string(data), `"schemaVersion":"1.0.0"`, "defer leaves the document alone")

	out, err = execute(t, "check", "--yes", "-w", filepath.Join(ws, ".mindlayer"))
	require.NoError(t, err)
	assert.Contains(t, out, "## Update check: applied")
	data, _ = os.ReadFile(project)
	assert.Contains(t, string(data), `"legacy": 1`)
	assert.Contains(t, string(data), `"tags"`)

	out, err = execute(t, "backups", "-w", ws, "--json")
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 2, "the deferred run was backed up too")

	out, err = execute(t, "history", "-w", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "**Attempts**: 2")
	assert.Contains(t, out, "Last applied release**: 1.1.0")
}

func TestRollback_RequiresYesWithoutTerminal(t *testing.T) {
	if stdinIsTerminal() {
		t.Skip("stdin is a terminal")
	}
	ws := setupWorkspace(t)
	_, err := execute(t, "rollback", "-w", ws)
	assert.ErrorContains(t, err, "--yes")
}

func TestRollback_RestoresAfterApply(t *testing.T) {
	ws := setupWorkspace(t)
	project := filepath.Join(ws, ".mindlayer", "project.json")
	before, err := os.ReadFile(project)
	require.NoError(t, err)

	_, err = execute(t, "check", "--override", "-w", ws)
	require.NoError(t, err)
	after, _ := os.ReadFile(project)
	assert.NotContains(t, string(after), "legacy")

	out, err := execute(t, "rollback", "--yes", "-w", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "restored .mindlayer/project.json")
	restored, _ := os.ReadFile(project)
	assert.Equal(t, string(before), string(restored))
}

func TestStartBackground_StopWaitsForCompletion(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	stop := startBackground(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	assert.False(t, finished.Load())

	stop()
	assert.True(t, finished.Load(), "stop returns only after the background work is done")
}

func TestBackgroundCheck_FinishesBeforeSessionCloses(t *testing.T) {
	ws := setupWorkspace(t)
	s, err := openSession(&globalFlags{workspace: ws}, nil, true)
	require.NoError(t, err)

	done := make(chan struct{})
	stop := startBackground(context.Background(), func(ctx context.Context) {
		defer close(done)
		backgroundCheck(ctx, s)
	})
	stop()
	select {
	case <-done:
	default:
		t.Fatal("background check still running after stop")
	}
	s.Close()

	// The ledger is free again once the session is closed.
	_, err = execute(t, "history", "-w", ws)
	require.NoError(t, err)
}

func TestConfigInit(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, "config", "init", "-w", ws)
	require.NoError(t, err)
	assert.Contains(t, out, config.Path(ws))
	assert.FileExists(t, config.Path(ws))

	_, err = execute(t, "config", "init", "-w", ws)
	assert.Error(t, err, "second init refuses to overwrite")

	_, err = execute(t, "config", "init", "--force", "-w", ws)
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mindlayer v"+server.Version+"\n", out)
}
