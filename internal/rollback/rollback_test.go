package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store/storetest"
)

var critical = []string{
	".mindlayer/project.json",
	".mindlayer/preferences.json",
	".mindlayer/research.json",
}

var original = map[string]string{
	".mindlayer/project.json":     "{\n  \"project\": {\n    \"name\": \"atlas\"\n  }\n}\n",
	".mindlayer/preferences.json": "{\"theme\":\"dark\"}",
}

func setup(t *testing.T) (*storetest.FaultFS, *backup.Manager, *Manager, *backup.Backup) {
	t.Helper()
	work := storetest.NewFaultFS(nil)
	require.NoError(t, storetest.Seed(work, original))

	mgr, err := backup.NewManager(backup.Config{
		Source:  work,
		Durable: backup.Location{Label: "/backups/ws", FS: memfs.New()},
		Now:     func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)

	b, err := mgr.CreateBackup(context.Background(), critical)
	require.NoError(t, err)

	st := store.New(work, critical)
	return work, mgr, NewManager(st, mgr, nil), b
}

func TestRollback_RestoresByteIdentical(t *testing.T) {
	work, _, rb, b := setup(t)

	require.NoError(t, storetest.Seed(work, map[string]string{
		".mindlayer/project.json":     `{"project":{}}`,
		".mindlayer/preferences.json": `{}`,
		".mindlayer/research.json":    `{"added":"by update"}`,
	}))

	report := rb.Rollback(context.Background(), b)
	require.True(t, report.OK(), "%+v", report.Failed)
	assert.NoError(t, report.Err(b))

	for p, body := range original {
		assert.Equal(t, body, storetest.Read(work, p), p)
	}
	assert.False(t, storetest.Exists(work, ".mindlayer/research.json"), "file absent at backup time must be removed")
	assert.ElementsMatch(t, []string{".mindlayer/project.json", ".mindlayer/preferences.json"}, report.Restored)
	assert.Equal(t, []string{".mindlayer/research.json"}, report.Removed)
	assert.Equal(t, "/backups/ws/"+b.ID, report.Sources[".mindlayer/project.json"])
}

func TestRollback_ContinuesPastFailures(t *testing.T) {
	work, _, rb, b := setup(t)

	require.NoError(t, storetest.Seed(work, map[string]string{
		".mindlayer/project.json":     `{"changed":true}`,
		".mindlayer/preferences.json": `{"changed":true}`,
	}))
	work.FailRename(".mindlayer/project.json")

	report := rb.Rollback(context.Background(), b)
	require.False(t, report.OK())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, ".mindlayer/project.json", report.Failed[0].Path)
	assert.Equal(t, original[".mindlayer/preferences.json"], storetest.Read(work, ".mindlayer/preferences.json"))

	err := report.Err(b)
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.RollbackFailure))
	assert.Contains(t, err.Error(), "/backups/ws/"+b.ID)
}

func TestRollback_SkipsUnverifiedEntries(t *testing.T) {
	_, _, rb, b := setup(t)

	b.Manifest[0].Verified = false

	report := rb.Rollback(context.Background(), b)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, b.Manifest[0].Path, report.Failed[0].Path)
	assert.Contains(t, report.Failed[0].Reason, "never verified")
}

func TestRollback_MissingBackupCopy(t *testing.T) {
	work, _, _, b := setup(t)

	durable := memfs.New()
	broken, err := backup.NewManager(backup.Config{
		Source:  work,
		Durable: backup.Location{Label: "/elsewhere", FS: durable},
	})
	require.NoError(t, err)

	rb := NewManager(store.New(work, critical), broken, nil)
	report := rb.Rollback(context.Background(), b)

	assert.Len(t, report.Failed, 2)
	for _, f := range report.Failed {
		assert.Contains(t, f.Reason, "/elsewhere/"+b.ID)
	}
}
