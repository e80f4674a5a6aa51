// Package rollback restores the critical document set from a backup.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store"
)

// FileFailure names a document that could not be restored.
type FileFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarises a rollback. It is complete even when some files failed.
type Report struct {
	BackupID string        `json:"backupId"`
	Restored []string      `json:"restored"`
	Removed  []string      `json:"removed,omitempty"`
	Failed   []FileFailure `json:"failed,omitempty"`
	// Sources maps each restored path to the backup location it came from.
	Sources map[string]string `json:"sources,omitempty"`
}

// OK reports whether every file was restored.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// Err returns a ROLLBACK_FAILURE naming every failed file and the backup
// locations, or nil when the rollback succeeded.
func (r *Report) Err(b *backup.Backup) error {
	if r.OK() {
		return nil
	}
	parts := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		parts = append(parts, f.Path+" ("+f.Reason+")")
	}
	return errcode.New(errcode.RollbackFailure, "rollback", "",
		fmt.Errorf("could not restore %s; manual recovery from %s", strings.Join(parts, ", "), strings.Join(b.Locations, " or ")))
}

// Source provides verified backup copies. Implemented by *backup.Manager.
type Source interface {
	ReadCopy(b *backup.Backup, path string) ([]byte, string, error)
}

// Manager restores backups into a store.
type Manager struct {
	store  store.Store
	source Source
	logger *slog.Logger
}

// NewManager creates a rollback manager writing into st.
func NewManager(st store.Store, src Source, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, source: src, logger: logger.With(slog.String("component", "rollback"))}
}

// Rollback copies every verified backup file over the live file, verifies
// it, and deletes files that did not exist when the backup was taken. It
// keeps going past individual failures and reports all of them.
func (m *Manager) Rollback(ctx context.Context, b *backup.Backup) *Report {
	report := &Report{BackupID: b.ID, Sources: map[string]string{}}

	for _, entry := range b.Manifest {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, FileFailure{Path: entry.Path, Reason: err.Error()})
			continue
		}
		if !entry.Verified {
			report.Failed = append(report.Failed, FileFailure{Path: entry.Path, Reason: "backup copy was never verified"})
			continue
		}
		if err := m.restore(b, entry.Path, report); err != nil {
			m.logger.Error("restore failed", slog.String("path", entry.Path), slog.Any("error", err))
			report.Failed = append(report.Failed, FileFailure{Path: entry.Path, Reason: err.Error()})
			continue
		}
		report.Restored = append(report.Restored, entry.Path)
	}

	for _, p := range b.Missing {
		if err := m.store.Remove(p); err != nil {
			report.Failed = append(report.Failed, FileFailure{Path: p, Reason: err.Error()})
			continue
		}
		report.Removed = append(report.Removed, p)
	}

	level := slog.LevelInfo
	if !report.OK() {
		level = slog.LevelError
	}
	m.logger.Log(ctx, level, "rollback finished",
		slog.String("backup", b.ID),
		slog.Int("restored", len(report.Restored)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("failed", len(report.Failed)),
	)
	return report
}

func (m *Manager) restore(b *backup.Backup, p string, report *Report) error {
	data, from, err := m.source.ReadCopy(b, p)
	if err != nil {
		return err
	}
	if err := m.store.WriteRaw(p, data); err != nil {
		return err
	}
	if !m.store.VerifyWritten(p, data) {
		return errcode.New(errcode.VerificationFailure, "rollback", p, errors.New("restored file differs from backup"))
	}
	report.Sources[p] = from
	return nil
}
