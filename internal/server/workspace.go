package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/merge"
	"github.com/AIQIA/corex-ai-mindlayer/internal/release"
	"github.com/AIQIA/corex-ai-mindlayer/internal/rollback"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store"
)

// Options adjusts how a workspace is opened.
type Options struct {
	Logger *slog.Logger
	// Confirmer answers the confirmation gate. Defaults to deferring.
	Confirmer engine.Confirmer
	// Observer receives transitions in addition to the log observer.
	Observer engine.Observer
	// Config overrides loading .mindlayer/engine.yaml.
	Config *config.Config
	Now    func() time.Time
}

// Workspace is one fully wired workspace: its store, backups, engine and
// history ledger.
type Workspace struct {
	Root    string
	ID      string
	Config  config.Config
	Store   *store.FileStore
	Backups *backup.Manager
	Engine  *engine.Engine
	// History is nil when the ledger could not be opened. Updates still
	// work without it.
	History *history.Ledger

	logger *slog.Logger
}

// Open wires every component for the workspace rooted at root.
func Open(root string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else if cfg, err = config.Load(abs); err != nil {
		return nil, err
	}

	w := &Workspace{
		Root:   abs,
		ID:     backup.WorkspaceID(abs),
		Config: cfg,
		logger: logger,
	}

	w.Store = store.NewOS(abs, cfg.CriticalFiles, store.WithLogger(logger))

	durableDir := filepath.Join(cfg.Backup.Dir, w.ID)
	if err := os.MkdirAll(durableDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	bcfg := backup.Config{
		Source:      w.Store.Filesystem(),
		Durable:     backup.Location{Label: durableDir, FS: osfs.New(durableDir)},
		WorkspaceID: w.ID,
		Retain:      cfg.Backup.Retain,
		Now:         opts.Now,
		Logger:      logger,
	}
	if cfg.Backup.Convenience {
		dir := filepath.Join(abs, config.MindlayerDir, "backups")
		bcfg.Convenience = &backup.Location{Label: dir, FS: osfs.New(dir)}
	}
	if w.Backups, err = backup.NewManager(bcfg); err != nil {
		return nil, err
	}

	timeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, err
	}

	var observer engine.Observer = engine.NewLogObserver(logger)
	if opts.Observer != nil {
		observer = engine.Observers{observer, opts.Observer}
	}

	engine.SetMetricsEnabled(cfg.Telemetry.Metrics)

	ecfg := engine.Config{
		Store:    w.Store,
		Backups:  w.Backups,
		Restorer: rollback.NewManager(w.Store, w.Backups, logger),
		Resolver: newResolver(cfg, logger),
		Analyzer: diff.NewAnalyzer(diff.Policy{
			Protected:   document.NewPathSet(cfg.ProtectedPaths...),
			MaxRemovals: cfg.Risk.MaxRemovals,
		}, logger),
		Merger: merge.NewEngine(merge.Options{
			SchemaOnly:      document.NewPathSet(cfg.SchemaOnlyPaths...),
			TimestampFields: cfg.TimestampFields,
			Now:             opts.Now,
			Logger:          logger,
		}),
		PrimaryPath:      cfg.Primary(),
		VersionPath:      cfg.VersionPath,
		FetchTimeout:     timeout,
		FetchRetries:     retries(cfg.Release.Retries),
		AutoApplyLowRisk: cfg.AutoApplyLowRisk,
		Confirmer:        opts.Confirmer,
		Observer:         observer,
		Tracer:           engine.NewTracer(logger, cfg.Telemetry.Tracing),
		Logger:           logger,
		Now:              opts.Now,
	}

	if cfg.HistoryDB != "" {
		ledger, err := history.Open(history.Config{Path: cfg.HistoryDB, WorkspaceID: w.ID})
		if err != nil {
			logger.Warn("update history disabled", slog.Any("error", err))
		} else {
			w.History = ledger
			ecfg.History = ledger
		}
	}

	if w.Engine, err = engine.New(ecfg); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the history database.
func (w *Workspace) Close() error {
	if w.History == nil {
		return nil
	}
	err := w.History.Close()
	w.History = nil
	return err
}

// HistoryReader returns the ledger, or an error explaining why history is
// unavailable.
func (w *Workspace) HistoryReader() (*history.Ledger, error) {
	if w.History == nil {
		return nil, errors.New("update history is disabled for this workspace")
	}
	return w.History, nil
}

func newResolver(cfg config.Config, logger *slog.Logger) release.Resolver {
	if cfg.Release.SourceDir != "" {
		return release.NewLocalDirResolver(cfg.Release.SourceDir, cfg.CriticalFiles)
	}
	return release.NewGitHubResolver(release.GitHubOptions{
		Endpoint:      cfg.Release.Endpoint,
		Asset:         cfg.Release.Asset,
		UserAgent:     "mindlayer/" + Version,
		CriticalPaths: cfg.CriticalFiles,
		PrimaryPath:   cfg.Primary(),
		Logger:        logger,
	})
}

// retries maps the configured retry count onto the engine, where zero
// means the default and a negative value disables retries.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
