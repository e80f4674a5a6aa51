package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/AIQIA/corex-ai-mindlayer/internal/config"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/logging"
	"github.com/AIQIA/corex-ai-mindlayer/internal/server"
	"github.com/AIQIA/corex-ai-mindlayer/internal/tools"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	workspace string
	logLevel  string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "mindlayer",
		Short: "Safe schema updates for .mindlayer project metadata",
		Long: `mindlayer keeps the metadata documents in a workspace's .mindlayer directory
current with the latest schema release. Every update is backed up and verified
first, existing project data is preserved, and failed writes roll back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.workspace, "workspace", "w", ".", "workspace root or any directory inside it")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newCheckCmd(g),
		newAutoCmd(g),
		newRollbackCmd(g),
		newBackupsCmd(g),
		newHistoryCmd(g),
		newServeCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// session is an opened workspace plus the logger built from its config.
type session struct {
	ws     *server.Workspace
	logger *logging.Logger
}

func (s *session) Close() {
	_ = s.ws.Close()
	_ = s.logger.Close()
}

// openSession resolves the workspace, loads its config, builds the logger
// from it and wires every component.
func openSession(g *globalFlags, confirmer engine.Confirmer, quiet bool) (*session, error) {
	root, err := config.FindWorkspace(g.workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		JSON:    cfg.Logging.JSON,
		Quiet:   quiet,
		Service: "mindlayer",
	})
	if err != nil {
		return nil, err
	}
	ws, err := server.Open(root, server.Options{
		Logger:    logger.Slog(),
		Config:    &cfg,
		Confirmer: confirmer,
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{ws: ws, logger: logger}, nil
}

func printResult(w io.Writer, jsonOut bool, res *engine.Result) {
	if res == nil {
		return
	}
	if jsonOut {
		printJSON(w, res)
		return
	}
	fmt.Fprint(w, tools.FormatResult(res))
	if res.Kind == engine.Offered {
		fmt.Fprint(w, "\nRun `mindlayer check --yes` (keep removed keys) or `mindlayer check --override` (accept removals) to apply.\n")
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- check / auto ---

type checkFlags struct {
	yes      bool
	override bool
	deferIt  bool
	cancel   bool
}

// decision maps the answer flags to a fixed decision. ok is false when no
// flag was given and the user should be asked.
func (f checkFlags) decision() (engine.Decision, bool, error) {
	var picked []engine.Decision
	if f.yes {
		picked = append(picked, engine.Proceed)
	}
	if f.override {
		picked = append(picked, engine.Override)
	}
	if f.deferIt {
		picked = append(picked, engine.Defer)
	}
	if f.cancel {
		picked = append(picked, engine.Cancel)
	}
	switch len(picked) {
	case 0:
		return "", false, nil
	case 1:
		return picked[0], true, nil
	default:
		return "", false, fmt.Errorf("--yes, --override, --defer and --cancel are mutually exclusive")
	}
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	f := &checkFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check for a newer schema release and apply it",
		Long: `Checks the latest release against the installed schema version. Low risk
updates apply directly. Medium and high risk updates show the diff and ask,
unless an answer flag is given. Without a terminal the update is deferred.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, fixed, err := f.decision()
			if err != nil {
				return err
			}
			var confirmer engine.Confirmer
			switch {
			case fixed:
				confirmer = engine.Always(d)
			case stdinIsTerminal():
				confirmer = newTerminalConfirmer(cmd.ErrOrStderr())
			default:
				confirmer = engine.Always(engine.Defer)
			}

			s, err := openSession(g, confirmer, false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.ws.Engine.CheckAndOffer(cmd.Context(), true)
			printResult(cmd.OutOrStdout(), g.jsonOut, res)
			return err
		},
	}
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "proceed without asking, keeping every existing key")
	cmd.Flags().BoolVar(&f.override, "override", false, "proceed without asking and accept removals outside protected data")
	cmd.Flags().BoolVar(&f.deferIt, "defer", false, "only report the diff")
	cmd.Flags().BoolVar(&f.cancel, "cancel", false, "decline any update that needs confirmation")
	return cmd
}

func newAutoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "Run a scheduled check that never asks",
		Long: `Runs an automatic check, as a scheduler or editor hook would. A newer release
is only offered, unless auto_apply_low_risk is set and the update is low risk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(g, nil, false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.ws.Engine.CheckAndOffer(cmd.Context(), false)
			printResult(cmd.OutOrStdout(), g.jsonOut, res)
			return err
		},
	}
}

// --- rollback / backups / history ---

func newRollbackCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the metadata documents from the newest backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if !stdinIsTerminal() {
					return fmt.Errorf("refusing to restore without --yes when not attached to a terminal")
				}
				ok, err := confirmRestore()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "Rollback cancelled.")
					return nil
				}
			}

			s, err := openSession(g, nil, false)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.ws.Engine.RestoreLatest(cmd.Context())
			if report != nil {
				if g.jsonOut {
					printJSON(cmd.OutOrStdout(), report)
				} else {
					fmt.Fprint(cmd.OutOrStdout(), tools.FormatReport(report))
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "restore without asking")
	return cmd
}

func newBackupsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups for this workspace, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(g, nil, true)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.ws.Backups.List()
			if err != nil {
				return err
			}
			if limit > 0 && len(list) > limit {
				list = list[:limit]
			}
			if g.jsonOut {
				printJSON(cmd.OutOrStdout(), list)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatBackups(list))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of backups to show")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past update attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(g, nil, true)
			if err != nil {
				return err
			}
			defer s.Close()

			ledger, err := s.ws.HistoryReader()
			if err != nil {
				return err
			}
			entries, err := ledger.List(cmd.Context(), history.Filter{Kind: kind, Limit: limit})
			if err != nil {
				return err
			}
			if g.jsonOut {
				printJSON(cmd.OutOrStdout(), entries)
				return nil
			}
			st, err := ledger.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tools.FormatHistory(entries, st))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only show one outcome, e.g. applied or rolled-back")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	return cmd
}

// --- serve ---

func newServeCmd(g *globalFlags) *cobra.Command {
	var autoCheck bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Long: `Starts the MCP server on stdin/stdout. Add it to your AI tool's MCP config:

  {
    "mcpServers": {
      "mindlayer": {
        "command": "mindlayer",
        "args": ["serve"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(g, nil, false)
			if err != nil {
				return err
			}
			defer s.Close()

			// Background check, logged to stderr so it doesn't interfere
			// with MCP's stdio transport on stdout. It must be done before
			// the deferred Close releases the history ledger.
			if autoCheck {
				stop := startBackground(cmd.Context(), func(ctx context.Context) { backgroundCheck(ctx, s) })
				defer stop()
			}
			return mcpserver.ServeStdio(server.New(s.ws))
		},
	}
	cmd.Flags().BoolVar(&autoCheck, "auto-check", true, "run an automatic update check on startup")
	return cmd
}

// startBackground runs fn in a goroutine. The returned stop cancels fn's
// context and blocks until fn has returned.
func startBackground(ctx context.Context, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func backgroundCheck(ctx context.Context, s *session) {
	res, err := s.ws.Engine.CheckAndOffer(ctx, false)
	log := s.logger.Slog()
	if err != nil {
		log.Warn("startup update check failed", slog.String("error", err.Error()))
		return
	}
	if res.Kind == engine.Offered {
		log.Info("schema update available",
			slog.String("installed", res.InstalledVersion),
			slog.String("latest", res.Release.Version),
		)
	}
}

// --- config / version ---

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage .mindlayer/engine.yaml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default engine.yaml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.FindWorkspace(g.workspace)
			if err != nil {
				return err
			}
			p, err := config.Init(root, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.FindWorkspace(g.workspace)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mindlayer v%s\n", server.Version)
		},
	}
}
