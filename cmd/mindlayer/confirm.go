package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/tools"
)

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newTerminalConfirmer shows the diff on out and asks the user to choose.
// Aborting the form (ctrl+c, esc) cancels the update.
func newTerminalConfirmer(out io.Writer) engine.Confirmer {
	return engine.ConfirmFunc(func(ctx context.Context, p engine.Prompt) (engine.Decision, error) {
		fmt.Fprint(out, describePrompt(p))

		title := fmt.Sprintf("Apply %s?", p.Release.Version)
		if p.Diff != nil {
			title = fmt.Sprintf("Apply %s (%s risk)?", p.Release.Version, p.Diff.RiskLevel)
		}
		choice := string(engine.Proceed)
		err := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(title).
				Options(decisionOptions()...).
				Value(&choice),
		)).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) {
			return engine.Cancel, nil
		}
		if err != nil {
			return engine.Cancel, err
		}
		return engine.Decision(choice), nil
	})
}

func decisionOptions() []huh.Option[string] {
	return []huh.Option[string]{
		huh.NewOption("Proceed: add new keys, keep everything I have", string(engine.Proceed)),
		huh.NewOption("Override: also drop keys the release removed (protected data is kept)", string(engine.Override)),
		huh.NewOption("Defer: decide later", string(engine.Defer)),
		huh.NewOption("Cancel", string(engine.Cancel)),
	}
}

// describePrompt renders what the user is deciding on.
func describePrompt(p engine.Prompt) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\nUpdate %s → %s\n", orNone(p.InstalledVersion), p.Release.Version)
	if p.Backup != nil && len(p.Backup.Locations) > 0 {
		fmt.Fprintf(&sb, "Backup: %s\n", strings.Join(p.Backup.Locations, ", "))
	}
	if c := strings.TrimSpace(p.Release.Changelog); c != "" {
		fmt.Fprintf(&sb, "\n%s\n", c)
	}
	if p.Diff != nil {
		sb.WriteString("\n")
		sb.WriteString(tools.FormatDiff(p.Diff))
	}
	sb.WriteString("\n")
	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func confirmRestore() (bool, error) {
	ok := false
	err := huh.NewConfirm().
		Title("Restore the newest backup?").
		Description("Current metadata documents are overwritten. Documents created since the backup are deleted.").
		Affirmative("Restore").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
