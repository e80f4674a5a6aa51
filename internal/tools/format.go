package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/history"
	"github.com/AIQIA/corex-ai-mindlayer/internal/rollback"
)

// FormatResult renders an update result as markdown. The CLI prints the
// same text.
func FormatResult(res *engine.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Update check: %s\n\n", res.Kind)

	if res.InstalledVersion != "" {
		fmt.Fprintf(&sb, "- **Installed**: %s\n", res.InstalledVersion)
	}
	if res.Release != nil {
		fmt.Fprintf(&sb, "- **Latest release**: %s\n", res.Release.Version)
	}
	if res.Diff != nil {
		fmt.Fprintf(&sb, "- **Risk**: %s\n", res.Diff.RiskLevel)
	}
	if res.Decision != "" {
		fmt.Fprintf(&sb, "- **Decision**: %s\n", res.Decision)
	}
	if res.Backup != nil {
		fmt.Fprintf(&sb, "- **Backup**: %s\n", strings.Join(res.Backup.Locations, ", "))
	}
	if len(res.Written) > 0 {
		fmt.Fprintf(&sb, "- **Written**: %s\n", strings.Join(res.Written, ", "))
	}
	if res.Error != "" {
		fmt.Fprintf(&sb, "- **Error**: %s\n", res.Error)
	}

	if res.Release != nil && res.Release.Changelog != "" && res.Kind != engine.NoUpdate {
		sb.WriteString("\n### Changelog\n\n")
		sb.WriteString(strings.TrimSpace(res.Release.Changelog))
		sb.WriteString("\n")
	}
	if res.Diff != nil && !res.Diff.Empty() {
		sb.WriteString("\n")
		sb.WriteString(FormatDiff(res.Diff))
	}
	if res.Rollback != nil {
		sb.WriteString("\n")
		sb.WriteString(FormatReport(res.Rollback))
	}

	if res.Kind == engine.RollbackFailed {
		sb.WriteString("\nCRITICAL: the workspace could not be restored automatically. Restore from the backup locations above.\n")
	}
	return sb.String()
}

// FormatDiff renders the changes of a diff result.
func FormatDiff(d *diff.Result) string {
	var sb strings.Builder
	sb.WriteString("### Changes\n\n")
	for _, f := range d.Added {
		fmt.Fprintf(&sb, "- `+` %s\n", f.Path)
	}
	for _, f := range d.Removed {
		fmt.Fprintf(&sb, "- `-` %s (%s)\n", f.Path, f.Impact)
	}
	for _, c := range d.Modified {
		fmt.Fprintf(&sb, "- `~` %s (%s)\n", c.Path, c.Impact)
	}
	for _, s := range d.Structural {
		fmt.Fprintf(&sb, "- `!` %s %s: %s (%s)\n", s.Path, s.Kind, s.Note, s.Impact)
	}
	if len(d.Recommendations) > 0 {
		sb.WriteString("\n### Recommendations\n\n")
		for _, r := range d.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	return sb.String()
}

// FormatReport renders a rollback report.
func FormatReport(r *rollback.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Rollback from %s\n\n", r.BackupID)
	for _, p := range r.Restored {
		fmt.Fprintf(&sb, "- restored %s\n", p)
	}
	for _, p := range r.Removed {
		fmt.Fprintf(&sb, "- removed %s\n", p)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(&sb, "- FAILED %s: %s\n", f.Path, f.Reason)
	}
	return sb.String()
}

// FormatBackups renders a backup list.
func FormatBackups(list []*backup.Backup) string {
	if len(list) == 0 {
		return "No backups found.\n"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Backups (%d)\n\n", len(list))
	for _, b := range list {
		fmt.Fprintf(&sb, "- **%s** %s, %d/%d verified",
			b.ID, b.CreatedAt.Format(time.RFC3339), len(b.Verified()), len(b.Manifest))
		if len(b.Missing) > 0 {
			fmt.Fprintf(&sb, ", %d absent", len(b.Missing))
		}
		if len(b.Locations) > 0 {
			fmt.Fprintf(&sb, "\n  %s", strings.Join(b.Locations, "\n  "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatHistory renders ledger entries with a stats header.
func FormatHistory(entries []history.Entry, st *history.Stats) string {
	var sb strings.Builder
	sb.WriteString("## Update history\n\n")
	if st != nil {
		fmt.Fprintf(&sb, "- **Attempts**: %d\n", st.Total)
		if st.LastApplied != "" {
			fmt.Fprintf(&sb, "- **Last applied release**: %s\n", st.LastApplied)
		}
		sb.WriteString("\n")
	}
	if len(entries) == 0 {
		sb.WriteString("No update attempts recorded.\n")
		return sb.String()
	}
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s **%s** (%s)", e.StartedAt, e.Kind, e.Trigger)
		if e.ReleaseVersion != "" {
			fmt.Fprintf(&sb, " %s → %s", orDash(e.InstalledVersion), e.ReleaseVersion)
		}
		if e.Risk != "" {
			fmt.Fprintf(&sb, ", risk %s", e.Risk)
		}
		if e.ErrorCode != "" {
			fmt.Fprintf(&sb, ", %s", e.ErrorCode)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
