// Package backup snapshots the critical document set before an update.
//
// Every backup lives in a timestamped directory holding byte copies of the
// critical documents, a manifest.json describing them and a RECOVERY.md note
// for humans. The durable copy sits outside the workspace under
// <backup dir>/<workspace id>/; an optional convenience copy is kept inside
// the workspace. Backups are written once and never modified.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store"
)

const (
	// ManifestFile describes the contents of a backup directory.
	ManifestFile = "manifest.json"
	// RecoveryFile is the human-readable recovery note.
	RecoveryFile = "RECOVERY.md"
	// IDLayout formats backup directory names. Names sort chronologically.
	IDLayout = "20060102T150405.000000000Z"
	// DefaultRetain is how many backups Prune keeps when not configured.
	DefaultRetain = 10
)

// ManifestEntry records one backed-up document.
type ManifestEntry struct {
	Path     string `json:"path"`
	Verified bool   `json:"verified"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Backup is a completed snapshot.
type Backup struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	WorkspaceID string          `json:"workspaceId"`
	Manifest    []ManifestEntry `json:"files"`
	// Missing lists critical paths that did not exist when the backup was taken.
	Missing   []string `json:"missing,omitempty"`
	Locations []string `json:"locations"`
}

// Verified returns the entries whose copies were confirmed identical.
func (b *Backup) Verified() []ManifestEntry {
	var out []ManifestEntry
	for _, e := range b.Manifest {
		if e.Verified {
			out = append(out, e)
		}
	}
	return out
}

// Unverified returns the entries whose copies could not be confirmed.
func (b *Backup) Unverified() []ManifestEntry {
	var out []ManifestEntry
	for _, e := range b.Manifest {
		if !e.Verified {
			out = append(out, e)
		}
	}
	return out
}

// Entry returns the manifest entry for p.
func (b *Backup) Entry(p string) (ManifestEntry, bool) {
	for _, e := range b.Manifest {
		if e.Path == p {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// Location is a filesystem that holds backup directories at its root.
type Location struct {
	// Label is shown to users, typically the absolute directory.
	Label string
	FS    billy.Filesystem
}

// Config wires a Manager.
type Config struct {
	// Source is the workspace filesystem the critical documents are read from.
	Source billy.Filesystem
	// Durable is the primary backup location. Required.
	Durable Location
	// Convenience is an optional secondary location. Failures writing it are logged only.
	Convenience *Location
	WorkspaceID string
	// Retain is the number of backups kept after each create. Zero means DefaultRetain.
	Retain int
	Now    func() time.Time
	Logger *slog.Logger
}

// sourceDoc is a critical document as read from the workspace.
type sourceDoc struct {
	path string
	data []byte
	err  error
}

// Manager creates, lists and prunes backups.
type Manager struct {
	source      billy.Filesystem
	durable     Location
	convenience *Location
	workspaceID string
	retain      int
	now         func() time.Time
	logger      *slog.Logger
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Source == nil || cfg.Durable.FS == nil {
		return nil, errcode.New(errcode.InvalidConfig, "backup", "", errors.New("source and durable filesystems are required"))
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		source:      cfg.Source,
		durable:     cfg.Durable,
		convenience: cfg.Convenience,
		workspaceID: cfg.WorkspaceID,
		retain:      cfg.Retain,
		now:         cfg.Now,
		logger:      cfg.Logger.With(slog.String("component", "backup")),
	}, nil
}

// WorkspaceID derives a stable identifier for a workspace directory.
func WorkspaceID(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
}

// CreateBackup copies every existing critical document into a new backup
// directory and verifies each copy. Absent documents are recorded as
// missing. Retention is applied afterwards.
func (m *Manager) CreateBackup(ctx context.Context, criticalPaths []string) (*Backup, error) {
	var (
		sources []sourceDoc
		missing []string
	)
	for _, p := range criticalPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := util.ReadFile(m.source, p)
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, p)
			continue
		}
		sources = append(sources, sourceDoc{path: p, data: data, err: err})
	}
	if len(sources) == 0 {
		return nil, errcode.New(errcode.NoCriticalFilesFound, "backup", "", errors.New("none of the critical documents exist"))
	}

	now := m.now().UTC()
	id, err := m.allocateID(now)
	if err != nil {
		return nil, err
	}

	b := &Backup{
		ID:          id,
		CreatedAt:   now,
		WorkspaceID: m.workspaceID,
		Missing:     missing,
	}

	for _, src := range sources {
		entry := ManifestEntry{Path: src.path}
		if src.err != nil {
			entry.Error = src.err.Error()
			m.logger.Warn("critical document unreadable", slog.String("path", src.path), slog.Any("error", src.err))
			b.Manifest = append(b.Manifest, entry)
			continue
		}
		entry.Size = int64(len(src.data))
		entry.SHA256 = checksum(src.data)
		if err := copyVerified(m.durable.FS, path.Join(id, src.path), src.data); err != nil {
			entry.Error = err.Error()
			m.logger.Warn("backup copy not verified", slog.String("path", src.path), slog.Any("error", err))
		} else {
			entry.Verified = true
		}
		b.Manifest = append(b.Manifest, entry)
	}

	b.Locations = []string{joinLabel(m.durable.Label, id)}
	if err := writeMeta(m.durable.FS, b); err != nil {
		return nil, errcode.New(errcode.BackupWriteFailure, "backup", joinLabel(m.durable.Label, id), err)
	}

	if m.convenience != nil {
		if err := m.writeConvenience(b, sources); err != nil {
			m.logger.Warn("convenience backup copy failed", slog.String("id", id), slog.Any("error", err))
		}
	}

	m.logger.Info("backup created",
		slog.String("id", id),
		slog.Int("files", len(b.Manifest)),
		slog.Int("verified", len(b.Verified())),
		slog.Int("missing", len(missing)),
	)

	if removed, err := m.Prune(m.retain); err != nil {
		m.logger.Warn("pruning backups failed", slog.Any("error", err))
	} else if removed > 0 {
		m.logger.Debug("old backups pruned", slog.Int("removed", removed))
	}

	return b, nil
}

// allocateID picks a fresh directory name for now and creates it.
func (m *Manager) allocateID(now time.Time) (string, error) {
	base := now.Format(IDLayout)
	id := base
	for suffix := 2; ; suffix++ {
		if _, err := m.durable.FS.Stat(id); err != nil {
			break
		}
		id = fmt.Sprintf("%s-%d", base, suffix)
	}
	if err := m.durable.FS.MkdirAll(id, 0o755); err != nil {
		return "", errcode.New(errcode.BackupWriteFailure, "backup", joinLabel(m.durable.Label, id), fmt.Errorf("creating backup directory: %w", err))
	}
	return id, nil
}

func (m *Manager) writeConvenience(b *Backup, sources []sourceDoc) error {
	fs := m.convenience.FS
	if err := fs.MkdirAll(b.ID, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	for _, src := range sources {
		if src.err != nil {
			continue
		}
		if err := copyVerified(fs, path.Join(b.ID, src.path), src.data); err != nil {
			return fmt.Errorf("copying %s: %w", src.path, err)
		}
	}
	cp := *b
	cp.Locations = append(append([]string(nil), b.Locations...), joinLabel(m.convenience.Label, b.ID))
	if err := writeMeta(fs, &cp); err != nil {
		return err
	}
	b.Locations = cp.Locations
	// The durable manifest gains the second location too.
	return writeMeta(m.durable.FS, b)
}

// ReadCopy returns the backed-up bytes of p, trying each location in turn
// and accepting only copies that match the manifest checksum. It also
// returns the label of the location used.
func (m *Manager) ReadCopy(b *Backup, p string) ([]byte, string, error) {
	entry, ok := b.Entry(p)
	if !ok {
		return nil, "", errcode.New(errcode.NotFound, "rollback", p, errors.New("not in backup manifest"))
	}

	var errs []error
	for _, loc := range m.locations() {
		data, err := util.ReadFile(loc.FS, path.Join(b.ID, p))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", joinLabel(loc.Label, b.ID), err))
			continue
		}
		if entry.SHA256 != "" && checksum(data) != entry.SHA256 {
			errs = append(errs, fmt.Errorf("%s: checksum mismatch", joinLabel(loc.Label, b.ID)))
			continue
		}
		return data, joinLabel(loc.Label, b.ID), nil
	}
	return nil, "", errcode.New(errcode.NotFound, "rollback", p, errors.Join(errs...))
}

// List returns every readable backup, newest first.
func (m *Manager) List() ([]*Backup, error) {
	entries, err := m.durable.FS.ReadDir(".")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := m.Load(e.Name())
		if err != nil {
			m.logger.Debug("skipping unreadable backup", slog.String("id", e.Name()), slog.Any("error", err))
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[j].ID, out[i].ID) })
	return out, nil
}

// Latest returns the newest backup.
func (m *Manager) Latest() (*Backup, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, errcode.New(errcode.NotFound, "", "", errors.New("no backups exist"))
	}
	return all[0], nil
}

// Load reads the manifest of backup id.
func (m *Manager) Load(id string) (*Backup, error) {
	data, err := util.ReadFile(m.durable.FS, path.Join(id, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errcode.New(errcode.NotFound, "", id, errors.New("backup not found"))
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errcode.New(errcode.ParseError, "", path.Join(id, ManifestFile), err)
	}
	return &b, nil
}

// Prune removes all but the newest keep backups from every location and
// returns how many were removed.
func (m *Manager) Prune(keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultRetain
	}
	all, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, b := range all[keep:] {
		for _, loc := range m.locations() {
			if err := util.RemoveAll(loc.FS, b.ID); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing %s: %w", joinLabel(loc.Label, b.ID), err))
			}
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) locations() []Location {
	locs := []Location{m.durable}
	if m.convenience != nil {
		locs = append(locs, *m.convenience)
	}
	return locs
}

// copyVerified writes data to p and reads it back.
func copyVerified(fs billy.Filesystem, p string, data []byte) error {
	if err := store.WriteFile(fs, p, data); err != nil {
		return err
	}
	back, err := util.ReadFile(fs, p)
	if err != nil {
		return fmt.Errorf("re-reading copy: %w", err)
	}
	if !bytes.Equal(back, data) {
		return errors.New("copy differs from source")
	}
	return nil
}

func writeMeta(fs billy.Filesystem, b *Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := store.WriteFile(fs, path.Join(b.ID, ManifestFile), append(data, '\n')); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := store.WriteFile(fs, path.Join(b.ID, RecoveryFile), recoveryNote(b)); err != nil {
		return fmt.Errorf("writing recovery note: %w", err)
	}
	return nil
}

func recoveryNote(b *Backup) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Backup %s\n\n", b.ID)
	fmt.Fprintf(&buf, "Taken %s before a metadata update.\n\n", b.CreatedAt.Format(time.RFC3339))
	buf.WriteString("## Restore\n\n")
	buf.WriteString("Run `mindlayer rollback` from the workspace, or copy each file below back\n")
	buf.WriteString("to the same relative path inside the workspace.\n\n")
	buf.WriteString("| File | Verified | SHA-256 |\n|------|----------|---------|\n")
	for _, e := range b.Manifest {
		verified := "yes"
		if !e.Verified {
			verified = "NO"
		}
		fmt.Fprintf(&buf, "| `%s` | %s | `%s` |\n", e.Path, verified, e.SHA256)
	}
	if len(b.Missing) > 0 {
		buf.WriteString("\nThese files did not exist when the backup was taken; delete them to\nreturn to this state exactly:\n\n")
		for _, p := range b.Missing {
			fmt.Fprintf(&buf, "- `%s`\n", p)
		}
	}
	if len(b.Locations) > 0 {
		buf.WriteString("\n## Copies\n\n")
		for _, l := range b.Locations {
			fmt.Fprintf(&buf, "- %s\n", l)
		}
	}
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func joinLabel(label, id string) string {
	if label == "" {
		return id
	}
	return strings.TrimRight(label, "/") + "/" + id
}

// idLess orders backup ids chronologically, treating "-N" suffixes numerically.
func idLess(a, b string) bool {
	ab, an := splitID(a)
	bb, bn := splitID(b)
	if ab != bb {
		return ab < bb
	}
	return an < bn
}

func splitID(id string) (string, int) {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return id, 1
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return id, 1
	}
	return id[:i], n
}
