// Package store reads and writes the critical document set of a workspace.
//
// All access goes through a billy.Filesystem rooted at the workspace, so the
// engine runs unchanged against the real disk (osfs) and in-memory fixtures
// (memfs). Writes land in a temp file next to the target and are renamed
// over it, so a crash never leaves a half-written document behind.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

// Entry is one decoded critical document together with the bytes it was
// decoded from.
type Entry struct {
	Doc document.Document
	Raw []byte
}

// Set maps workspace-relative paths to their current contents. Paths absent
// on disk have no entry.
type Set map[string]Entry

// Paths returns the paths in the set in sorted order.
func (s Set) Paths() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Docs returns the decoded documents keyed by path.
func (s Set) Docs() map[string]document.Document {
	out := make(map[string]document.Document, len(s))
	for p, e := range s {
		out[p] = e.Doc
	}
	return out
}

// Store defines the persistence interface for the critical document set.
// Abstracted for testability (DIP).
type Store interface {
	CriticalPaths() []string
	ReadCriticalSet(ctx context.Context) (Set, error)
	WriteCriticalSet(ctx context.Context, docs map[string]document.Document) ([]string, error)
	WriteRaw(path string, data []byte) error
	Remove(path string) error
	VerifyWritten(path string, expected []byte) bool
	Encode(path string, doc document.Document) ([]byte, error)
}

// FileStore implements Store on a billy filesystem.
type FileStore struct {
	fs       billy.Filesystem
	critical []string
	logger   *slog.Logger
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a store over fsys managing the given critical paths.
func New(fsys billy.Filesystem, criticalPaths []string, opts ...Option) *FileStore {
	s := &FileStore{
		fs:       fsys,
		critical: append([]string(nil), criticalPaths...),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "store"))
	return s
}

// NewOS creates a store rooted at workspace on the local disk.
func NewOS(workspace string, criticalPaths []string, opts ...Option) *FileStore {
	return New(osfs.New(workspace), criticalPaths, opts...)
}

// Filesystem returns the underlying filesystem.
func (s *FileStore) Filesystem() billy.Filesystem { return s.fs }

// CriticalPaths returns the configured critical paths in declaration order.
func (s *FileStore) CriticalPaths() []string {
	return append([]string(nil), s.critical...)
}

// ReadCriticalSet decodes every critical document that exists. Missing files
// are skipped; if none exists the error is NOT_FOUND.
func (s *FileStore) ReadCriticalSet(ctx context.Context) (Set, error) {
	set := make(Set, len(s.critical))
	for _, p := range s.critical {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := util.ReadFile(s.fs, p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Debug("critical document absent", slog.String("path", p))
				continue
			}
			return nil, errcode.New(errcode.NotFound, "", p, fmt.Errorf("reading document: %w", err))
		}
		doc, err := document.CodecFor(p).Decode(data)
		if err != nil {
			return nil, errcode.New(errcode.ParseError, "", p, err)
		}
		set[p] = Entry{Doc: doc, Raw: data}
	}
	if len(set) == 0 {
		return nil, errcode.New(errcode.NotFound, "", "", errors.New("no critical documents present"))
	}
	return set, nil
}

// Encode returns the canonical bytes doc would be written as at p.
func (s *FileStore) Encode(p string, doc document.Document) ([]byte, error) {
	data, err := document.CodecFor(p).Encode(doc)
	if err != nil {
		return nil, errcode.New(errcode.WriteFailure, "", p, err)
	}
	return data, nil
}

// WriteCriticalSet encodes and writes docs in sorted path order, returning
// the paths written before the first failure.
func (s *FileStore) WriteCriticalSet(ctx context.Context, docs map[string]document.Document) ([]string, error) {
	paths := make([]string, 0, len(docs))
	for p := range docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	written := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := s.Encode(p, docs[p])
		if err != nil {
			return written, err
		}
		if err := s.WriteRaw(p, data); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	return written, nil
}

// WriteRaw atomically replaces p with data.
func (s *FileStore) WriteRaw(p string, data []byte) error {
	if err := writeAtomic(s.fs, p, data); err != nil {
		return errcode.New(errcode.WriteFailure, "", p, err)
	}
	s.logger.Debug("document written", slog.String("path", p), slog.Int("bytes", len(data)))
	return nil
}

// Remove deletes p. A missing file is not an error.
func (s *FileStore) Remove(p string) error {
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errcode.New(errcode.WriteFailure, "", p, fmt.Errorf("removing document: %w", err))
	}
	return nil
}

// VerifyWritten re-reads p and compares it byte for byte with expected.
func (s *FileStore) VerifyWritten(p string, expected []byte) bool {
	data, err := util.ReadFile(s.fs, p)
	if err != nil {
		s.logger.Warn("verification read failed", slog.String("path", p), slog.Any("error", err))
		return false
	}
	return bytes.Equal(data, expected)
}

// writeAtomic writes data to a temp file in p's directory and renames it
// over p.
func writeAtomic(fs billy.Filesystem, p string, data []byte) error {
	dir := path.Dir(p)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := util.TempFile(fs, dir, "."+path.Base(p)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := fs.Rename(tmpName, p); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("replacing file: %w", err)
	}
	return nil
}

// WriteFile is the atomic write used by the store, exposed for the backup
// and rollback filesystems.
func WriteFile(fs billy.Filesystem, p string, data []byte) error {
	return writeAtomic(fs, p, data)
}
