package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"

	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

// ManifestFile names the release descriptor inside a release directory.
const ManifestFile = "release.yaml"

// dirManifest is the on-disk shape of release.yaml.
type dirManifest struct {
	Version     string    `yaml:"version"`
	Changelog   string    `yaml:"changelog"`
	PublishedAt time.Time `yaml:"publishedAt"`
}

// DirResolver serves a release from a local directory containing
// release.yaml and the candidate documents, either at their workspace
// relative paths or flat by base name.
type DirResolver struct {
	fs       billy.Filesystem
	label    string
	critical []string
}

// NewDirResolver creates a resolver over fsys.
func NewDirResolver(fsys billy.Filesystem, label string, criticalPaths []string) *DirResolver {
	return &DirResolver{fs: fsys, label: label, critical: append([]string(nil), criticalPaths...)}
}

// NewLocalDirResolver creates a resolver over a directory on disk.
func NewLocalDirResolver(dir string, criticalPaths []string) *DirResolver {
	return NewDirResolver(osfs.New(dir), dir, criticalPaths)
}

// FetchLatest reads release.yaml.
func (d *DirResolver) FetchLatest(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return Release{}, err
	}
	data, err := util.ReadFile(d.fs, ManifestFile)
	if err != nil {
		return Release{}, errcode.New(errcode.NetworkFailure, "checking", path.Join(d.label, ManifestFile), err)
	}
	var m dirManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Release{}, errcode.New(errcode.MalformedResponse, "checking", path.Join(d.label, ManifestFile), err)
	}
	if normalizeVersion(m.Version) == "" {
		return Release{}, errcode.New(errcode.MalformedResponse, "checking", path.Join(d.label, ManifestFile), errors.New("version is empty"))
	}
	return Release{
		Version:     normalizeVersion(m.Version),
		Changelog:   m.Changelog,
		ArtifactRef: d.label,
		PublishedAt: m.PublishedAt,
	}, nil
}

// FetchCandidate decodes every critical document present in the directory.
func (d *DirResolver) FetchCandidate(ctx context.Context, rel Release) (map[string]document.Document, error) {
	docs := make(map[string]document.Document)
	for _, p := range d.critical {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := d.read(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errcode.New(errcode.NetworkFailure, "diffing", p, err)
		}
		doc, err := document.CodecFor(p).Decode(data)
		if err != nil {
			return nil, errcode.New(errcode.MalformedResponse, "diffing", p, err)
		}
		docs[p] = doc
	}
	if len(docs) == 0 {
		return nil, errcode.New(errcode.MalformedResponse, "diffing", d.label,
			fmt.Errorf("release %s has no candidate documents", rel.Version))
	}
	return docs, nil
}

func (d *DirResolver) read(p string) ([]byte, error) {
	data, err := util.ReadFile(d.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return util.ReadFile(d.fs, path.Base(p))
	}
	return data, err
}
