// Package release resolves the newest published revision of the metadata
// schema and downloads its candidate documents.
//
// Two resolvers are provided: GitHubResolver queries the GitHub Releases API
// (no auth required for public repos), and DirResolver reads a release laid
// out in a local directory for offline or manual updates.
package release

import (
	"context"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
)

// Release describes one published revision. Immutable once fetched.
type Release struct {
	Version     string    `json:"version"`
	Changelog   string    `json:"changelog,omitempty"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Resolver fetches release metadata and candidate documents. Implementations
// do not retry; retry policy belongs to the caller.
type Resolver interface {
	FetchLatest(ctx context.Context) (Release, error)
	// FetchCandidate returns the candidate documents keyed by
	// workspace-relative critical path.
	FetchCandidate(ctx context.Context, rel Release) (map[string]document.Document, error)
}

// normalizeVersion strips the leading "v" from version strings.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// IsNewer reports whether latest is a higher semantic version than
// installed. Pre-releases sort below their release. Unparsable versions and
// the "dev" marker never compare as newer.
func IsNewer(installed, latest string) bool {
	installed, latest = normalizeVersion(installed), normalizeVersion(latest)
	if installed == "" || latest == "" || installed == "dev" || latest == "dev" {
		return false
	}
	cur, err := semver.NewVersion(installed)
	if err != nil {
		return false
	}
	next, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	return next.GreaterThan(cur)
}
