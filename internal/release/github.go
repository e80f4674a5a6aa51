package release

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

const (
	// githubRepo is the repository path for API calls.
	githubRepo = "AIQIA/corex-ai-mindlayer"

	// releaseURL is the GitHub API endpoint for the latest release.
	releaseURL = "https://api.github.com/repos/" + githubRepo + "/releases/latest"

	// DefaultAsset is the release asset holding the template documents.
	DefaultAsset = "mindlayer-template.tar.gz"

	// checkTimeout is how long we wait for the GitHub API.
	checkTimeout = 10 * time.Second

	// maxArtifactBytes caps the downloaded template archive.
	maxArtifactBytes = 32 << 20
)

// For testing: allow overriding the release URL and HTTP client.
var (
	releaseEndpoint = releaseURL
	httpClient      = &http.Client{Timeout: checkTimeout}
)

// releaseInfo holds the relevant fields from a GitHub release.
type releaseInfo struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []asset   `json:"assets"`
}

// asset represents a downloadable file in a GitHub release.
type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHubOptions configures a GitHubResolver. Zero values fall back to the
// package defaults.
type GitHubOptions struct {
	Endpoint  string
	Asset     string
	UserAgent string
	// CriticalPaths are the workspace-relative documents the artifact may carry.
	CriticalPaths []string
	// PrimaryPath receives a bare .json asset.
	PrimaryPath string
	Client      *http.Client
	Logger      *slog.Logger
}

// GitHubResolver reads releases from the GitHub Releases API.
type GitHubResolver struct {
	endpoint  string
	asset     string
	userAgent string
	critical  []string
	primary   string
	client    *http.Client
	logger    *slog.Logger
}

// NewGitHubResolver creates a resolver for the configured repository.
func NewGitHubResolver(opts GitHubOptions) *GitHubResolver {
	r := &GitHubResolver{
		endpoint:  opts.Endpoint,
		asset:     opts.Asset,
		userAgent: opts.UserAgent,
		critical:  append([]string(nil), opts.CriticalPaths...),
		primary:   opts.PrimaryPath,
		client:    opts.Client,
		logger:    opts.Logger,
	}
	if r.endpoint == "" {
		r.endpoint = releaseEndpoint
	}
	if r.asset == "" {
		r.asset = DefaultAsset
	}
	if r.userAgent == "" {
		r.userAgent = "mindlayer"
	}
	if r.client == nil {
		r.client = httpClient
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.primary == "" && len(r.critical) > 0 {
		r.primary = r.critical[0]
	}
	r.logger = r.logger.With(slog.String("component", "release"))
	return r
}

// FetchLatest queries the latest release. Transport failures and non-200
// answers are NETWORK_FAILURE; undecodable bodies are MALFORMED_RESPONSE.
func (r *GitHubResolver) FetchLatest(ctx context.Context) (Release, error) {
	body, err := r.get(ctx, r.endpoint, "application/vnd.github.v3+json")
	if err != nil {
		return Release{}, err
	}
	defer func() { _ = body.Close() }()

	var info releaseInfo
	if err := json.NewDecoder(body).Decode(&info); err != nil {
		return Release{}, errcode.New(errcode.MalformedResponse, "checking", "", fmt.Errorf("parsing release info: %w", err))
	}
	if normalizeVersion(info.TagName) == "" {
		return Release{}, errcode.New(errcode.MalformedResponse, "checking", "", errors.New("release has no tag"))
	}

	rel := Release{
		Version:     normalizeVersion(info.TagName),
		Changelog:   info.Body,
		PublishedAt: info.PublishedAt,
		ArtifactRef: r.pickAsset(info.Assets),
	}
	r.logger.Debug("latest release", slog.String("version", rel.Version), slog.String("artifact", rel.ArtifactRef))
	return rel, nil
}

// pickAsset prefers the configured asset name, then any template archive,
// then a bare JSON document.
func (r *GitHubResolver) pickAsset(assets []asset) string {
	for _, a := range assets {
		if a.Name == r.asset {
			return a.BrowserDownloadURL
		}
	}
	for _, a := range assets {
		if strings.HasSuffix(a.Name, ".tar.gz") || strings.HasSuffix(a.Name, ".tgz") {
			return a.BrowserDownloadURL
		}
	}
	for _, a := range assets {
		if strings.HasSuffix(a.Name, ".json") {
			return a.BrowserDownloadURL
		}
	}
	return ""
}

// FetchCandidate downloads the release artifact and decodes the documents
// it carries.
func (r *GitHubResolver) FetchCandidate(ctx context.Context, rel Release) (map[string]document.Document, error) {
	if rel.ArtifactRef == "" {
		return nil, errcode.New(errcode.MalformedResponse, "diffing", "", fmt.Errorf("release %s has no template asset", rel.Version))
	}

	body, err := r.get(ctx, rel.ArtifactRef, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	limited := io.LimitReader(body, maxArtifactBytes)

	if strings.HasSuffix(strings.SplitN(rel.ArtifactRef, "?", 2)[0], ".json") {
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, errcode.New(errcode.NetworkFailure, "diffing", "", fmt.Errorf("downloading release: %w", err))
		}
		doc, err := document.JSON.Decode(data)
		if err != nil {
			return nil, errcode.New(errcode.MalformedResponse, "diffing", r.primary, err)
		}
		return map[string]document.Document{r.primary: doc}, nil
	}

	docs, err := extractDocuments(limited, r.critical)
	if err != nil {
		return nil, errcode.New(errcode.MalformedResponse, "diffing", "", fmt.Errorf("extracting template: %w", err))
	}
	return docs, nil
}

func (r *GitHubResolver) get(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errcode.New(errcode.NetworkFailure, "", "", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errcode.New(errcode.NetworkFailure, "", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errcode.New(errcode.NetworkFailure, "", "", fmt.Errorf("GitHub returned %d for %s", resp.StatusCode, url))
	}
	return resp.Body, nil
}

// extractDocuments reads a .tar.gz archive and decodes every entry that
// names a critical path. Entries may sit under a single top-level folder.
func extractDocuments(reader io.Reader, critical []string) (map[string]document.Document, error) {
	gz, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("opening gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	wanted := make(map[string]bool, len(critical))
	for _, p := range critical {
		wanted[p] = true
	}

	docs := make(map[string]document.Document)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name, ok := matchCritical(header.Name, wanted)
		if !ok {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s from tar: %w", name, err)
		}
		doc, err := document.CodecFor(name).Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		docs[name] = doc
	}

	if len(docs) == 0 {
		return nil, errors.New("no critical documents found in archive")
	}
	return docs, nil
}

// matchCritical maps an archive entry name onto a critical path, accepting
// one leading directory such as "mindlayer-3.8.0/".
func matchCritical(entry string, wanted map[string]bool) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+entry), "/")
	if wanted[name] {
		return name, true
	}
	if i := strings.Index(name, "/"); i >= 0 && wanted[name[i+1:]] {
		return name[i+1:], true
	}
	return "", false
}
