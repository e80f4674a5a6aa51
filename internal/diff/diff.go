// Package diff compares an installed metadata document with a candidate
// revision and classifies how risky replacing one with the other would be.
//
// The comparison is a pure recursive function: every call returns the
// changes found beneath its path and callers concatenate them, so results
// are deterministic and nothing is shared between walks.
package diff

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
)

// Level grades an individual change or a whole result.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

func (l Level) rank() int {
	switch l {
	case High:
		return 2
	case Medium:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of l and other.
func (l Level) Max(other Level) Level {
	if other.rank() > l.rank() {
		return other
	}
	return l
}

// DefaultMaxRemovals is the removal count above which risk becomes high.
const DefaultMaxRemovals = 5

// Structural change kinds.
const (
	KindTypeChange = "type-change"
	KindListChange = "list-change"
)

// Field is an added or removed key.
type Field struct {
	Path   string `json:"path"`
	Value  any    `json:"value,omitempty"`
	Impact Level  `json:"impact"`
}

// Change is a key present on both sides with different values.
type Change struct {
	Path   string `json:"path"`
	Old    any    `json:"old,omitempty"`
	New    any    `json:"new,omitempty"`
	Impact Level  `json:"impact"`
}

// StructuralChange flags a change of container shape.
type StructuralChange struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Impact Level  `json:"impact"`
	Note   string `json:"note,omitempty"`
}

// Result is the outcome of one comparison. It is computed fresh for every
// update attempt.
type Result struct {
	Added             []Field            `json:"added"`
	Removed           []Field            `json:"removed"`
	Modified          []Change           `json:"modified"`
	Structural        []StructuralChange `json:"structural"`
	RiskLevel         Level              `json:"riskLevel"`
	ProjectDataImpact bool               `json:"projectDataImpact"`
	Recommendations   []string           `json:"recommendations"`
}

// Empty reports whether no change was found.
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0 && len(r.Structural) == 0
}

// HighImpactPaths returns every path graded high, in order of appearance.
func (r *Result) HighImpactPaths() []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string, l Level) {
		if l == High && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range r.Removed {
		add(f.Path, f.Impact)
	}
	for _, c := range r.Modified {
		add(c.Path, c.Impact)
	}
	for _, s := range r.Structural {
		add(s.Path, s.Impact)
	}
	return out
}

// Policy holds the thresholds used to grade a diff.
type Policy struct {
	Protected   document.PathSet
	MaxRemovals int
}

// Analyzer computes diffs under a fixed policy.
type Analyzer struct {
	policy Policy
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer. A non-positive MaxRemovals uses the default.
func NewAnalyzer(p Policy, logger *slog.Logger) *Analyzer {
	if p.MaxRemovals <= 0 {
		p.MaxRemovals = DefaultMaxRemovals
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{policy: p, logger: logger.With(slog.String("component", "diff"))}
}

// Policy returns the analyzer's policy.
func (a *Analyzer) Policy() Policy { return a.policy }

// Diff compares two documents.
func (a *Analyzer) Diff(installed, candidate document.Document) *Result {
	r := a.walk("", map[string]any(installed), map[string]any(candidate))
	a.grade(r)
	return r
}

// DiffSet compares document sets keyed by file path. Files present only in
// installed are kept by the merge and are not compared. Files present only
// in candidate are compared against an empty document. When more than one
// file differs, every path is prefixed with "<file>:".
func (a *Analyzer) DiffSet(installed, candidate map[string]document.Document) *Result {
	files := make([]string, 0, len(candidate))
	for f := range candidate {
		files = append(files, f)
	}
	sort.Strings(files)

	type fileResult struct {
		file string
		res  *Result
	}
	var changed []fileResult
	for _, f := range files {
		base := installed[f]
		if base == nil {
			base = document.Document{}
		}
		r := a.walk("", map[string]any(base), map[string]any(candidate[f]))
		if !r.Empty() {
			changed = append(changed, fileResult{file: f, res: r})
		}
	}

	out := &Result{}
	for _, fr := range changed {
		if len(changed) > 1 {
			prefixPaths(fr.res, fr.file+":")
		}
		out.append(fr.res)
	}
	a.grade(out)
	return out
}

// walk returns the changes between a and b beneath path.
func (a *Analyzer) walk(path string, installed, candidate any) *Result {
	r := &Result{}
	protected := a.policy.Protected

	ik, ck := leafKind(installed), leafKind(candidate)
	switch {
	case ik != ck:
		impact := Medium
		if protected.Covers(path) || protected.Contains(path) {
			impact = High
		}
		r.Modified = append(r.Modified, Change{Path: path, Old: installed, New: candidate, Impact: impact})
		r.Structural = append(r.Structural, StructuralChange{
			Path:   path,
			Kind:   KindTypeChange,
			Impact: impact,
			Note:   fmt.Sprintf("%s becomes %s", ik, ck),
		})

	case ik == document.KindScalar:
		if !document.Equal(installed, candidate) {
			impact := Low
			if protected.Covers(path) {
				impact = Medium
			}
			r.Modified = append(r.Modified, Change{Path: path, Old: installed, New: candidate, Impact: impact})
		}

	case ik == document.KindList:
		if !document.Equal(installed, candidate) {
			impact := Low
			if protected.Covers(path) {
				impact = Medium
			}
			r.Modified = append(r.Modified, Change{Path: path, Old: installed, New: candidate, Impact: impact})
			if protected.Covers(path) {
				r.Structural = append(r.Structural, StructuralChange{
					Path:   path,
					Kind:   KindListChange,
					Impact: High,
					Note:   "protected list differs from the candidate",
				})
			}
		}

	case ik == document.KindMap:
		im, _ := document.AsMap(installed)
		cm, _ := document.AsMap(candidate)
		for _, k := range unionKeys(im, cm) {
			child := document.Join(path, k)
			iv, inI := im[k]
			cv, inC := cm[k]
			switch {
			case inC && !inI:
				if protected.Covers(child) {
					a.logger.Debug("candidate adds a protected key", slog.String("path", child))
				}
				r.Added = append(r.Added, Field{Path: child, Value: cv, Impact: Low})
			case inI && !inC:
				r.Removed = append(r.Removed, Field{Path: child, Value: iv, Impact: a.removalImpact(child)})
			default:
				r.append(a.walk(child, iv, cv))
			}
		}
	}
	return r
}

func (a *Analyzer) removalImpact(path string) Level {
	if a.policy.Protected.Covers(path) || a.policy.Protected.Contains(path) {
		return High
	}
	return Medium
}

// grade sets the risk level, project data flag and recommendations.
func (a *Analyzer) grade(r *Result) {
	risk := Low
	for _, f := range r.Removed {
		risk = risk.Max(Medium).Max(f.Impact)
		if f.Impact == High {
			r.ProjectDataImpact = true
		}
	}
	for _, c := range r.Modified {
		risk = risk.Max(c.Impact)
	}
	for _, s := range r.Structural {
		risk = risk.Max(s.Impact)
	}
	if r.ProjectDataImpact || len(r.Removed) > a.policy.MaxRemovals {
		risk = High
	}
	r.RiskLevel = risk
	r.Recommendations = recommendations(r, a.policy.MaxRemovals)
}

func recommendations(r *Result, maxRemovals int) []string {
	if r.Empty() {
		return []string{"No schema changes detected."}
	}
	recs := []string{fmt.Sprintf("%d additions, %d removals, %d modifications, %d structural changes.",
		len(r.Added), len(r.Removed), len(r.Modified), len(r.Structural))}

	if r.RiskLevel == High {
		if paths := r.HighImpactPaths(); len(paths) > 0 {
			recs = append(recs, "WARNING: high-impact changes at "+strings.Join(paths, ", ")+".")
		}
		if len(r.Removed) > maxRemovals {
			recs = append(recs, fmt.Sprintf("WARNING: %d removals exceed the limit of %d.", len(r.Removed), maxRemovals))
		}
	}
	if r.ProjectDataImpact {
		recs = append(recs, "The candidate drops project data. Protected values are kept unless you choose override.")
	}
	switch r.RiskLevel {
	case High:
		recs = append(recs, "Review every listed path before applying. A backup is taken first.")
	case Medium:
		recs = append(recs, "Review removals and protected modifications before applying.")
	default:
		recs = append(recs, "Safe to apply automatically.")
	}
	return recs
}

func (r *Result) append(o *Result) {
	r.Added = append(r.Added, o.Added...)
	r.Removed = append(r.Removed, o.Removed...)
	r.Modified = append(r.Modified, o.Modified...)
	r.Structural = append(r.Structural, o.Structural...)
}

func prefixPaths(r *Result, prefix string) {
	for i := range r.Added {
		r.Added[i].Path = prefix + r.Added[i].Path
	}
	for i := range r.Removed {
		r.Removed[i].Path = prefix + r.Removed[i].Path
	}
	for i := range r.Modified {
		r.Modified[i].Path = prefix + r.Modified[i].Path
	}
	for i := range r.Structural {
		r.Structural[i].Path = prefix + r.Structural[i].Path
	}
}

// leafKind folds null into scalar so that only container shape changes
// count as structural.
func leafKind(v any) document.Kind {
	k := document.KindOf(v)
	if k == document.KindNull {
		return document.KindScalar
	}
	return k
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]any{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
