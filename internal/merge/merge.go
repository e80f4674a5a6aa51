// Package merge combines an installed document with a candidate revision so
// that the candidate's schema and defaults win while project data survives.
package merge

import (
	"log/slog"
	"time"

	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
)

// DefaultTimestampFields are regenerated on every merge.
var DefaultTimestampFields = []string{"lastUpdated", "last_updated", "updatedAt", "updated_at", "lastModified"}

// Options configures an Engine.
type Options struct {
	// SchemaOnly paths take the candidate list when both sides differ.
	SchemaOnly document.PathSet
	// TimestampFields are key names set to the merge time. Nil uses the defaults.
	TimestampFields []string
	// Now is the clock used for timestamp fields. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine performs merges. It holds no per-merge state and is safe for
// concurrent use.
type Engine struct {
	schemaOnly document.PathSet
	timestamps map[string]bool
	now        func() time.Time
	logger     *slog.Logger
}

// NewEngine creates a merge engine.
func NewEngine(opts Options) *Engine {
	fields := opts.TimestampFields
	if fields == nil {
		fields = DefaultTimestampFields
	}
	ts := make(map[string]bool, len(fields))
	for _, f := range fields {
		ts[f] = true
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		schemaOnly: opts.SchemaOnly,
		timestamps: ts,
		now:        opts.Now,
		logger:     opts.Logger.With(slog.String("component", "merge")),
	}
}

// Merge returns a new document combining installed and candidate. Keys that
// only exist in installed are retained. Protected paths keep their installed
// values. Neither input is modified.
func (e *Engine) Merge(installed, candidate document.Document, d *diff.Result, protected document.PathSet) document.Document {
	return e.run(installed, candidate, d, protected, false)
}

// MergeOverride is Merge after the user accepted the candidate's removals:
// keys missing from the candidate are dropped unless they hold protected
// data.
func (e *Engine) MergeOverride(installed, candidate document.Document, d *diff.Result, protected document.PathSet) document.Document {
	return e.run(installed, candidate, d, protected, true)
}

func (e *Engine) run(installed, candidate document.Document, d *diff.Result, protected document.PathSet, override bool) document.Document {
	m := merger{protected: protected, schemaOnly: e.schemaOnly, override: override}
	out := m.mergeMap("", map[string]any(installed), map[string]any(candidate))

	stamp := e.now().UTC().Format(time.RFC3339)
	m.stamp("", out, e.timestamps, stamp)

	if d != nil {
		e.logger.Debug("documents merged",
			slog.Bool("override", override),
			slog.Int("added", len(d.Added)),
			slog.Int("removed", len(d.Removed)),
			slog.Int("modified", len(d.Modified)),
		)
	}
	return document.Document(out)
}

type merger struct {
	protected  document.PathSet
	schemaOnly document.PathSet
	override   bool
}

func (m merger) mergeMap(path string, installed, candidate map[string]any) map[string]any {
	out := make(map[string]any, len(installed)+len(candidate))
	for k, iv := range installed {
		child := document.Join(path, k)
		cv, inC := candidate[k]
		if !inC {
			if m.override && !m.protected.Covers(child) && !m.protected.Contains(child) {
				continue
			}
			out[k] = document.CloneValue(iv)
			continue
		}
		out[k] = m.mergeValue(child, iv, cv)
	}
	for k, cv := range candidate {
		if _, inI := installed[k]; !inI {
			out[k] = document.CloneValue(cv)
		}
	}
	return out
}

func (m merger) mergeValue(path string, installed, candidate any) any {
	if m.protected.Covers(path) {
		return document.CloneValue(installed)
	}

	ik, ck := leafKind(installed), leafKind(candidate)
	if ik != ck {
		if m.protected.Contains(path) {
			return document.CloneValue(installed)
		}
		return document.CloneValue(candidate)
	}

	switch ik {
	case document.KindMap:
		im, _ := document.AsMap(installed)
		cm, _ := document.AsMap(candidate)
		return m.mergeMap(path, im, cm)
	case document.KindList:
		il, cl := installed.([]any), candidate.([]any)
		switch {
		case len(il) == 0:
			return document.CloneValue(candidate)
		case len(cl) == 0, document.Equal(il, cl):
			return document.CloneValue(installed)
		case m.schemaOnly.Covers(path):
			return document.CloneValue(candidate)
		default:
			return document.CloneValue(installed)
		}
	default:
		return candidate
	}
}

// stamp rewrites timestamp fields in place on the freshly built result.
func (m merger) stamp(path string, node map[string]any, fields map[string]bool, now string) {
	for k, v := range node {
		child := document.Join(path, k)
		if m.protected.Covers(child) {
			continue
		}
		if fields[k] && leafKind(v) == document.KindScalar {
			node[k] = now
			continue
		}
		m.stampValue(child, v, fields, now)
	}
}

func (m merger) stampValue(path string, v any, fields map[string]bool, now string) {
	switch t := v.(type) {
	case map[string]any:
		m.stamp(path, t, fields, now)
	case []any:
		for _, e := range t {
			if em, ok := e.(map[string]any); ok {
				m.stamp(path, em, fields, now)
			}
		}
	}
}

func leafKind(v any) document.Kind {
	k := document.KindOf(v)
	if k == document.KindNull {
		return document.KindScalar
	}
	return k
}
