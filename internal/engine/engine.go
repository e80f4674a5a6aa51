// Package engine runs the safe update transaction: check for a newer
// release, back up the critical documents, diff, ask for confirmation when
// the change is risky, merge, write, verify, and roll back on any failure
// after the first write.
//
// One Engine owns one workspace. At most one transaction runs at a time;
// a second CheckAndOffer while one is in flight fails immediately with
// ErrTransactionInProgress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AIQIA/corex-ai-mindlayer/internal/backup"
	"github.com/AIQIA/corex-ai-mindlayer/internal/diff"
	"github.com/AIQIA/corex-ai-mindlayer/internal/document"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
	"github.com/AIQIA/corex-ai-mindlayer/internal/merge"
	"github.com/AIQIA/corex-ai-mindlayer/internal/release"
	"github.com/AIQIA/corex-ai-mindlayer/internal/rollback"
	"github.com/AIQIA/corex-ai-mindlayer/internal/store"
)

var (
	errTxRunning = errors.New("an update transaction is already running for this workspace")
	errRecovery  = errors.New("a previous rollback failed; restore the latest backup first")
)

const (
	// DefaultVersionPath locates the installed schema version in the primary document.
	DefaultVersionPath = "schemaVersion"
	// DefaultFetchTimeout bounds each release query.
	DefaultFetchTimeout = 15 * time.Second
	// baseVersion stands in for a primary document without a version.
	baseVersion = "0.0.0"
)

// Backups is the part of the backup manager the engine uses.
type Backups interface {
	CreateBackup(ctx context.Context, criticalPaths []string) (*backup.Backup, error)
	Latest() (*backup.Backup, error)
}

// Restorer restores a backup. Implemented by *rollback.Manager.
type Restorer interface {
	Rollback(ctx context.Context, b *backup.Backup) *rollback.Report
}

// Recorder persists finished attempts. Implemented by the history ledger.
type Recorder interface {
	RecordAttempt(ctx context.Context, res *Result) error
}

// Config wires an Engine. Store, Backups, Restorer, Resolver, Analyzer and
// Merger are required.
type Config struct {
	Store    store.Store
	Backups  Backups
	Restorer Restorer
	Resolver release.Resolver
	Analyzer *diff.Analyzer
	Merger   *merge.Engine

	// PrimaryPath is the critical document holding the installed version.
	// Defaults to the first critical path.
	PrimaryPath string
	// VersionPath is the dot path of the version inside the primary document.
	VersionPath string
	// FetchTimeout bounds each release query.
	FetchTimeout time.Duration
	// FetchRetries is how many times a NETWORK_FAILURE is retried. Negative disables.
	FetchRetries int
	// AutoApplyLowRisk lets automatic checks apply low-risk updates without asking.
	AutoApplyLowRisk bool

	Confirmer Confirmer
	Observer  Observer
	History   Recorder
	Tracer    *Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result is the machine-readable outcome of CheckAndOffer.
type Result struct {
	TxID             string           `json:"txId"`
	Kind             ResultKind       `json:"kind"`
	Trigger          string           `json:"trigger"`
	InstalledVersion string           `json:"installedVersion,omitempty"`
	Release          *release.Release `json:"release,omitempty"`
	Diff             *diff.Result     `json:"diff,omitempty"`
	Decision         Decision         `json:"decision,omitempty"`
	Backup           *backup.Backup   `json:"backup,omitempty"`
	Written          []string         `json:"written,omitempty"`
	Rollback         *rollback.Report `json:"rollback,omitempty"`
	Error            string           `json:"error,omitempty"`
	ErrorCode        errcode.Code     `json:"errorCode,omitempty"`
	StartedAt        time.Time        `json:"startedAt"`
	FinishedAt       time.Time        `json:"finishedAt"`
}

// RunOption adjusts a single CheckAndOffer call.
type RunOption func(*runOptions)

type runOptions struct {
	confirmer Confirmer
}

// WithConfirmer overrides the engine's confirmer for one call.
func WithConfirmer(c Confirmer) RunOption {
	return func(o *runOptions) { o.confirmer = c }
}

// Engine is the update orchestrator for one workspace.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	inFlight atomic.Bool
	// recovery latches after a failed rollback until RestoreLatest succeeds.
	recovery atomic.Bool

	mu    sync.Mutex
	state State
}

// New validates cfg and creates an Engine in the Idle state.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Backups == nil || cfg.Restorer == nil || cfg.Resolver == nil || cfg.Analyzer == nil || cfg.Merger == nil {
		return nil, errcode.New(errcode.InvalidConfig, "", "", errors.New("engine requires store, backups, restorer, resolver, analyzer and merger"))
	}
	if cfg.PrimaryPath == "" {
		paths := cfg.Store.CriticalPaths()
		if len(paths) == 0 {
			return nil, errcode.New(errcode.InvalidConfig, "", "", errors.New("no critical paths configured"))
		}
		cfg.PrimaryPath = paths[0]
	}
	if cfg.VersionPath == "" {
		cfg.VersionPath = DefaultVersionPath
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.FetchRetries == 0 {
		cfg.FetchRetries = 1
	}
	if cfg.Confirmer == nil {
		cfg.Confirmer = Always(Defer)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "engine")),
		state:  StateIdle,
	}, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RecoveryRequired reports whether a failed rollback is unresolved.
func (e *Engine) RecoveryRequired() bool { return e.recovery.Load() }

// run carries one transaction through the stages.
type run struct {
	ctx       context.Context
	res       *Result
	manual    bool
	confirmer Confirmer
	installed store.Set
	candidate map[string]document.Document
}

// CheckAndOffer runs one update transaction. manualTrigger distinguishes a
// user-initiated check from an automatic one; automatic checks never block
// on confirmation and defer instead. The returned Result is never nil. The
// error is non-nil when the run failed, rolled back or could not roll back.
func (e *Engine) CheckAndOffer(ctx context.Context, manualTrigger bool, opts ...RunOption) (*Result, error) {
	started := e.cfg.Now()
	res := &Result{
		TxID:      uuid.NewString(),
		Trigger:   triggerName(manualTrigger),
		StartedAt: started,
	}

	if e.recovery.Load() {
		return e.reject(res, ErrRecoveryRequired)
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return e.reject(res, ErrTransactionInProgress)
	}
	defer e.inFlight.Store(false)

	ro := runOptions{confirmer: e.cfg.Confirmer}
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, span := e.cfg.Tracer.StartRun(ctx, res.TxID, res.Trigger)
	recordActive(ctx, 1)
	defer recordActive(ctx, -1)

	r := &run{ctx: ctx, res: res, manual: manualTrigger, confirmer: ro.confirmer}
	err := e.execute(r)

	res.FinishedAt = e.cfg.Now()
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = errcode.CodeOf(err)
	}
	e.cfg.Tracer.EndRun(span, res, err)

	risk := ""
	if res.Diff != nil {
		risk = string(res.Diff.RiskLevel)
	}
	recordAttempt(ctx, res.Kind, res.Trigger, risk, res.FinishedAt.Sub(started))
	e.record(ctx, res)

	return res, err
}

func (e *Engine) reject(res *Result, err error) (*Result, error) {
	res.Kind = Failed
	res.Error = err.Error()
	res.ErrorCode = errcode.CodeOf(err)
	res.FinishedAt = e.cfg.Now()
	return res, err
}

func (e *Engine) execute(r *run) error {
	e.transition(r, StateChecking, "")
	rel, proceed, err := e.check(r)
	if err != nil || !proceed {
		e.abort(r, err)
		return err
	}
	r.res.Release = &rel

	// Automatic checks preview the diff without a backup. Only a low risk
	// update with auto-apply enabled goes further.
	if !r.manual {
		if err := e.diff(r, rel); err != nil {
			e.abort(r, err)
			return err
		}
		if r.res.Diff.RiskLevel != diff.Low || !e.cfg.AutoApplyLowRisk {
			if r.res.Diff.RiskLevel != diff.Low {
				r.res.Decision = Defer
			}
			r.res.Kind = Offered
			e.transition(r, StateIdle, "update offered for later")
			return nil
		}
	}

	e.transition(r, StateBackingUp, "")
	b, err := e.backup(r)
	if err != nil {
		e.abort(r, err)
		return err
	}
	r.res.Backup = b

	e.transition(r, StateDiffing, "")
	if err := e.diff(r, rel); err != nil {
		e.abort(r, err)
		return err
	}

	decision := Proceed
	if r.res.Diff.RiskLevel != diff.Low {
		e.transition(r, StateAwaitingConfirmation, string(r.res.Diff.RiskLevel)+" risk")
		decision = e.confirm(r)
		r.res.Decision = decision
		switch decision {
		case Cancel:
			r.res.Kind = Cancelled
			e.transition(r, StateCancelled, "update cancelled at confirmation")
			e.transition(r, StateIdle, "")
			return nil
		case Defer:
			r.res.Kind = Offered
			e.transition(r, StateIdle, "update offered for later")
			return nil
		}
	}

	return e.apply(r, decision == Override)
}

// check reads the installed version and asks the resolver for the latest
// release. proceed is false when there is nothing to do.
func (e *Engine) check(r *run) (release.Release, bool, error) {
	set, err := e.cfg.Store.ReadCriticalSet(r.ctx)
	if err != nil {
		return release.Release{}, false, stageErr(err, StateChecking)
	}
	r.installed = set

	installed := baseVersion
	if entry, ok := set[e.cfg.PrimaryPath]; ok {
		if v, ok := entry.Doc.StringAt(e.cfg.VersionPath); ok && v != "" {
			installed = v
		}
	}
	r.res.InstalledVersion = installed

	rel, err := e.fetchLatest(r.ctx)
	if err != nil {
		return release.Release{}, false, stageErr(err, StateChecking)
	}

	if !release.IsNewer(installed, rel.Version) {
		r.res.Kind = NoUpdate
		r.res.Release = &rel
		e.logger.Info("no update available",
			slog.String("installed", installed),
			slog.String("latest", rel.Version),
		)
		return rel, false, nil
	}

	e.logger.Info("update available",
		slog.String("installed", installed),
		slog.String("latest", rel.Version),
	)
	return rel, true, nil
}

// fetchLatest queries the resolver under a timeout, retrying network
// failures.
func (e *Engine) fetchLatest(ctx context.Context) (release.Release, error) {
	var lastErr error
	for attempt := 0; attempt <= max(e.cfg.FetchRetries, 0); attempt++ {
		if attempt > 0 {
			recordFetchRetry(ctx)
			e.logger.Warn("retrying release query", slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
		}
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		rel, err := e.cfg.Resolver.FetchLatest(fctx)
		cancel()
		if err == nil {
			return rel, nil
		}
		lastErr = err
		if !errcode.Is(err, errcode.NetworkFailure) || ctx.Err() != nil {
			break
		}
	}
	return release.Release{}, lastErr
}

func (e *Engine) backup(r *run) (*backup.Backup, error) {
	b, err := e.cfg.Backups.CreateBackup(r.ctx, e.cfg.Store.CriticalPaths())
	if err != nil {
		return nil, stageErr(err, StateBackingUp)
	}
	if len(b.Manifest) > 0 && len(b.Verified()) == 0 {
		return b, errcode.New(errcode.BackupVerificationFailure, string(StateBackingUp), b.ID,
			fmt.Errorf("none of %d backup copies could be verified", len(b.Manifest)))
	}
	return b, nil
}

// diff fetches the candidate set once per run and grades it against the
// installed documents.
func (e *Engine) diff(r *run, rel release.Release) error {
	if r.candidate == nil {
		fctx, cancel := context.WithTimeout(r.ctx, e.cfg.FetchTimeout)
		defer cancel()
		candidate, err := e.cfg.Resolver.FetchCandidate(fctx, rel)
		if err != nil {
			return stageErr(err, StateDiffing)
		}
		r.candidate = candidate
	}
	r.res.Diff = e.cfg.Analyzer.DiffSet(r.installed.Docs(), r.candidate)
	return nil
}

func (e *Engine) confirm(r *run) Decision {
	if !r.manual {
		return Defer
	}
	d, err := r.confirmer.Confirm(r.ctx, Prompt{
		TxID:             r.res.TxID,
		InstalledVersion: r.res.InstalledVersion,
		Release:          *r.res.Release,
		Diff:             r.res.Diff,
		Backup:           r.res.Backup,
	})
	if err != nil {
		e.logger.Warn("confirmation failed, cancelling", slog.Any("error", err))
		return Cancel
	}
	switch d {
	case Proceed, Override, Cancel, Defer:
		return d
	default:
		e.logger.Warn("unknown confirmation decision, cancelling", slog.String("decision", string(d)))
		return Cancel
	}
}

// apply merges, writes, verifies and rolls back on failure.
func (e *Engine) apply(r *run, override bool) error {
	e.transition(r, StateApplying, "")

	protected := e.cfg.Analyzer.Policy().Protected
	docs := make(map[string]document.Document)
	expected := make(map[string][]byte)

	paths := make([]string, 0, len(r.candidate))
	for p := range r.candidate {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		base := document.Document{}
		var raw []byte
		if entry, ok := r.installed[p]; ok {
			base, raw = entry.Doc, entry.Raw
		}
		var merged document.Document
		if override {
			merged = e.cfg.Merger.MergeOverride(base, r.candidate[p], r.res.Diff, protected)
		} else {
			merged = e.cfg.Merger.Merge(base, r.candidate[p], r.res.Diff, protected)
		}
		data, err := e.cfg.Store.Encode(p, merged)
		if err != nil {
			return e.rollback(r, stageErr(err, StateApplying))
		}
		if raw != nil && string(raw) == string(data) {
			continue
		}
		docs[p] = merged
		expected[p] = data
	}

	written, err := e.cfg.Store.WriteCriticalSet(r.ctx, docs)
	r.res.Written = written
	if err != nil {
		return e.rollback(r, stageErr(err, StateApplying))
	}

	e.transition(r, StateVerifying, fmt.Sprintf("%d documents written", len(written)))
	for _, p := range written {
		if !e.cfg.Store.VerifyWritten(p, expected[p]) {
			return e.rollback(r, errcode.New(errcode.VerificationFailure, string(StateVerifying), p,
				errors.New("written document differs from merged result")))
		}
	}

	recordWritten(r.ctx, len(written))
	r.res.Kind = Applied
	e.transition(r, StateComplete, "")
	e.transition(r, StateIdle, "")
	e.logger.Info("update applied",
		slog.String("tx_id", r.res.TxID),
		slog.String("version", r.res.Release.Version),
		slog.Int("written", len(written)),
	)
	return nil
}

// rollback restores this transaction's backup after cause.
func (e *Engine) rollback(r *run, cause error) error {
	e.transition(r, StateRollingBack, cause.Error())

	report := e.cfg.Restorer.Rollback(context.WithoutCancel(r.ctx), r.res.Backup)
	r.res.Rollback = report
	recordRollback(r.ctx, report.OK())

	if report.OK() {
		r.res.Kind = RolledBack
		e.transition(r, StateRolledBack, "")
		e.transition(r, StateIdle, "")
		return cause
	}

	r.res.Kind = RollbackFailed
	e.recovery.Store(true)
	e.transition(r, StateRollbackFailed, "manual recovery required")
	e.logger.Error("CRITICAL: rollback failed",
		slog.String("tx_id", r.res.TxID),
		slog.String("backup", r.res.Backup.ID),
		slog.Any("locations", r.res.Backup.Locations),
	)
	return errors.Join(report.Err(r.res.Backup), cause)
}

// RestoreLatest restores the newest backup outside of an update run. A
// successful restore clears a latched rollback failure.
func (e *Engine) RestoreLatest(ctx context.Context) (*rollback.Report, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTransactionInProgress
	}
	defer e.inFlight.Store(false)

	b, err := e.cfg.Backups.Latest()
	if err != nil {
		return nil, err
	}
	report := e.cfg.Restorer.Rollback(ctx, b)
	recordRollback(ctx, report.OK())
	if !report.OK() {
		return report, report.Err(b)
	}

	if e.recovery.CompareAndSwap(true, false) {
		e.mu.Lock()
		from := e.state
		e.state = StateIdle
		e.mu.Unlock()
		e.notify(Event{From: from, State: StateIdle, Message: "recovered from backup " + b.ID, Time: e.cfg.Now()})
	}
	e.logger.Info("backup restored", slog.String("backup", b.ID), slog.Int("restored", len(report.Restored)))
	return report, nil
}

// abort returns to Idle before anything was written.
func (e *Engine) abort(r *run, err error) {
	if err != nil {
		r.res.Kind = Failed
		e.transitionErr(r, StateIdle, "aborted", err)
		return
	}
	e.transition(r, StateIdle, "")
}

func (e *Engine) transition(r *run, to State, msg string) {
	e.transitionErr(r, to, msg, nil)
}

func (e *Engine) transitionErr(r *run, to State, msg string, err error) {
	e.mu.Lock()
	from := e.state
	if !CanTransition(from, to) {
		e.logger.Error("invalid state transition", slog.String("from", string(from)), slog.String("to", string(to)))
	}
	if from == StateRollbackFailed && to == StateIdle {
		// Latched until RestoreLatest succeeds.
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()

	e.cfg.Tracer.Transition(r.ctx, from, to)
	ev := Event{TxID: r.res.TxID, From: from, State: to, Message: msg, Time: e.cfg.Now()}
	if err != nil {
		ev.Err = err.Error()
	}
	e.notify(ev)
}

func (e *Engine) notify(ev Event) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.Notify(ev)
	}
}

func (e *Engine) record(ctx context.Context, res *Result) {
	if e.cfg.History == nil {
		return
	}
	if err := e.cfg.History.RecordAttempt(context.WithoutCancel(ctx), res); err != nil {
		e.logger.Warn("recording update history failed", slog.String("tx_id", res.TxID), slog.Any("error", err))
	}
}

// stageErr tags coded errors with the stage they surfaced in.
func stageErr(err error, s State) error {
	var ce *errcode.Error
	if errors.As(err, &ce) {
		return ce.WithStage(string(s))
	}
	return fmt.Errorf("%s: %w", s, err)
}

func triggerName(manual bool) string {
	if manual {
		return "manual"
	}
	return "automatic"
}
