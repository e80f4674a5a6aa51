// Package history keeps a ledger of update attempts in SQLite.
//
// Every CheckAndOffer outcome is recorded as one row, including the
// backup it took and the error code it ended with, so that "what happened
// to my metadata last Tuesday" can be answered after the process exits.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AIQIA/corex-ai-mindlayer/internal/engine"
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const timeLayout = time.RFC3339Nano

// Entry is one recorded attempt.
type Entry struct {
	ID               int64  `json:"id"`
	TxID             string `json:"tx_id"`
	WorkspaceID      string `json:"workspace_id"`
	Kind             string `json:"kind"`
	Trigger          string `json:"trigger"`
	InstalledVersion string `json:"installed_version,omitempty"`
	ReleaseVersion   string `json:"release_version,omitempty"`
	Risk             string `json:"risk,omitempty"`
	Decision         string `json:"decision,omitempty"`
	BackupID         string `json:"backup_id,omitempty"`
	FilesWritten     int    `json:"files_written"`
	ErrorCode        string `json:"error_code,omitempty"`
	Error            string `json:"error,omitempty"`
	StartedAt        string `json:"started_at"`
	FinishedAt       string `json:"finished_at"`
}

// Filter narrows List.
type Filter struct {
	Kind  string
	Limit int
}

// Stats counts attempts per outcome.
type Stats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
	// LastApplied is the release version of the newest applied attempt.
	LastApplied string `json:"last_applied,omitempty"`
}

// Config holds ledger configuration.
type Config struct {
	// Path is the database file. Its directory is created if needed.
	Path        string
	WorkspaceID string
}

// Ledger is the SQLite-backed attempt history for one workspace.
type Ledger struct {
	db          *sql.DB
	workspaceID string
}

// Open opens or creates the ledger database and runs migrations.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errcode.New(errcode.InvalidConfig, "", "", errors.New("history: database path is empty"))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	l := &Ledger{db: db, workspaceID: cfg.WorkspaceID}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS attempts (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			tx_id             TEXT    NOT NULL UNIQUE,
			workspace_id      TEXT    NOT NULL,
			kind              TEXT    NOT NULL,
			trigger_name      TEXT    NOT NULL,
			installed_version TEXT,
			release_version   TEXT,
			risk              TEXT,
			decision          TEXT,
			backup_id         TEXT,
			files_written     INTEGER NOT NULL DEFAULT 0,
			error_code        TEXT,
			error             TEXT,
			started_at        TEXT    NOT NULL,
			finished_at       TEXT    NOT NULL,
			result_json       TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_workspace ON attempts(workspace_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_attempts_kind ON attempts(kind);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordAttempt stores res. Recording the same transaction twice replaces
// the earlier row.
func (l *Ledger) RecordAttempt(ctx context.Context, res *engine.Result) error {
	if res == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("history: marshal result: %w", err)
	}

	var releaseVersion, risk, backupID string
	if res.Release != nil {
		releaseVersion = res.Release.Version
	}
	if res.Diff != nil {
		risk = string(res.Diff.RiskLevel)
	}
	if res.Backup != nil {
		backupID = res.Backup.ID
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attempts
			(tx_id, workspace_id, kind, trigger_name, installed_version, release_version,
			 risk, decision, backup_id, files_written, error_code, error,
			 started_at, finished_at, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TxID, l.workspaceID, string(res.Kind), res.Trigger,
		nullable(res.InstalledVersion), nullable(releaseVersion),
		nullable(risk), nullable(string(res.Decision)), nullable(backupID),
		len(res.Written), nullable(string(res.ErrorCode)), nullable(res.Error),
		res.StartedAt.UTC().Format(timeLayout), res.FinishedAt.UTC().Format(timeLayout),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("history: insert attempt: %w", err)
	}
	return nil
}

// List returns this workspace's attempts, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	query := `
		SELECT id, tx_id, workspace_id, kind, trigger_name,
		       ifnull(installed_version, ''), ifnull(release_version, ''),
		       ifnull(risk, ''), ifnull(decision, ''), ifnull(backup_id, ''),
		       files_written, ifnull(error_code, ''), ifnull(error, ''),
		       started_at, finished_at
		FROM attempts
		WHERE workspace_id = ?`
	args := []any{l.workspaceID}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list attempts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TxID, &e.WorkspaceID, &e.Kind, &e.Trigger,
			&e.InstalledVersion, &e.ReleaseVersion, &e.Risk, &e.Decision, &e.BackupID,
			&e.FilesWritten, &e.ErrorCode, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("history: scan attempt: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Result returns the full stored result of one transaction.
func (l *Ledger) Result(ctx context.Context, txID string) (*engine.Result, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT result_json FROM attempts WHERE tx_id = ? AND workspace_id = ?`,
		txID, l.workspaceID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcode.New(errcode.NotFound, "", txID, errors.New("no such update attempt"))
	}
	if err != nil {
		return nil, fmt.Errorf("history: get attempt: %w", err)
	}

	var res engine.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("history: decode attempt: %w", err)
	}
	return &res, nil
}

// Stats aggregates this workspace's attempts.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM attempts WHERE workspace_id = ? GROUP BY kind`, l.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("history: stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByKind: map[string]int{}}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("history: scan stats: %w", err)
		}
		st.ByKind[kind] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = l.db.QueryRowContext(ctx, `
		SELECT ifnull(release_version, '') FROM attempts
		WHERE workspace_id = ? AND kind = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		l.workspaceID, string(engine.Applied),
	).Scan(&st.LastApplied)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: last applied: %w", err)
	}
	return st, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
