// Package errcode defines the coded errors shared by the update engine.
//
// Every failure that crosses a component boundary carries a Code, the stage
// it happened in and, when relevant, the document path involved. Callers can
// log or display an *Error without re-deriving engine state, and match on
// codes with errors.Is:
//
//	if errors.Is(err, errcode.New(errcode.NetworkFailure, "", "", nil)) { ... }
//
// or more conveniently with errcode.Is(err, errcode.NetworkFailure).
package errcode

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class. Codes are strings so they serialise
// naturally into JSON results and logs.
type Code string

const (
	// Release query.

	// NetworkFailure: the release source could not be reached or answered non-200.
	NetworkFailure Code = "NETWORK_FAILURE"
	// MalformedResponse: the release source answered with an undecodable body.
	MalformedResponse Code = "MALFORMED_RESPONSE"

	// Backup.

	// NoCriticalFilesFound: none of the critical documents exist on disk.
	NoCriticalFilesFound Code = "NO_CRITICAL_FILES_FOUND"
	// BackupWriteFailure: the backup directory or manifest could not be written.
	BackupWriteFailure Code = "BACKUP_WRITE_FAILURE"
	// BackupVerificationFailure: no backup copy could be verified against its source.
	BackupVerificationFailure Code = "BACKUP_VERIFICATION_FAILURE"

	// Document store.

	// NotFound: a requested document does not exist.
	NotFound Code = "NOT_FOUND"
	// ParseError: a document exists but cannot be decoded.
	ParseError Code = "PARSE_ERROR"
	// WriteFailure: a document could not be written.
	WriteFailure Code = "WRITE_FAILURE"
	// VerificationFailure: a written document does not match the expected bytes.
	VerificationFailure Code = "VERIFICATION_FAILURE"

	// Orchestration.

	// RollbackFailure: restoring the backup failed; manual recovery is required.
	RollbackFailure Code = "ROLLBACK_FAILURE"
	// TransactionInProgress: another update transaction is running for the workspace.
	TransactionInProgress Code = "TRANSACTION_IN_PROGRESS"
	// RecoveryRequired: a previous rollback failed and has not been resolved.
	RecoveryRequired Code = "RECOVERY_REQUIRED"
	// InvalidConfig: engine configuration is unusable.
	InvalidConfig Code = "INVALID_CONFIGURATION"
)

// Error is a coded failure with enough context to be displayed on its own.
type Error struct {
	Code  Code
	Stage string
	Path  string
	Err   error
}

// New builds a coded error. Stage, path and cause are optional.
func New(code Code, stage, path string, err error) *Error {
	return &Error{Code: code, Stage: stage, Path: path, Err: err}
}

// Error renders "stage: CODE path: cause" omitting empty parts.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithStage returns a copy of e tagged with stage, keeping an existing stage.
func (e *Error) WithStage(stage string) *Error {
	if e.Stage != "" {
		return e
	}
	cp := *e
	cp.Stage = stage
	return &cp
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
