package engine

import (
	"github.com/AIQIA/corex-ai-mindlayer/internal/errcode"
)

// State is a stage of the update transaction.
type State string

const (
	StateIdle                 State = "idle"
	StateChecking             State = "checking"
	StateBackingUp            State = "backing-up"
	StateDiffing              State = "diffing"
	StateAwaitingConfirmation State = "awaiting-confirmation"
	StateApplying             State = "applying"
	StateVerifying            State = "verifying"
	StateComplete             State = "complete"
	StateRollingBack          State = "rolling-back"
	StateRolledBack           State = "rolled-back"
	StateRollbackFailed       State = "rollback-failed"
	StateCancelled            State = "cancelled"
)

// validTransitions defines the allowed state machine transitions. Any state
// may also abort to Idle before anything was written.
var validTransitions = map[State][]State{
	StateIdle:                 {StateChecking},
	StateChecking:             {StateBackingUp, StateIdle},
	StateBackingUp:            {StateDiffing, StateIdle},
	StateDiffing:              {StateApplying, StateAwaitingConfirmation, StateIdle},
	StateAwaitingConfirmation: {StateApplying, StateCancelled, StateIdle},
	StateApplying:             {StateVerifying, StateRollingBack},
	StateVerifying:            {StateComplete, StateRollingBack},
	StateRollingBack:          {StateRolledBack, StateRollbackFailed},
	StateComplete:             {StateIdle},
	StateRolledBack:           {StateIdle},
	StateCancelled:            {StateIdle},
	StateRollbackFailed:       {StateIdle},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decision is the answer given at the confirmation gate.
type Decision string

const (
	// Proceed applies the safe merge.
	Proceed Decision = "proceed"
	// Override applies the merge and also accepts the candidate's removals
	// outside protected paths.
	Override Decision = "override"
	// Cancel abandons the update. Nothing is written.
	Cancel Decision = "cancel"
	// Defer leaves the update on offer for a later manual run.
	Defer Decision = "defer"
)

// ResultKind is the machine-readable outcome of CheckAndOffer.
type ResultKind string

const (
	NoUpdate       ResultKind = "no-update"
	Offered        ResultKind = "offered"
	Applied        ResultKind = "applied"
	Cancelled      ResultKind = "cancelled"
	RolledBack     ResultKind = "rolled-back"
	RollbackFailed ResultKind = "rollback-failed"
	// Failed means the run aborted before anything was written.
	Failed ResultKind = "failed"
)

var (
	// ErrTransactionInProgress is returned when an update is already running.
	ErrTransactionInProgress = errcode.New(errcode.TransactionInProgress, "", "", errTxRunning)
	// ErrRecoveryRequired is returned while a failed rollback is unresolved.
	ErrRecoveryRequired = errcode.New(errcode.RecoveryRequired, "", "", errRecovery)
)
