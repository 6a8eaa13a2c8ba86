// Package workflow implements the transition engine at the heart of the
// pipeline: the state machine, per-stem locking, atomic folder moves,
// retry with backoff, the dead-letter queue and correlation tracking.
package workflow

import (
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/vault"
)

// State is a workflow state. The folder a file sits in is its state;
// some states share a folder and are distinguished by the correlation
// tracker (e.g. ACTION_PROCESSING stays in Needs_Action while plan
// generation runs).
type State string

// Workflow states.
const (
	StateInbox            State = "INBOX"
	StateNeedsAction      State = "NEEDS_ACTION"
	StateActionProcessing State = "ACTION_PROCESSING"
	StatePlans            State = "PLANS"
	StatePendingApproval  State = "PENDING_APPROVAL"
	StateApprovalReview   State = "APPROVAL_REVIEW"
	StateApproved         State = "APPROVED"
	StateRejected         State = "REJECTED"
	StateExecutionPending State = "EXECUTION_PENDING"
	StateExecuting        State = "EXECUTING"
	StateExecuted         State = "EXECUTED"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
	StateRetry            State = "RETRY"
	StateDeadLetter       State = "DEAD_LETTER"
	StateArchived         State = "ARCHIVED"
)

// AllStates lists every state.
var AllStates = []State{
	StateInbox, StateNeedsAction, StateActionProcessing, StatePlans,
	StatePendingApproval, StateApprovalReview, StateApproved, StateRejected,
	StateExecutionPending, StateExecuting, StateExecuted, StateDone,
	StateFailed, StateRetry, StateDeadLetter, StateArchived,
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := stateFolders[s]
	return ok
}

// Terminal reports whether the pipeline is complete for a stem in s.
// DONE still has an archival edge; terminal means no further processing.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateArchived, StateDeadLetter:
		return true
	}
	return false
}

// stateFolders maps each state to the folder that holds its file.
// Processing states share the folder of the stage they operate on.
var stateFolders = map[State]string{
	StateInbox:            vault.FolderInbox,
	StateNeedsAction:      vault.FolderNeedsAction,
	StateActionProcessing: vault.FolderNeedsAction,
	StatePlans:            vault.FolderPlans,
	StatePendingApproval:  vault.FolderPendingApproval,
	StateApprovalReview:   vault.FolderPendingApproval,
	StateApproved:         vault.FolderApproved,
	StateRejected:         vault.FolderRejected,
	StateExecutionPending: vault.FolderApproved,
	StateExecuting:        vault.FolderApproved,
	StateExecuted:         vault.FolderDone,
	StateDone:             vault.FolderDone,
	StateFailed:           vault.FolderFailed,
	StateRetry:            vault.FolderRetry,
	StateDeadLetter:       vault.FolderDeadLetter,
	StateArchived:         vault.FolderArchived,
}

// Folder returns the vault folder backing the state ("" for unknown).
func (s State) Folder() string { return stateFolders[s] }

// matrix holds the valid transition edges. RETRY is special-cased in
// ValidEdge: it may return to the state that failed into it, which the
// matrix cannot express statically.
var matrix = map[State][]State{
	StateInbox:            {StateNeedsAction, StateFailed},
	StateNeedsAction:      {StateActionProcessing, StateFailed},
	StateActionProcessing: {StatePlans, StateFailed, StateRetry},
	StatePlans:            {StatePendingApproval, StateExecutionPending, StateFailed},
	StatePendingApproval:  {StateApprovalReview, StateFailed},
	StateApprovalReview:   {StateApproved, StateRejected, StateFailed},
	StateApproved:         {StateExecuting, StateFailed},
	StateExecutionPending: {StateExecuting, StateFailed},
	StateExecuting:        {StateExecuted, StateFailed, StateRetry},
	StateExecuted:         {StateDone, StateFailed},
	StateDone:             {StateArchived},
	StateRejected:         {StateArchived, StateDeadLetter},
	StateFailed:           {StateRetry, StateDeadLetter},
}

// ValidEdge reports whether from → to is in the transition matrix.
// RETRY may exit to the dead-letter queue or to any non-terminal state;
// the engine further restricts the latter to the recorded source state
// when the correlation tracker knows it.
func ValidEdge(from, to State) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == StateRetry {
		return to == StateDeadLetter || !to.Terminal()
	}
	for _, t := range matrix[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EventFor maps a completed transition to the bus event announcing it.
// extra carries payload fields required by the mapping; ok is false for
// transitions with no announced event.
func EventFor(from, to State) (t bus.Type, extra map[string]any, ok bool) {
	switch {
	case to == StateDeadLetter:
		return bus.ActionFailed, map[string]any{"terminal": true}, true
	case to == StateFailed:
		return bus.ActionFailed, nil, true
	case from == StateInbox && to == StateNeedsAction:
		return bus.ActionGenerated, nil, true
	case from == StateActionProcessing && to == StatePlans:
		return bus.PlanCreated, nil, true
	case from == StatePlans && to == StatePendingApproval:
		return bus.ApprovalRequired, nil, true
	case from == StateApprovalReview && to == StateApproved:
		return bus.ActionApproved, nil, true
	case from == StatePlans && to == StateExecutionPending:
		// Auto-approved plans skip Pending_Approval; the execution
		// engine still keys off action.approved.
		return bus.ActionApproved, map[string]any{"auto": true}, true
	case from == StateExecuted && to == StateDone:
		return bus.PlanExecutionCompleted, nil, true
	}
	return "", nil, false
}
