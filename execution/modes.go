// Package execution runs approved plans step by step, with per-step
// timeouts, transient-failure retry, and a LIFO rollback stack for
// compensating already-applied steps when a later one fails.
package execution

// Mode selects how steps take effect.
type Mode string

// Execution modes.
const (
	// ModeDryRun logs the intention for each step; no side effects.
	ModeDryRun Mode = "DRY_RUN"
	// ModeReal invokes the step's registered adapter.
	ModeReal Mode = "REAL"
	// ModeSimulated sleeps params.simulated_ms and reports success.
	ModeSimulated Mode = "SIMULATED"
)

// IsValid reports whether the mode is a known value.
func (m Mode) IsValid() bool {
	switch m {
	case ModeDryRun, ModeReal, ModeSimulated:
		return true
	}
	return false
}

// RollbackStrategy selects what happens to applied steps when a later
// step fails.
type RollbackStrategy string

// Rollback strategies.
const (
	// RollbackAutomatic pops the stack and compensates in reverse order.
	RollbackAutomatic RollbackStrategy = "AUTOMATIC"
	// RollbackManual pauses the run and preserves the stack for an
	// operator instruction.
	RollbackManual RollbackStrategy = "MANUAL"
	// RollbackNone leaves applied steps as they are.
	RollbackNone RollbackStrategy = "NONE"
)

// IsValid reports whether the strategy is a known value.
func (s RollbackStrategy) IsValid() bool {
	switch s {
	case RollbackAutomatic, RollbackManual, RollbackNone:
		return true
	}
	return false
}

// StepStatus tracks one step through its lifecycle.
type StepStatus string

// Step statuses.
const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// Outcome summarises a whole run.
type Outcome string

// Run outcomes.
const (
	// OutcomeSucceeded: every step succeeded.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeCompensated: a step failed and automatic rollback fully
	// undid the applied steps.
	OutcomeCompensated Outcome = "compensated"
	// OutcomeFailed: a step failed and no compensation ran (NONE).
	OutcomeFailed Outcome = "failed"
	// OutcomePaused: a step failed under MANUAL; the stack is preserved.
	OutcomePaused Outcome = "paused"
	// OutcomeQuarantine: rollback itself failed; the plan belongs in the
	// dead-letter queue.
	OutcomeQuarantine Outcome = "quarantine"
)
