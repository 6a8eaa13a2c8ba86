package approval

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultflow/vaultflow/vault"
)

// NewRecord builds the approval sidecar for a plan from an evaluation.
// The record starts unresolved; Resolve is called when a human (or the
// engine, for automatic decisions) settles it.
func NewRecord(plan *vault.Plan, ev Evaluation) *vault.Approval {
	return &vault.Approval{
		ID:          uuid.New().String(),
		ActionID:    plan.ActionID,
		PlanID:      plan.ID,
		Decision:    ev.Decision,
		RiskLevel:   ev.RiskLevel,
		Reason:      ev.Reason,
		Approvers:   ev.Approvers,
		RequestedAt: time.Now().UTC(),
		Body:        recordBody(plan, ev),
	}
}

func recordBody(plan *vault.Plan, ev Evaluation) string {
	return fmt.Sprintf(`# Review Notes

Plan %s requires a decision.

- Risk: %s (score %d)
- Matched rule: %s
- Steps: %d

Approve by moving the plan file to Approved, or use the CLI.
`, plan.ID, ev.RiskLevel, ev.RiskScore, ev.MatchedRuleID, len(plan.Steps))
}
