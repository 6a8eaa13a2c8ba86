// Package planner turns actions into plans. The LLM-backed planner is
// an external collaborator; the template planner here produces
// deterministic per-type step sequences so the pipeline runs end to end
// without one.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaultflow/vaultflow/vault"
)

// Planner produces a plan for an action.
type Planner interface {
	Plan(ctx context.Context, action *vault.Action) (*vault.Plan, error)
}

// TemplatePlanner maps each action type to a fixed step sequence.
type TemplatePlanner struct {
	logger *slog.Logger
}

// NewTemplatePlanner creates a template planner.
func NewTemplatePlanner(logger *slog.Logger) *TemplatePlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplatePlanner{logger: logger}
}

// Plan builds a plan whose steps follow the action type's template.
// The plan's correlation id is the action id, keeping the whole journey
// under one stem.
func (p *TemplatePlanner) Plan(_ context.Context, action *vault.Action) (*vault.Plan, error) {
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	now := time.Now().UTC()
	plan := &vault.Plan{
		ActionID:             action.ID,
		ID:                   uuid.New().String(),
		Status:               vault.PlanPlanned,
		CreatedAt:            now,
		UpdatedAt:            now,
		EstimatedDurationMin: action.EstimatedDurationMin,
		Steps:                stepsFor(action),
		CorrelationID:        action.ID,
		Body:                 bodyFor(action),
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("generated plan invalid: %w", err)
	}
	p.logger.Debug("plan generated",
		slog.String("action_id", action.ID),
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Steps)))
	return plan, nil
}

func stepsFor(action *vault.Action) []vault.Step {
	switch action.Type {
	case vault.ActionEmailResponse, vault.ActionFollowUp:
		return []vault.Step{
			{Index: 0, Kind: vault.StepFile, Params: map[string]any{"op": "draft_reply"},
				Reversible: true, RollbackParams: map[string]any{"op": "delete_draft"}},
			{Index: 1, Kind: vault.StepEmail, Params: map[string]any{"op": "send"}},
		}
	case vault.ActionMeetingRequest:
		return []vault.Step{
			{Index: 0, Kind: vault.StepCalendar, Params: map[string]any{"op": "create_event"},
				Reversible: true, RollbackParams: map[string]any{"op": "delete_event"}},
			{Index: 1, Kind: vault.StepEmail, Params: map[string]any{"op": "send_invite"}},
		}
	case vault.ActionDocumentCreation:
		return []vault.Step{
			{Index: 0, Kind: vault.StepFile, Params: map[string]any{"op": "create_document"},
				Reversible: true, RollbackParams: map[string]any{"op": "delete_document"}},
		}
	case vault.ActionDataAnalysis, vault.ActionReportGeneration:
		return []vault.Step{
			{Index: 0, Kind: vault.StepScript, Params: map[string]any{"op": "run_analysis"}},
			{Index: 1, Kind: vault.StepFile, Params: map[string]any{"op": "write_report"},
				Reversible: true, RollbackParams: map[string]any{"op": "delete_report"}},
		}
	default:
		return []vault.Step{
			{Index: 0, Kind: vault.StepFile, Params: map[string]any{"op": "record_note"},
				Reversible: true, RollbackParams: map[string]any{"op": "delete_note"}},
		}
	}
}

func bodyFor(action *vault.Action) string {
	return fmt.Sprintf(`# Objectives
Fulfil %s action %s from %s.

# Steps
See front matter.

# Resources
Vault pipeline, %s adapter.

# Success Criteria
All steps succeed; results land in Done.
`, action.Type, action.ID, action.Source, action.Type)
}
