package planner

import (
	"context"
	"testing"

	"github.com/vaultflow/vaultflow/vault"
)

func TestTemplatePlannerPerType(t *testing.T) {
	p := NewTemplatePlanner(nil)
	tests := []struct {
		typ       vault.ActionType
		wantSteps int
	}{
		{vault.ActionEmailResponse, 2},
		{vault.ActionFollowUp, 2},
		{vault.ActionMeetingRequest, 2},
		{vault.ActionDocumentCreation, 1},
		{vault.ActionDataAnalysis, 2},
		{vault.ActionReportGeneration, 2},
		{vault.ActionOther, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			action := vault.NewAction(tt.typ, vault.PriorityMedium, "test")
			plan, err := p.Plan(context.Background(), action)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(plan.Steps) != tt.wantSteps {
				t.Errorf("steps = %d, want %d", len(plan.Steps), tt.wantSteps)
			}
			if plan.ActionID != action.ID {
				t.Error("plan not linked to action")
			}
			if plan.CorrelationID != action.ID {
				t.Error("correlation id should be the action id")
			}
			if err := plan.Validate(); err != nil {
				t.Errorf("generated plan invalid: %v", err)
			}
		})
	}
}

func TestTemplatePlannerRejectsInvalidAction(t *testing.T) {
	p := NewTemplatePlanner(nil)
	action := vault.NewAction(vault.ActionOther, vault.PriorityMedium, "test")
	action.ID = "not-a-uuid"
	if _, err := p.Plan(context.Background(), action); err == nil {
		t.Error("Plan() accepted an invalid action")
	}
}
