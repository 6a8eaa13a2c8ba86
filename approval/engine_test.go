package approval

import (
	"testing"

	"github.com/vaultflow/vaultflow/vault"
)

func testAction(typ vault.ActionType, prio vault.Priority, durationMin int, source string) *vault.Action {
	a := vault.NewAction(typ, prio, source)
	a.EstimatedDurationMin = durationMin
	return a
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name      string
		action    *vault.Action
		wantScore int
		wantLevel vault.RiskLevel
	}{
		{"quick email", testAction(vault.ActionEmailResponse, vault.PriorityLow, 10, "inbox"), 1, vault.RiskLow},
		{"meeting", testAction(vault.ActionMeetingRequest, vault.PriorityMedium, 30, "inbox"), 2, vault.RiskLow},
		{"long analysis", testAction(vault.ActionDataAnalysis, vault.PriorityMedium, 150, "inbox"), 6, vault.RiskHigh},
		{"very long analysis", testAction(vault.ActionDataAnalysis, vault.PriorityMedium, 200, "inbox"), 7, vault.RiskHigh},
		{"critical report", testAction(vault.ActionReportGeneration, vault.PriorityCritical, 70, "inbox"), 8, vault.RiskCritical},
		{"external bump", testAction(vault.ActionEmailResponse, vault.PriorityLow, 10, "external"), 2, vault.RiskLow},
		{"high priority doc", testAction(vault.ActionDocumentCreation, vault.PriorityHigh, 0, "inbox"), 5, vault.RiskMedium},
		{"boundary 60min", testAction(vault.ActionEmailResponse, vault.PriorityLow, 60, "inbox"), 1, vault.RiskLow},
		{"boundary 61min", testAction(vault.ActionEmailResponse, vault.PriorityLow, 61, "inbox"), 2, vault.RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, level := Assess(tt.action)
			if score != tt.wantScore {
				t.Errorf("Score = %d, want %d", score, tt.wantScore)
			}
			if level != tt.wantLevel {
				t.Errorf("Level = %s, want %s", level, tt.wantLevel)
			}
		})
	}
}

func TestDefaultRulesDecisions(t *testing.T) {
	e, err := NewEngine(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		action       *vault.Action
		wantDecision vault.Decision
		wantRule     string
	}{
		{
			"quick email auto-approves",
			testAction(vault.ActionEmailResponse, vault.PriorityLow, 10, "inbox"),
			vault.DecisionAutoApprove, "quick-email",
		},
		{
			"low-risk followup auto-approves",
			testAction(vault.ActionFollowUp, vault.PriorityLow, 5, "inbox"),
			vault.DecisionAutoApprove, "low-risk-followup",
		},
		{
			"long work requires approval",
			testAction(vault.ActionMeetingRequest, vault.PriorityLow, 180, "inbox"),
			vault.DecisionRequireApproval, "duration>120",
		},
		{
			"analysis requires approval",
			testAction(vault.ActionDataAnalysis, vault.PriorityLow, 20, "inbox"),
			vault.DecisionRequireApproval, "analysis-types",
		},
		{
			"high risk requires approval",
			testAction(vault.ActionDocumentCreation, vault.PriorityHigh, 90, "inbox"),
			vault.DecisionRequireApproval, "high-risk",
		},
		{
			"critical risk escalates",
			testAction(vault.ActionReportGeneration, vault.PriorityCritical, 200, "inbox"),
			vault.DecisionEscalate, "critical-risk",
		},
		{
			"no match falls back to human",
			testAction(vault.ActionMeetingRequest, vault.PriorityLow, 45, "inbox"),
			vault.DecisionRequireApproval, DefaultRuleID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := e.Evaluate(tt.action)
			if ev.Decision != tt.wantDecision {
				t.Errorf("Decision = %s, want %s", ev.Decision, tt.wantDecision)
			}
			if ev.MatchedRuleID != tt.wantRule {
				t.Errorf("MatchedRuleID = %s, want %s", ev.MatchedRuleID, tt.wantRule)
			}
			if !ev.RiskLevel.IsValid() {
				t.Errorf("invalid risk level %q", ev.RiskLevel)
			}
		})
	}
}

func TestHighDurationDataAnalysisScenario(t *testing.T) {
	// type data_analysis with 180 min: risk is high (4+2), so the
	// high-risk rule outranks duration>120.
	e, err := NewEngine(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := e.Evaluate(testAction(vault.ActionDataAnalysis, vault.PriorityMedium, 180, "inbox"))
	if ev.Decision != vault.DecisionRequireApproval {
		t.Errorf("Decision = %s, want require_approval", ev.Decision)
	}
	if ev.RiskLevel != vault.RiskHigh {
		t.Errorf("RiskLevel = %s, want high", ev.RiskLevel)
	}
}

func TestReloadSwapsRules(t *testing.T) {
	e, err := NewEngine(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	custom := []Rule{{
		RuleID:   "reject-everything",
		Name:     "lockdown",
		Priority: 1,
		Decision: vault.DecisionAutoReject,
	}}
	if err := e.Reload(custom); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	ev := e.Evaluate(testAction(vault.ActionEmailResponse, vault.PriorityLow, 5, "inbox"))
	if ev.Decision != vault.DecisionAutoReject || ev.MatchedRuleID != "reject-everything" {
		t.Errorf("after reload: %+v", ev)
	}
}

func TestReloadRejectsBadRules(t *testing.T) {
	e, err := NewEngine(nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty list", nil},
		{"missing id", []Rule{{Decision: vault.DecisionAutoApprove}}},
		{"bad decision", []Rule{{RuleID: "x", Decision: "sometimes"}}},
		{"duplicate id", []Rule{
			{RuleID: "x", Decision: vault.DecisionAutoApprove},
			{RuleID: "x", Decision: vault.DecisionAutoReject},
		}},
		{"bad action type", []Rule{{RuleID: "x", Decision: vault.DecisionAutoApprove,
			ActionTypes: []vault.ActionType{"telepathy"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Reload(tt.rules); err == nil {
				t.Error("Reload() accepted invalid rules")
			}
		})
	}
	// The previous good rules survive a failed reload.
	ev := e.Evaluate(testAction(vault.ActionEmailResponse, vault.PriorityLow, 5, "inbox"))
	if ev.MatchedRuleID != "quick-email" {
		t.Errorf("rules corrupted by failed reload: matched %s", ev.MatchedRuleID)
	}
}

func TestRulePriorityOrdering(t *testing.T) {
	e, err := NewEngine([]Rule{
		{RuleID: "late", Priority: 100, Decision: vault.DecisionAutoReject},
		{RuleID: "early", Priority: 1, Decision: vault.DecisionAutoApprove},
	}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := e.Evaluate(testAction(vault.ActionOther, vault.PriorityLow, 0, "inbox"))
	if ev.MatchedRuleID != "early" {
		t.Errorf("matched %s, want early (lowest priority value wins)", ev.MatchedRuleID)
	}
}
