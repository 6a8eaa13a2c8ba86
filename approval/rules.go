package approval

import (
	"fmt"

	"github.com/vaultflow/vaultflow/vault"
)

// Rule is one entry in the ordered approval rule list. Lower priority
// values match first. Zero-valued predicate fields do not constrain.
//
// Duration bounds are strict: MinDurationMin matches durations above
// the bound, MaxDurationMin matches durations below it, mirroring the
// "duration >120" and "duration <30" shapes of the built-in rules.
type Rule struct {
	RuleID         string             `yaml:"rule_id"`
	Name           string             `yaml:"name"`
	Priority       int                `yaml:"priority"`
	ActionTypes    []vault.ActionType `yaml:"action_types,omitempty"`
	MinRiskLevel   vault.RiskLevel    `yaml:"min_risk_level,omitempty"`
	MaxRiskLevel   vault.RiskLevel    `yaml:"max_risk_level,omitempty"`
	MinDurationMin int                `yaml:"min_duration_min,omitempty"`
	MaxDurationMin int                `yaml:"max_duration_min,omitempty"`
	Decision       vault.Decision     `yaml:"decision"`
	Approvers      []string           `yaml:"approvers,omitempty"`
}

// Validate checks the rule's shape.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return &vault.ValidationError{Field: "rule_id", Message: "required"}
	}
	if !r.Decision.IsValid() {
		return &vault.ValidationError{Field: "decision", Message: fmt.Sprintf("rule %s: unknown decision %q", r.RuleID, r.Decision)}
	}
	for _, t := range r.ActionTypes {
		if !t.IsValid() {
			return &vault.ValidationError{Field: "action_types", Message: fmt.Sprintf("rule %s: unknown action type %q", r.RuleID, t)}
		}
	}
	if r.MinRiskLevel != "" && !r.MinRiskLevel.IsValid() {
		return &vault.ValidationError{Field: "min_risk_level", Message: fmt.Sprintf("rule %s: unknown risk level %q", r.RuleID, r.MinRiskLevel)}
	}
	if r.MaxRiskLevel != "" && !r.MaxRiskLevel.IsValid() {
		return &vault.ValidationError{Field: "max_risk_level", Message: fmt.Sprintf("rule %s: unknown risk level %q", r.RuleID, r.MaxRiskLevel)}
	}
	return nil
}

// matches reports whether every predicate of the rule holds.
func (r Rule) matches(actionType vault.ActionType, risk vault.RiskLevel, durationMin int) bool {
	if len(r.ActionTypes) > 0 {
		found := false
		for _, t := range r.ActionTypes {
			if t == actionType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinRiskLevel != "" && !risk.AtLeast(r.MinRiskLevel) {
		return false
	}
	if r.MaxRiskLevel != "" && !r.MaxRiskLevel.AtLeast(risk) {
		return false
	}
	if r.MinDurationMin > 0 && durationMin <= r.MinDurationMin {
		return false
	}
	if r.MaxDurationMin > 0 && durationMin >= r.MaxDurationMin {
		return false
	}
	return true
}

// DefaultRules returns the built-in rule set, priority ascending.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:       "critical-risk",
			Name:         "Escalate critical risk",
			Priority:     10,
			MinRiskLevel: vault.RiskCritical,
			Decision:     vault.DecisionEscalate,
			Approvers:    []string{"owner"},
		},
		{
			RuleID:       "high-risk",
			Name:         "High risk needs a human",
			Priority:     20,
			MinRiskLevel: vault.RiskHigh,
			Decision:     vault.DecisionRequireApproval,
		},
		{
			RuleID:         "duration>120",
			Name:           "Long-running work needs a human",
			Priority:       30,
			MinDurationMin: 120,
			Decision:       vault.DecisionRequireApproval,
		},
		{
			RuleID:      "analysis-types",
			Name:        "Analysis and reporting need a human",
			Priority:    40,
			ActionTypes: []vault.ActionType{vault.ActionDataAnalysis, vault.ActionReportGeneration},
			Decision:    vault.DecisionRequireApproval,
		},
		{
			RuleID:         "quick-email",
			Name:           "Short email responses run unattended",
			Priority:       50,
			ActionTypes:    []vault.ActionType{vault.ActionEmailResponse},
			MaxDurationMin: 30,
			Decision:       vault.DecisionAutoApprove,
		},
		{
			RuleID:         "low-risk-followup",
			Name:           "Short low-risk follow-ups run unattended",
			Priority:       60,
			ActionTypes:    []vault.ActionType{vault.ActionFollowUp},
			MaxRiskLevel:   vault.RiskLow,
			MaxDurationMin: 30,
			Decision:       vault.DecisionAutoApprove,
		},
	}
}
