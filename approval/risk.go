// Package approval decides, for every generated plan, whether it may
// proceed unattended: auto-approve, require a human, auto-reject, or
// escalate. Decisions come from an ordered rule list driven by a
// numeric risk score.
package approval

import (
	"github.com/vaultflow/vaultflow/vault"
)

// typeScores weights the inherent risk of each action type. Unknown
// and "other" actions sit in the middle.
var typeScores = map[vault.ActionType]int{
	vault.ActionEmailResponse:    1,
	vault.ActionFollowUp:         1,
	vault.ActionMeetingRequest:   2,
	vault.ActionDocumentCreation: 3,
	vault.ActionDataAnalysis:     4,
	vault.ActionReportGeneration: 4,
	vault.ActionOther:            2,
}

// Score computes the additive risk score for an action: type weight,
// duration, priority, and external origin.
func Score(a *vault.Action) int {
	score := typeScores[a.Type]

	switch d := a.EstimatedDurationMin; {
	case d > 180:
		score += 3
	case d > 120:
		score += 2
	case d > 60:
		score += 1
	}

	switch a.Priority {
	case vault.PriorityHigh:
		score += 2
	case vault.PriorityCritical:
		score += 3
	}

	if a.Source == "external" {
		score += 1
	}
	return score
}

// Level buckets a score into a risk level: 0-3 low, 4-5 medium,
// 6-7 high, 8+ critical.
func Level(score int) vault.RiskLevel {
	switch {
	case score >= 8:
		return vault.RiskCritical
	case score >= 6:
		return vault.RiskHigh
	case score >= 4:
		return vault.RiskMedium
	}
	return vault.RiskLow
}

// Assess scores an action and buckets the result.
func Assess(a *vault.Action) (int, vault.RiskLevel) {
	score := Score(a)
	return score, Level(score)
}
