package approval

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/metrics"
	"github.com/vaultflow/vaultflow/vault"
)

// DefaultRuleID names the fallback when no rule matches.
const DefaultRuleID = "default"

// Evaluation is the outcome of running the rule list over an action.
type Evaluation struct {
	Decision      vault.Decision
	MatchedRuleID string
	Reason        string
	RiskLevel     vault.RiskLevel
	RiskScore     int
	Approvers     []string
}

// Engine evaluates actions against an ordered rule list. Reload swaps
// the whole list atomically, so a SIGHUP mid-evaluation is safe.
type Engine struct {
	aud    *audit.Log
	met    *metrics.Metrics
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule
}

// NewEngine builds an engine with the given rules (nil means the
// built-in defaults). aud and met may be nil.
func NewEngine(rules []Rule, aud *audit.Log, met *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{aud: aud, met: met, logger: logger}
	if rules == nil {
		rules = DefaultRules()
	}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload validates and atomically installs a new rule list, sorted by
// ascending priority.
func (e *Engine) Reload(rules []Rule) error {
	if len(rules) == 0 {
		return &vault.ValidationError{Field: "approval.rules", Message: "rule list must not be empty"}
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.RuleID] {
			return &vault.ValidationError{Field: "rule_id", Message: fmt.Sprintf("duplicate rule id %q", r.RuleID)}
		}
		seen[r.RuleID] = true
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()

	if e.aud != nil {
		e.aud.Record(audit.EventRulesReloaded, "approval-engine", "reload", "rules", "", "",
			map[string]any{"count": len(sorted)})
	}
	e.logger.Info("approval rules installed", slog.Int("count", len(sorted)))
	return nil
}

// Rules returns a copy of the active rule list.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs the rule list over the action; first match wins. With
// no match, the decision is require_approval under the default rule.
func (e *Engine) Evaluate(a *vault.Action) Evaluation {
	score, level := Assess(a)

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.matches(a.Type, level, a.EstimatedDurationMin) {
			continue
		}
		ev := Evaluation{
			Decision:      r.Decision,
			MatchedRuleID: r.RuleID,
			Reason:        r.Name,
			RiskLevel:     level,
			RiskScore:     score,
			Approvers:     r.Approvers,
		}
		e.observe(a, ev)
		return ev
	}

	ev := Evaluation{
		Decision:      vault.DecisionRequireApproval,
		MatchedRuleID: DefaultRuleID,
		Reason:        "no rule matched",
		RiskLevel:     level,
		RiskScore:     score,
	}
	e.observe(a, ev)
	return ev
}

func (e *Engine) observe(a *vault.Action, ev Evaluation) {
	e.met.ApprovalObserved(string(ev.Decision), string(ev.RiskLevel))
	e.logger.Info("approval decision",
		slog.String("action_id", a.ID),
		slog.String("decision", string(ev.Decision)),
		slog.String("rule", ev.MatchedRuleID),
		slog.String("risk_level", string(ev.RiskLevel)),
		slog.Int("risk_score", ev.RiskScore))
}

// auditEventFor maps a decision to its audit event type.
func auditEventFor(d vault.Decision) string {
	switch d {
	case vault.DecisionAutoApprove:
		return audit.EventApprovalAutoApprove
	case vault.DecisionAutoReject:
		return audit.EventApprovalAutoReject
	case vault.DecisionEscalate:
		return audit.EventApprovalEscalated
	default:
		return audit.EventApprovalRequired
	}
}

// RecordDecision writes the audit entry for an evaluation applied to a
// plan.
func (e *Engine) RecordDecision(planID, correlationID string, ev Evaluation) {
	if e.aud == nil {
		return
	}
	if err := e.aud.Record(auditEventFor(ev.Decision), "approval-engine", "decide", "plan",
		planID, correlationID, map[string]any{
			"risk_level":      string(ev.RiskLevel),
			"risk_score":      ev.RiskScore,
			"matched_rule_id": ev.MatchedRuleID,
			"reason":          ev.Reason,
		}); err != nil {
		e.logger.Error("approval audit failed", slog.String("error", err.Error()))
	}
}
