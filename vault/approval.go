package vault

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Decision is the outcome of approval rule evaluation.
type Decision string

// Approval decisions.
const (
	DecisionAutoApprove     Decision = "auto_approve"
	DecisionRequireApproval Decision = "require_approval"
	DecisionAutoReject      Decision = "auto_reject"
	DecisionEscalate        Decision = "escalate"
)

// IsValid reports whether the decision is a known value.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionAutoApprove, DecisionRequireApproval, DecisionAutoReject, DecisionEscalate:
		return true
	}
	return false
}

// RiskLevel buckets the numeric risk score.
type RiskLevel string

// Risk levels, lowest to highest.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid reports whether the risk level is a known value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// rank orders risk levels for >= comparisons in rule predicates.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether r is the same level as min or higher.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.rank() >= min.rank()
}

// Approval records an approval decision for a plan. On disk it is a
// Markdown file holding only front matter; the body is free-form notes
// for the human reviewer.
type Approval struct {
	ID          string     `yaml:"id"`
	ActionID    string     `yaml:"action_id"`
	PlanID      string     `yaml:"plan_id"`
	Decision    Decision   `yaml:"decision"`
	RiskLevel   RiskLevel  `yaml:"risk_level"`
	Reason      string     `yaml:"reason,omitempty"`
	Approvers   []string   `yaml:"approvers,omitempty"`
	RequestedAt time.Time  `yaml:"requested_at"`
	ResolvedAt  *time.Time `yaml:"resolved_at"`
	Approver    *string    `yaml:"approver"`
	// ResolutionReason is the operator's stated reason, distinct from
	// Reason (the rule engine's grounds for requiring approval).
	ResolutionReason string `yaml:"resolution_reason,omitempty"`

	Body string `yaml:"-"`
}

// Validate checks the approval against the vault contract.
func (a *Approval) Validate() error {
	if _, err := uuid.Parse(a.ID); err != nil {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("not a valid UUID: %q", a.ID)}
	}
	if _, err := uuid.Parse(a.ActionID); err != nil {
		return &ValidationError{Field: "action_id", Message: fmt.Sprintf("not a valid UUID: %q", a.ActionID)}
	}
	if _, err := uuid.Parse(a.PlanID); err != nil {
		return &ValidationError{Field: "plan_id", Message: fmt.Sprintf("not a valid UUID: %q", a.PlanID)}
	}
	if !a.Decision.IsValid() {
		return &ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", a.Decision)}
	}
	if !a.RiskLevel.IsValid() {
		return &ValidationError{Field: "risk_level", Message: fmt.Sprintf("unknown risk level %q", a.RiskLevel)}
	}
	if a.RequestedAt.IsZero() {
		return &ValidationError{Field: "requested_at", Message: "required"}
	}
	return nil
}

// Resolved reports whether a human has resolved the approval.
func (a *Approval) Resolved() bool {
	return a.ResolvedAt != nil && a.Approver != nil
}

// Resolve records the approver, their stated reason and the resolution
// time.
func (a *Approval) Resolve(approver, reason string, at time.Time) {
	a.Approver = &approver
	a.ResolutionReason = reason
	t := at.UTC()
	a.ResolvedAt = &t
}

// Marshal renders the approval as front matter plus body.
func (a *Approval) Marshal() ([]byte, error) {
	meta, err := yaml.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal approval front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterDelim + "\n")
	buf.WriteString(a.Body)
	return buf.Bytes(), nil
}

// ParseApproval parses an approval document.
func ParseApproval(data []byte) (*Approval, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, &ValidationError{Field: "front_matter", Message: "missing opening delimiter"}
	}
	rest := text[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return nil, &ValidationError{Field: "front_matter", Message: "missing closing delimiter"}
	}
	var a Approval
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &a); err != nil {
		return nil, fmt.Errorf("parse approval front matter: %w", err)
	}
	a.Body = strings.TrimPrefix(rest[end+len(frontMatterDelim)+1:], "\n")
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadApproval reads and validates an approval file.
func LoadApproval(path string) (*Approval, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval file: %w", err)
	}
	a, err := ParseApproval(data)
	if err != nil {
		return nil, fmt.Errorf("approval file %s: %w", path, err)
	}
	return a, nil
}

// SaveApproval writes the approval atomically to path.
func SaveApproval(path string, a *Approval) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := a.Marshal()
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}
