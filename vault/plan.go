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

// PlanStatus tracks a plan through its lifecycle.
type PlanStatus string

// Plan statuses.
const (
	PlanDraft           PlanStatus = "draft"
	PlanPlanned         PlanStatus = "planned"
	PlanPendingApproval PlanStatus = "pending_approval"
	PlanApproved        PlanStatus = "approved"
	PlanExecuted        PlanStatus = "executed"
	PlanRejected        PlanStatus = "rejected"
	PlanCancelled       PlanStatus = "cancelled"
)

// IsValid reports whether the plan status is a known value.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanPlanned, PlanPendingApproval, PlanApproved,
		PlanExecuted, PlanRejected, PlanCancelled:
		return true
	}
	return false
}

// StepKind selects the adapter that executes a step.
type StepKind string

// Step kinds.
const (
	StepEmail    StepKind = "email"
	StepCalendar StepKind = "calendar"
	StepFile     StepKind = "file"
	StepAPI      StepKind = "api"
	StepScript   StepKind = "script"
)

// IsValid reports whether the step kind is a known value.
func (k StepKind) IsValid() bool {
	switch k {
	case StepEmail, StepCalendar, StepFile, StepAPI, StepScript:
		return true
	}
	return false
}

// Step is one ordered unit of plan execution. RollbackParams must be
// present iff the step is reversible.
type Step struct {
	Index          int            `yaml:"index"`
	Kind           StepKind       `yaml:"kind"`
	Params         map[string]any `yaml:"params,omitempty"`
	Reversible     bool           `yaml:"reversible"`
	RollbackParams map[string]any `yaml:"rollback_params,omitempty"`
}

// Plan is the ordered sequence of steps that fulfils an action. On disk
// it is a Markdown document with YAML front matter.
type Plan struct {
	ActionID             string     `yaml:"action_id"`
	ID                   string     `yaml:"id"`
	Status               PlanStatus `yaml:"status"`
	CreatedAt            time.Time  `yaml:"created_at"`
	UpdatedAt            time.Time  `yaml:"updated_at"`
	EstimatedDurationMin int        `yaml:"estimated_duration_min"`
	RequiresApproval     bool       `yaml:"requires_approval"`
	Steps                []Step     `yaml:"steps"`
	CorrelationID        string     `yaml:"correlation_id"`

	// Body is the Markdown document below the front matter.
	Body string `yaml:"-"`
}

// Validate checks the plan against the vault contract, including the
// 0-based contiguous step index invariant.
func (p *Plan) Validate() error {
	if _, err := uuid.Parse(p.ID); err != nil {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("not a valid UUID: %q", p.ID)}
	}
	if _, err := uuid.Parse(p.ActionID); err != nil {
		return &ValidationError{Field: "action_id", Message: fmt.Sprintf("not a valid UUID: %q", p.ActionID)}
	}
	if !p.Status.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", p.Status)}
	}
	for i, step := range p.Steps {
		if step.Index != i {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step index %d at position %d; indexes must be 0-based and contiguous", step.Index, i)}
		}
		if !step.Kind.IsValid() {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d: unknown kind %q", i, step.Kind)}
		}
		if step.Reversible && step.RollbackParams == nil {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d: reversible step requires rollback_params", i)}
		}
		if !step.Reversible && step.RollbackParams != nil {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d: rollback_params present on irreversible step", i)}
		}
	}
	return nil
}

const frontMatterDelim = "---"

// Marshal renders the plan as front matter plus body.
func (p *Plan) Marshal() ([]byte, error) {
	meta, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontMatterDelim + "\n")
	body := p.Body
	if body == "" {
		body = defaultPlanBody
	}
	buf.WriteString(body)
	return buf.Bytes(), nil
}

const defaultPlanBody = `# Objectives

# Steps

# Resources

# Success Criteria
`

// ParsePlan parses a plan document (front matter + Markdown body).
func ParsePlan(data []byte) (*Plan, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, &ValidationError{Field: "front_matter", Message: "missing opening delimiter"}
	}
	rest := text[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return nil, &ValidationError{Field: "front_matter", Message: "missing closing delimiter"}
	}
	meta := rest[:end+1]
	body := rest[end+len(frontMatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")

	var p Plan
	if err := yaml.Unmarshal([]byte(meta), &p); err != nil {
		return nil, fmt.Errorf("parse plan front matter: %w", err)
	}
	p.Body = body
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	p, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan file %s: %w", path, err)
	}
	return p, nil
}

// SavePlan writes the plan atomically to path.
func SavePlan(path string, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}
