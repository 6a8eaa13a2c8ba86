package vault

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ActionType classifies the unit of work an action represents.
type ActionType string

// Action types understood by the planner and the approval rules.
const (
	ActionEmailResponse    ActionType = "email_response"
	ActionMeetingRequest   ActionType = "meeting_request"
	ActionDocumentCreation ActionType = "document_creation"
	ActionDataAnalysis     ActionType = "data_analysis"
	ActionReportGeneration ActionType = "report_generation"
	ActionFollowUp         ActionType = "follow_up"
	ActionOther            ActionType = "other"
)

// IsValid reports whether the action type is a known value.
func (t ActionType) IsValid() bool {
	switch t {
	case ActionEmailResponse, ActionMeetingRequest, ActionDocumentCreation,
		ActionDataAnalysis, ActionReportGeneration, ActionFollowUp, ActionOther:
		return true
	}
	return false
}

// Priority is the urgency attached to an action.
type Priority string

// Priority levels, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ValidationError reports a single invalid field in a vault file.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Action is one unit of externally originated work, recorded as
// <uuid>.action.yaml in Needs_Action upon ingestion.
type Action struct {
	ID                   string         `yaml:"id"`
	Type                 ActionType     `yaml:"type"`
	Priority             Priority       `yaml:"priority"`
	Context              map[string]any `yaml:"context,omitempty"`
	CreatedAt            time.Time      `yaml:"created_at"`
	Source               string         `yaml:"source"`
	EstimatedDurationMin int            `yaml:"estimated_duration_min,omitempty"`
}

// NewAction builds an action with a fresh UUID and UTC creation time.
func NewAction(typ ActionType, priority Priority, source string) *Action {
	return &Action{
		ID:        uuid.New().String(),
		Type:      typ,
		Priority:  priority,
		Context:   map[string]any{},
		CreatedAt: time.Now().UTC(),
		Source:    source,
	}
}

// Validate checks the action against the schema in the vault contract.
func (a *Action) Validate() error {
	if _, err := uuid.Parse(a.ID); err != nil {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("not a valid UUID: %q", a.ID)}
	}
	if !a.Type.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	if !a.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", a.Priority)}
	}
	if a.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Message: "required"}
	}
	if a.Source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	if a.EstimatedDurationMin < 0 {
		return &ValidationError{Field: "estimated_duration_min", Message: "must be >= 0"}
	}
	return nil
}

// Marshal renders the action as YAML.
func (a *Action) Marshal() ([]byte, error) {
	return yaml.Marshal(a)
}

// LoadAction reads and validates an action file.
func LoadAction(path string) (*Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action file: %w", err)
	}
	var a Action
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse action file %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action file %s: %w", path, err)
	}
	return &a, nil
}

// SaveAction writes the action atomically to path.
func SaveAction(path string, a *Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := a.Marshal()
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return WriteAtomic(path, data)
}
