// Package bus provides the in-process publish/subscribe broker that
// connects the engine components. Delivery is asynchronous with bounded
// per-subscriber queues and a ring-buffer history for diagnostics; events
// are not durable and there is no startup replay.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type is an event type drawn from the closed set below.
type Type string

// The closed set of event types carried on the bus.
const (
	FileCreated  Type = "file.created"
	FileModified Type = "file.modified"
	FileMoved    Type = "file.moved"
	FileDeleted  Type = "file.deleted"

	ActionGenerated Type = "action.generated"
	ActionProcessed Type = "action.processed"
	ActionApproved  Type = "action.approved"
	ActionExecuted  Type = "action.executed"
	ActionFailed    Type = "action.failed"

	PlanCreated            Type = "plan.created"
	PlanApproved           Type = "plan.approved"
	PlanExecutionCompleted Type = "plan.execution_completed"

	EmailReceived Type = "email.received"

	ApprovalRequired Type = "approval.required"
	ApprovalGranted  Type = "approval.granted"
	ApprovalDenied   Type = "approval.denied"

	ServiceStarted Type = "service.started"
	ServiceStopped Type = "service.stopped"
	ServiceError   Type = "service.error"

	HealthCheck  Type = "health.check"
	HealthStatus Type = "health.status"

	SystemShutdown Type = "system.shutdown"
	SystemRestart  Type = "system.restart"

	// BusOverflow is published once per subscriber per minute when that
	// subscriber's queue drops events.
	BusOverflow Type = "bus.overflow"
)

// AllTypes lists every event type; used by subscribers that want the
// full firehose (audit, dashboard).
var AllTypes = []Type{
	FileCreated, FileModified, FileMoved, FileDeleted,
	ActionGenerated, ActionProcessed, ActionApproved, ActionExecuted, ActionFailed,
	PlanCreated, PlanApproved, PlanExecutionCompleted,
	EmailReceived,
	ApprovalRequired, ApprovalGranted, ApprovalDenied,
	ServiceStarted, ServiceStopped, ServiceError,
	HealthCheck, HealthStatus,
	SystemShutdown, SystemRestart,
	BusOverflow,
}

// Event is a single message on the bus.
type Event struct {
	Type          Type           `json:"event_type"`
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(t Type, source string, payload map[string]any) Event {
	return Event{
		Type:      t,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
}

// WithCorrelation returns a copy of the event carrying a correlation id.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

// Recorded is an event with its position in the bus history.
type Recorded struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

// Publisher is the send-only handle given to services. Services never
// see the dispatch side; the orchestrator owns subscriptions.
type Publisher interface {
	Publish(ev Event)
}
