package audit

// Convenience emitters used by the engine components. They all funnel
// into Append; failures propagate so callers can decide whether the
// operation may proceed without its audit record.

// Record appends a generic entry.
func (l *Log) Record(eventType, actor, action, resource, resourceID, correlationID string, details map[string]any) error {
	_, err := l.Append(Entry{
		EventType:     eventType,
		Actor:         actor,
		Action:        action,
		Resource:      resource,
		ResourceID:    resourceID,
		CorrelationID: correlationID,
		Details:       details,
	})
	return err
}

// RecordTransition logs a completed workflow transition.
func (l *Log) RecordTransition(actor, actionID, correlationID, from, to string) error {
	return l.Record(EventTransitionCompleted, actor, "transition", "workflow", actionID, correlationID,
		map[string]any{"from": from, "to": to})
}

// RecordInvalidTransition logs a rejected transition attempt.
func (l *Log) RecordInvalidTransition(actor, actionID, correlationID, from, to, reason string) error {
	return l.Record(EventTransitionInvalid, actor, "transition", "workflow", actionID, correlationID,
		map[string]any{"from": from, "to": to, "reason": reason})
}

// RecordApproval logs an approval decision. eventType is one of the
// EventApproval* constants.
func (l *Log) RecordApproval(eventType, actor, planID, correlationID, riskLevel, reason string) error {
	return l.Record(eventType, actor, "decide", "plan", planID, correlationID,
		map[string]any{"risk_level": riskLevel, "reason": reason})
}

// RecordExecution logs the start or outcome of a plan execution.
// eventType is one of the EventExecution* constants; status carries
// succeeded, failed or compensated.
func (l *Log) RecordExecution(eventType, actor, planID, correlationID, mode, status string) error {
	return l.Record(eventType, actor, "execute", "plan", planID, correlationID,
		map[string]any{"mode": mode, "status": status})
}

// RecordStep logs one step outcome within an execution.
func (l *Log) RecordStep(eventType, actor, planID, correlationID string, stepIndex int, stepKind string, details map[string]any) error {
	d := map[string]any{"step_index": stepIndex, "step_kind": stepKind}
	for k, v := range details {
		d[k] = v
	}
	return l.Record(eventType, actor, "execute_step", "plan", planID, correlationID, d)
}

// RecordCredentialAccess logs every credential read, hit or miss.
func (l *Log) RecordCredentialAccess(actor, name string, found bool) error {
	return l.Record(EventCredentialAccess, actor, "read", "credential", name, "",
		map[string]any{"found": found})
}

// RecordDLQ logs dead-letter queue activity.
func (l *Log) RecordDLQ(eventType, actor, actionID, correlationID, reason string) error {
	return l.Record(eventType, actor, "dead_letter", "workflow", actionID, correlationID,
		map[string]any{"reason": reason})
}

// RecordService logs a service lifecycle change.
func (l *Log) RecordService(actor, service, phase string) error {
	return l.Record(EventServiceLifecycle, actor, phase, "service", service, "", nil)
}
