// Package audit implements the immutable, hash-chained audit log stored
// as JSON lines under System_Log/Audit. Every entry's hash covers its
// canonical JSON form and chains to its predecessor, so any mutation of
// history is detectable; a sidecar file maps seq to chain hash for O(1)
// spot checks.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Audit event types. These name what happened, not who asked.
const (
	EventTransitionCompleted = "transition.completed"
	EventTransitionInvalid   = "transition.invalid"
	EventLockStale           = "lock.stale"

	EventApprovalRequired    = "approval.required"
	EventApprovalAutoApprove = "approval.auto_approve"
	EventApprovalAutoReject  = "approval.auto_reject"
	EventApprovalEscalated   = "approval.escalated"
	EventApprovalGranted     = "approval.granted"
	EventApprovalRejected    = "approval.rejected"

	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventStepSucceeded      = "step.succeeded"
	EventStepFailed         = "step.failed"
	EventRollbackCompleted  = "rollback.completed"
	EventRollbackFailed     = "rollback.failed"
	EventRollbackSkipped    = "rollback.not_supported"

	EventDLQAdded   = "dlq.added"
	EventDLQRetried = "dlq.retried"
	EventDLQPurged  = "dlq.purged"

	EventCredentialAccess = "credential.access"
	EventRulesReloaded    = "rules.reloaded"
	EventServiceLifecycle = "service.lifecycle"
)

// Entry is one immutable audit record. Seq is assigned by the log and is
// strictly monotonic from 1 with no gaps.
type Entry struct {
	Seq           uint64         `json:"seq"`
	EntryID       string         `json:"entry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	ResourceID    string         `json:"resource_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	EntryHash     string         `json:"entry_hash"`
	ChainHash     string         `json:"chain_hash"`
}

// entryHash computes the SHA-256 of the entry's canonical JSON form with
// both hash fields cleared. Canonicalization (RFC 8785) makes the hash
// independent of field order and encoder quirks.
func entryHash(e Entry) (string, error) {
	e.EntryHash = ""
	e.ChainHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// chainHash links an entry hash to the previous chain head. For the
// first entry prev is empty, which degenerates to H(entry_hash).
func chainHash(entryHash, prev string) string {
	sum := sha256.Sum256([]byte(entryHash + prev))
	return hex.EncodeToString(sum[:])
}
