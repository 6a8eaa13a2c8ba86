package workflow

import (
	"testing"

	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/vault"
)

func TestValidEdge(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"inbox to needs_action", StateInbox, StateNeedsAction, true},
		{"inbox to failed", StateInbox, StateFailed, true},
		{"inbox to done", StateInbox, StateDone, false},
		{"processing to plans", StateActionProcessing, StatePlans, true},
		{"processing to retry", StateActionProcessing, StateRetry, true},
		{"plans to pending_approval", StatePlans, StatePendingApproval, true},
		{"plans to execution_pending", StatePlans, StateExecutionPending, true},
		{"plans straight to done", StatePlans, StateDone, false},
		{"review to approved", StateApprovalReview, StateApproved, true},
		{"review to rejected", StateApprovalReview, StateRejected, true},
		{"executing to executed", StateExecuting, StateExecuted, true},
		{"executed to done", StateExecuted, StateDone, true},
		{"done to archived", StateDone, StateArchived, true},
		{"done to inbox", StateDone, StateInbox, false},
		{"failed to retry", StateFailed, StateRetry, true},
		{"failed to dead_letter", StateFailed, StateDeadLetter, true},
		{"retry to dead_letter", StateRetry, StateDeadLetter, true},
		{"retry to executing", StateRetry, StateExecuting, true},
		{"retry to done", StateRetry, StateDone, false},
		{"archived is terminal", StateArchived, StateInbox, false},
		{"unknown state", State("LIMBO"), StateDone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidEdge(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidEdge(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStateFolders(t *testing.T) {
	tests := []struct {
		state  State
		folder string
	}{
		{StateInbox, vault.FolderInbox},
		{StateNeedsAction, vault.FolderNeedsAction},
		{StateActionProcessing, vault.FolderNeedsAction},
		{StatePendingApproval, vault.FolderPendingApproval},
		{StateApprovalReview, vault.FolderPendingApproval},
		{StateExecutionPending, vault.FolderApproved},
		{StateExecuting, vault.FolderApproved},
		{StateExecuted, vault.FolderDone},
		{StateDeadLetter, vault.FolderDeadLetter},
	}
	for _, tt := range tests {
		if got := tt.state.Folder(); got != tt.folder {
			t.Errorf("%s.Folder() = %q, want %q", tt.state, got, tt.folder)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[State]bool{StateDone: true, StateArchived: true, StateDeadLetter: true}
	for _, s := range AllStates {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestEventFor(t *testing.T) {
	tests := []struct {
		name     string
		from, to State
		want     bus.Type
		ok       bool
	}{
		{"ingestion", StateInbox, StateNeedsAction, bus.ActionGenerated, true},
		{"plan created", StateActionProcessing, StatePlans, bus.PlanCreated, true},
		{"approval required", StatePlans, StatePendingApproval, bus.ApprovalRequired, true},
		{"approved", StateApprovalReview, StateApproved, bus.ActionApproved, true},
		{"auto approved", StatePlans, StateExecutionPending, bus.ActionApproved, true},
		{"done", StateExecuted, StateDone, bus.PlanExecutionCompleted, true},
		{"failed", StateExecuting, StateFailed, bus.ActionFailed, true},
		{"dead letter", StateFailed, StateDeadLetter, bus.ActionFailed, true},
		{"silent edge", StateNeedsAction, StateActionProcessing, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, extra, ok := EventFor(tt.from, tt.to)
			if ok != tt.ok {
				t.Fatalf("EventFor(%s, %s) ok = %v, want %v", tt.from, tt.to, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("EventFor(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
			}
			if tt.to == StateDeadLetter {
				if v, _ := extra["terminal"].(bool); !v {
					t.Error("dead-letter event missing terminal=true")
				}
			}
		})
	}
}
