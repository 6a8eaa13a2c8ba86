package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vaultflow/vaultflow/approval"
	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/execution"
	"github.com/vaultflow/vaultflow/planner"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

type pipelineRig struct {
	layout   *vault.Layout
	broker   *bus.Bus
	aud      *audit.Log
	tracker  *workflow.Tracker
	engine   *workflow.Engine
	pipeline *Pipeline
}

func newPipelineRig(t *testing.T, rules []approval.Rule) *pipelineRig {
	t.Helper()
	layout, err := vault.NewLayout(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := layout.Init(); err != nil {
		t.Fatal(err)
	}
	aud, err := audit.Open(layout.Path(vault.FolderAudit), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { aud.Close() })

	broker := bus.New(bus.DefaultConfig(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		broker.Shutdown(ctx)
	})

	locks := workflow.NewLocker(layout.Path(vault.FolderLocks), time.Second,
		workflow.DefaultStaleThreshold, aud, nil)
	tracker := workflow.NewTracker(nil)
	dlq := workflow.NewDLQ(layout, aud, nil)
	retry := workflow.RetryPolicy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 2}
	engine := workflow.NewEngine(layout, locks, aud, broker, tracker, dlq, retry, nil, nil)

	approver, err := approval.NewEngine(rules, aud, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	executor, err := execution.NewExecutor(execution.Config{
		Mode:     execution.ModeDryRun,
		Rollback: execution.RollbackAutomatic,
		Retry:    retry,
	}, nil, aud, broker, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(layout, engine, planner.NewTemplatePlanner(nil),
		approver, executor, broker, aud, nil)
	return &pipelineRig{
		layout: layout, broker: broker, aud: aud,
		tracker: tracker, engine: engine, pipeline: p,
	}
}

// plant materialises an action in Needs_Action as the ingester would.
func (r *pipelineRig) plant(t *testing.T, typ vault.ActionType, durationMin int) *vault.Action {
	t.Helper()
	action := vault.NewAction(typ, vault.PriorityMedium, "test")
	action.EstimatedDurationMin = durationMin
	path := r.layout.FilePath(vault.FolderNeedsAction, vault.ActionFilename(action.ID))
	if err := vault.SaveAction(path, action); err != nil {
		t.Fatal(err)
	}
	r.tracker.Open(action.ID, action.ID, workflow.StateNeedsAction)
	return action
}

func (r *pipelineRig) exists(folder, name string) bool {
	_, err := os.Stat(r.layout.FilePath(folder, name))
	return err == nil
}

func TestAutoApprovedActionRunsToDone(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionEmailResponse, 10)

	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatalf("processAction() error = %v", err)
	}
	if !r.exists(vault.FolderApproved, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Approved after auto-approve")
	}
	if !r.exists(vault.FolderArchived, vault.ActionFilename(action.ID)) {
		t.Error("consumed action not archived")
	}
	if wc, ok := r.tracker.Get(action.ID); !ok || wc.State != workflow.StateExecutionPending {
		t.Fatalf("tracker state = %+v, want EXECUTION_PENDING", wc)
	}

	if err := r.pipeline.execute(ctx, action.ID); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if !r.exists(vault.FolderDone, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Done after execution")
	}
	plan, err := vault.LoadPlan(r.layout.FilePath(vault.FolderDone, vault.PlanFilename(action.ID)))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != vault.PlanExecuted {
		t.Errorf("plan status = %s, want executed", plan.Status)
	}
	// DONE is terminal; the context is closed.
	if _, ok := r.tracker.Get(action.ID); ok {
		t.Error("context still open after DONE")
	}
}

func TestRiskyActionQueuesForApproval(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionDataAnalysis, 180)

	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatalf("processAction() error = %v", err)
	}
	if !r.exists(vault.FolderPendingApproval, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Pending_Approval")
	}
	if !r.exists(vault.FolderPendingApproval, vault.ApprovalFilename(action.ID)) {
		t.Fatal("approval sidecar missing")
	}
	rec, err := vault.LoadApproval(
		r.layout.FilePath(vault.FolderPendingApproval, vault.ApprovalFilename(action.ID)))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Resolved() {
		t.Error("fresh approval already resolved")
	}
	if rec.RiskLevel != vault.RiskHigh {
		t.Errorf("risk level = %s, want high", rec.RiskLevel)
	}
}

func TestApproveAdvancesPlanAndResolvesSidecar(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionDataAnalysis, 180)
	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.pipeline.Approve(ctx, action.ID, "ops", "capacity confirmed"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !r.exists(vault.FolderApproved, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Approved")
	}
	if r.exists(vault.FolderPendingApproval, vault.ApprovalFilename(action.ID)) {
		t.Error("pending sidecar not removed")
	}
	rec, err := vault.LoadApproval(
		r.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(action.ID)))
	if err != nil {
		t.Fatalf("archived sidecar: %v", err)
	}
	if !rec.Resolved() || *rec.Approver != "ops" {
		t.Errorf("sidecar not resolved by ops: %+v", rec)
	}
	if rec.ResolutionReason != "capacity confirmed" {
		t.Errorf("resolution reason = %q, want the operator's reason", rec.ResolutionReason)
	}
	if wc, ok := r.tracker.Get(action.ID); !ok || wc.State != workflow.StateApproved {
		t.Errorf("tracker state = %+v, want APPROVED", wc)
	}

	if err := r.pipeline.execute(ctx, action.ID); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if !r.exists(vault.FolderDone, vault.PlanFilename(action.ID)) {
		t.Error("plan not in Done after approved execution")
	}
}

func TestRejectMovesPlanToRejected(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionDataAnalysis, 180)
	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	if err := r.pipeline.Reject(ctx, action.ID, "ops", ""); err == nil {
		t.Fatal("Reject() without a reason succeeded")
	} else if workflow.KindOf(err) != workflow.KindSchemaInvalid {
		t.Errorf("reason-less Reject kind = %s, want SchemaInvalid", workflow.KindOf(err))
	}

	if err := r.pipeline.Reject(ctx, action.ID, "ops", "scope too broad"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if !r.exists(vault.FolderRejected, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Rejected")
	}
	if wc, ok := r.tracker.Get(action.ID); !ok || wc.State != workflow.StateRejected {
		t.Errorf("tracker state = %+v, want REJECTED", wc)
	}
	rec, err := vault.LoadApproval(
		r.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(action.ID)))
	if err != nil {
		t.Fatalf("archived sidecar: %v", err)
	}
	if rec.ResolutionReason != "scope too broad" {
		t.Errorf("resolution reason = %q, want the rejection reason", rec.ResolutionReason)
	}
}

func TestAutoRejectRuleDrivesPlanToRejected(t *testing.T) {
	rules := []approval.Rule{{
		RuleID:      "block-other",
		Name:        "Unclassified work is rejected",
		Priority:    1,
		ActionTypes: []vault.ActionType{vault.ActionOther},
		Decision:    vault.DecisionAutoReject,
	}}
	r := newPipelineRig(t, rules)
	ctx := context.Background()
	action := r.plant(t, vault.ActionOther, 5)

	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatalf("processAction() error = %v", err)
	}
	if !r.exists(vault.FolderRejected, vault.PlanFilename(action.ID)) {
		t.Fatal("plan not in Rejected after auto-reject")
	}
	rec, err := vault.LoadApproval(
		r.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(action.ID)))
	if err != nil {
		t.Fatalf("archived sidecar: %v", err)
	}
	if !rec.Resolved() || *rec.Approver != "approval-engine" {
		t.Errorf("auto-reject sidecar not machine-resolved: %+v", rec)
	}
}

func TestManualMoveIntoApprovedReconciles(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionDataAnalysis, 180)
	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	// A human drags the plan file from Pending_Approval to Approved.
	name := vault.PlanFilename(action.ID)
	src := r.layout.FilePath(vault.FolderPendingApproval, name)
	dst := r.layout.FilePath(vault.FolderApproved, name)
	if err := vault.MoveAtomic(src, dst); err != nil {
		t.Fatal(err)
	}

	r.pipeline.reconcileApproved(ctx, name)

	if wc, ok := r.tracker.Get(action.ID); !ok || wc.State != workflow.StateApproved {
		t.Fatalf("tracker state = %+v, want APPROVED", wc)
	}
	if r.exists(vault.FolderPendingApproval, vault.ApprovalFilename(action.ID)) {
		t.Error("sidecar left in Pending_Approval after reconcile")
	}
	var approved []bus.Recorded
	for _, rec := range r.broker.History(0, 0) {
		if rec.Event.Type == bus.ActionApproved {
			approved = append(approved, rec)
		}
	}
	if len(approved) != 1 {
		t.Fatalf("published %d action.approved events, want 1", len(approved))
	}
	if manual, _ := approved[0].Event.Payload["manual"].(bool); !manual {
		t.Error("reconcile event not marked manual")
	}
}

func TestExecutionFailureLandsInFailed(t *testing.T) {
	r := newPipelineRig(t, nil)
	ctx := context.Background()
	action := r.plant(t, vault.ActionEmailResponse, 10)
	if err := r.pipeline.processAction(ctx, action.ID); err != nil {
		t.Fatal(err)
	}

	// Swap in a REAL-mode executor with no registered adapters: every
	// step fails, and with nothing applied the rollback is vacuous.
	reg := execution.NewRegistry()
	failing, err := execution.NewExecutor(execution.Config{
		Mode:     execution.ModeReal,
		Rollback: execution.RollbackAutomatic,
		Retry:    workflow.RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 1},
	}, reg, r.aud, r.broker, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.pipeline.executor = failing

	if err := r.pipeline.execute(ctx, action.ID); err == nil {
		t.Fatal("execute() succeeded with no adapters registered")
	}
	if !r.exists(vault.FolderFailed, vault.PlanFilename(action.ID)) {
		t.Error("plan not in Failed after execution failure")
	}
}
