package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vaultflow/vaultflow/approval"
	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/execution"
	"github.com/vaultflow/vaultflow/planner"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

// approvedDebounce coalesces watcher events on a hand-moved plan file.
const approvedDebounce = 500 * time.Millisecond

// Pipeline drives actions through planning, approval and execution. It
// subscribes to the bus for action.generated and action.approved and
// watches the Approved folder for plans a human moved there by hand.
type Pipeline struct {
	layout   *vault.Layout
	engine   *workflow.Engine
	planner  planner.Planner
	approver *approval.Engine
	executor *execution.Executor
	broker   *bus.Bus
	aud      *audit.Log
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewPipeline wires the pipeline service.
func NewPipeline(layout *vault.Layout, engine *workflow.Engine, pl planner.Planner,
	approver *approval.Engine, executor *execution.Executor, broker *bus.Bus,
	aud *audit.Log, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		layout:   layout,
		engine:   engine,
		planner:  pl,
		approver: approver,
		executor: executor,
		broker:   broker,
		aud:      aud,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
}

func (p *Pipeline) Name() string { return "pipeline" }

// Start subscribes to the bus and watches Approved for external moves.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if p.broker != nil {
		p.broker.Subscribe("pipeline", bus.DeliverAsync,
			[]bus.Type{bus.ActionGenerated}, func(_ context.Context, ev bus.Event) {
				p.handleActionGenerated(runCtx, ev)
			})
		p.broker.Subscribe("pipeline-executor", bus.DeliverAsync,
			[]bus.Type{bus.ActionApproved}, func(_ context.Context, ev bus.Event) {
				p.handleActionApproved(runCtx, ev)
			})
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create approved watcher: %w", err)
	}
	approved := p.layout.Path(vault.FolderApproved)
	if err := w.Add(approved); err != nil {
		w.Close()
		return fmt.Errorf("watch approved folder: %w", err)
	}
	p.watcher = w
	p.wg.Add(1)
	go p.watchLoop(runCtx)

	// Plans already sitting in Approved were moved while we were down.
	names, err := p.layout.Files(vault.FolderApproved)
	if err != nil {
		return err
	}
	for _, name := range names {
		p.schedule(runCtx, name)
	}
	p.logger.Info("pipeline started")
	return nil
}

// Stop cancels the watcher and waits for in-flight work.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.watcher != nil {
		p.watcher.Close()
	}
	p.mu.Lock()
	for name, timer := range p.pending {
		if timer.Stop() {
			p.wg.Done()
		}
		delete(p.pending, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Pipeline) HealthCheck(ctx context.Context) Health {
	healthy := p.layout.Verify()
	details := map[string]any{"open_contexts": p.engine.Tracker().Len()}
	return Health{Healthy: healthy, Details: details}
}

func (p *Pipeline) watchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, vault.SuffixPlan) {
				continue
			}
			p.schedule(ctx, name)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("approved watcher error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms the debounce timer for a plan file in Approved. The
// waitgroup slot is reserved up front so Stop's Wait always covers a
// fired timer; Stop releases the slot for timers it disarms.
func (p *Pipeline) schedule(ctx context.Context, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.pending[name]; ok {
		timer.Reset(approvedDebounce)
		return
	}
	p.wg.Add(1)
	p.pending[name] = time.AfterFunc(approvedDebounce, func() {
		defer p.wg.Done()
		p.mu.Lock()
		delete(p.pending, name)
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.reconcileApproved(ctx, name)
	})
}

// handleActionGenerated plans a fresh action and routes the plan by the
// approval decision: straight to execution, to the human approval queue
// with a sidecar, or through rejection.
func (p *Pipeline) handleActionGenerated(ctx context.Context, ev bus.Event) {
	stem, _ := ev.Payload["stem"].(string)
	if stem == "" {
		stem = ev.CorrelationID
	}
	if stem == "" {
		return
	}
	if err := p.processAction(ctx, stem); err != nil {
		p.logger.Error("action processing failed",
			slog.String("stem", stem), slog.String("error", err.Error()))
		p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StateActionProcessing, To: workflow.StateFailed,
			CorrelationID: stem, Metadata: map[string]any{"error": err.Error()},
		})
	}
}

func (p *Pipeline) processAction(ctx context.Context, stem string) error {
	if _, err := p.engine.Transition(ctx, workflow.Request{
		Stem: stem, From: workflow.StateNeedsAction, To: workflow.StateActionProcessing,
		CorrelationID: stem,
	}); err != nil {
		return err
	}

	actionPath := p.layout.FilePath(vault.FolderNeedsAction, vault.ActionFilename(stem))
	action, err := vault.LoadAction(actionPath)
	if err != nil {
		return err
	}

	plan, err := p.planner.Plan(ctx, action)
	if err != nil {
		return err
	}

	eval := p.approver.Evaluate(action)
	plan.RequiresApproval = eval.Decision != vault.DecisionAutoApprove
	p.approver.RecordDecision(plan.ID, stem, eval)

	if _, err := p.engine.PromoteToPlan(ctx, stem, plan); err != nil {
		return err
	}

	switch eval.Decision {
	case vault.DecisionAutoApprove:
		_, err := p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StatePlans, To: workflow.StateExecutionPending,
			CorrelationID: stem, Metadata: map[string]any{"plan_id": plan.ID},
		})
		return err
	case vault.DecisionAutoReject:
		return p.autoReject(ctx, stem, plan, eval)
	default:
		// require_approval and escalate both queue for a human; escalate
		// carries its approver list on the sidecar.
		return p.queueForApproval(ctx, stem, plan, eval)
	}
}

// queueForApproval writes the approval sidecar and moves the plan to
// Pending_Approval.
func (p *Pipeline) queueForApproval(ctx context.Context, stem string, plan *vault.Plan, eval approval.Evaluation) error {
	rec := approval.NewRecord(plan, eval)
	sidecar := p.layout.FilePath(vault.FolderPendingApproval, vault.ApprovalFilename(stem))
	if err := vault.SaveApproval(sidecar, rec); err != nil {
		return err
	}
	_, err := p.engine.Transition(ctx, workflow.Request{
		Stem: stem, From: workflow.StatePlans, To: workflow.StatePendingApproval,
		CorrelationID: stem, Metadata: map[string]any{
			"plan_id":    plan.ID,
			"risk_level": string(eval.RiskLevel),
			"decision":   string(eval.Decision),
		},
	})
	return err
}

// autoReject drives the plan through the review states to Rejected
// with a machine-resolved sidecar.
func (p *Pipeline) autoReject(ctx context.Context, stem string, plan *vault.Plan, eval approval.Evaluation) error {
	rec := approval.NewRecord(plan, eval)
	rec.Resolve("approval-engine", eval.Reason, time.Now())
	sidecar := p.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(stem))
	if err := vault.SaveApproval(sidecar, rec); err != nil {
		return err
	}
	for _, edge := range [][2]workflow.State{
		{workflow.StatePlans, workflow.StatePendingApproval},
		{workflow.StatePendingApproval, workflow.StateApprovalReview},
		{workflow.StateApprovalReview, workflow.StateRejected},
	} {
		if _, err := p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: edge[0], To: edge[1], CorrelationID: stem,
			Metadata: map[string]any{"reason": eval.Reason},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Approve resolves a pending approval on behalf of an operator and
// advances the plan to Approved. The reason is optional and recorded on
// the archived approval. Execution follows from the published
// action.approved when a daemon is running.
func (p *Pipeline) Approve(ctx context.Context, stem, approver, reason string) error {
	return p.resolve(ctx, stem, approver, reason, true)
}

// Reject resolves a pending approval negatively, moving the plan to
// Rejected. A reason is required.
func (p *Pipeline) Reject(ctx context.Context, stem, approver, reason string) error {
	if reason == "" {
		return workflow.E(workflow.KindSchemaInvalid, "reject approval", stem,
			fmt.Errorf("a rejection reason is required"))
	}
	return p.resolve(ctx, stem, approver, reason, false)
}

func (p *Pipeline) resolve(ctx context.Context, stem, approver, reason string, approve bool) error {
	sidecar := p.layout.FilePath(vault.FolderPendingApproval, vault.ApprovalFilename(stem))
	rec, err := vault.LoadApproval(sidecar)
	if err != nil {
		return workflow.E(workflow.KindFileNotFound, "resolve approval", stem, err)
	}
	if _, err := p.engine.Transition(ctx, workflow.Request{
		Stem: stem, From: workflow.StatePendingApproval, To: workflow.StateApprovalReview,
		CorrelationID: stem,
	}); err != nil {
		return err
	}

	rec.Resolve(approver, reason, time.Now())
	target := workflow.StateApproved
	event := audit.EventApprovalGranted
	if !approve {
		target = workflow.StateRejected
		event = audit.EventApprovalRejected
	}
	archived := p.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(stem))
	if err := vault.SaveApproval(archived, rec); err != nil {
		return err
	}
	meta := map[string]any{"approver": approver}
	if reason != "" {
		meta["reason"] = reason
	}
	if _, err := p.engine.Transition(ctx, workflow.Request{
		Stem: stem, From: workflow.StateApprovalReview, To: target,
		CorrelationID: stem, Metadata: meta,
	}); err != nil {
		return err
	}
	// The resolved copy lives in Archived; drop the pending sidecar.
	if err := os.Remove(sidecar); err != nil {
		p.logger.Warn("stale approval sidecar left behind",
			slog.String("stem", stem), slog.String("error", err.Error()))
	}
	if p.aud != nil {
		auditReason := reason
		if auditReason == "" {
			auditReason = rec.Reason
		}
		p.aud.RecordApproval(event, approver, rec.PlanID, stem, string(rec.RiskLevel), auditReason)
	}
	return nil
}

// reconcileApproved handles a plan that appeared in Approved without
// going through Approve: a human dragged the file there. The tracker
// and audit trail are caught up and action.approved is announced so
// execution proceeds.
func (p *Pipeline) reconcileApproved(ctx context.Context, name string) {
	stem := vault.Stem(name)
	wc, ok := p.engine.Tracker().Get(stem)
	if !ok || wc.State != workflow.StatePendingApproval {
		return
	}
	now := time.Now().UTC()
	for _, edge := range [][2]workflow.State{
		{workflow.StatePendingApproval, workflow.StateApprovalReview},
		{workflow.StateApprovalReview, workflow.StateApproved},
	} {
		p.engine.Tracker().Record(stem, workflow.TransitionRecord{
			From: edge[0], To: edge[1], Timestamp: now, Success: true,
		})
		if p.aud != nil {
			p.aud.RecordTransition("pipeline", stem, stem, string(edge[0]), string(edge[1]))
		}
	}
	// An unresolved sidecar means the human moved only the plan file;
	// resolve it on their behalf.
	sidecar := p.layout.FilePath(vault.FolderPendingApproval, vault.ApprovalFilename(stem))
	if rec, err := vault.LoadApproval(sidecar); err == nil {
		rec.Resolve("human", "approved by manual move to Approved", time.Now())
		archived := p.layout.FilePath(vault.FolderArchived, vault.ApprovalFilename(stem))
		if err := vault.SaveApproval(archived, rec); err == nil {
			os.Remove(sidecar)
		}
	}
	p.logger.Info("plan approved by manual move", slog.String("stem", stem))
	if p.broker != nil {
		p.broker.Publish(bus.NewEvent(bus.ActionApproved, "pipeline", map[string]any{
			"stem":   stem,
			"manual": true,
		}).WithCorrelation(stem))
	}
}

// handleActionApproved executes the approved plan and lands the result
// in Done, Failed or the dead-letter queue.
func (p *Pipeline) handleActionApproved(ctx context.Context, ev bus.Event) {
	stem, _ := ev.Payload["stem"].(string)
	if stem == "" {
		stem = ev.CorrelationID
	}
	if stem == "" {
		return
	}
	if err := p.execute(ctx, stem); err != nil {
		p.logger.Error("plan execution pipeline failed",
			slog.String("stem", stem), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) execute(ctx context.Context, stem string) error {
	from := workflow.StateApproved
	if wc, ok := p.engine.Tracker().Get(stem); ok && wc.State == workflow.StateExecutionPending {
		from = workflow.StateExecutionPending
	}
	if _, err := p.engine.Transition(ctx, workflow.Request{
		Stem: stem, From: from, To: workflow.StateExecuting, CorrelationID: stem,
	}); err != nil {
		return err
	}

	planPath := p.layout.FilePath(vault.FolderApproved, vault.PlanFilename(stem))
	plan, err := vault.LoadPlan(planPath)
	if err != nil {
		p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StateExecuting, To: workflow.StateFailed,
			CorrelationID: stem, Metadata: map[string]any{"error": err.Error()},
		})
		return err
	}

	res, runErr := p.executor.Run(ctx, plan, stem)
	switch res.Outcome {
	case execution.OutcomeSucceeded:
		plan.Status = vault.PlanExecuted
		plan.UpdatedAt = time.Now().UTC()
		if err := vault.SavePlan(planPath, plan); err != nil {
			p.logger.Warn("plan status update failed",
				slog.String("stem", stem), slog.String("error", err.Error()))
		}
		if _, err := p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StateExecuting, To: workflow.StateExecuted,
			CorrelationID: stem, Metadata: map[string]any{"plan_id": plan.ID},
		}); err != nil {
			return err
		}
		_, err := p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StateExecuted, To: workflow.StateDone,
			CorrelationID: stem, Metadata: map[string]any{"plan_id": plan.ID},
		})
		return err

	case execution.OutcomeQuarantine:
		// Partial effects remain on the real world; quarantine the plan
		// for an operator instead of retrying.
		if _, err := p.engine.DLQ().Add(planPath, workflow.StateExecuting,
			runErr.Error(), 1, stem, map[string]any{"plan_id": plan.ID}); err != nil {
			return err
		}
		p.engine.Tracker().Record(stem, workflow.TransitionRecord{
			From: workflow.StateExecuting, To: workflow.StateDeadLetter,
			Timestamp: time.Now().UTC(), Success: true, Error: runErr.Error(),
		})
		return runErr

	default:
		// failed, compensated and paused all land in Failed; the outcome
		// is preserved on the transition metadata.
		_, err := p.engine.Transition(ctx, workflow.Request{
			Stem: stem, From: workflow.StateExecuting, To: workflow.StateFailed,
			CorrelationID: stem, Metadata: map[string]any{
				"plan_id": plan.ID,
				"outcome": string(res.Outcome),
			},
		})
		if err != nil {
			return err
		}
		return runErr
	}
}
