package workflow

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/metrics"
	"github.com/vaultflow/vaultflow/vault"
)

// Request asks the engine to move a stem along one edge of the state
// machine.
type Request struct {
	Stem          string
	From          State
	To            State
	CorrelationID string
	Metadata      map[string]any
}

// Result reports the outcome of a transition.
type Result struct {
	Success bool
	NewPath string
	Err     *Error
}

// Engine validates and performs transitions. It is the sole writer to
// the pipeline folders; every completed transition produces an audit
// entry, a bus event and a correlation tracker record.
type Engine struct {
	layout  *vault.Layout
	locks   *Locker
	aud     *audit.Log
	pub     bus.Publisher
	tracker *Tracker
	dlq     *DLQ
	retry   RetryPolicy
	met     *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine wires the engine. met may be nil.
func NewEngine(layout *vault.Layout, locks *Locker, aud *audit.Log, pub bus.Publisher,
	tracker *Tracker, dlq *DLQ, retry RetryPolicy, met *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		layout:  layout,
		locks:   locks,
		aud:     aud,
		pub:     pub,
		tracker: tracker,
		dlq:     dlq,
		retry:   retry.normalized(),
		met:     met,
		logger:  logger,
	}
}

// Tracker exposes the correlation tracker for status queries.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// DLQ exposes the dead-letter queue for operator commands.
func (e *Engine) DLQ() *DLQ { return e.dlq }

// Layout exposes the vault layout.
func (e *Engine) Layout() *vault.Layout { return e.layout }

// Transition performs one state transition under the stem's lock:
// validate the edge, move the file atomically, audit, publish, record.
// The release path runs on every exit, including cancellation.
func (e *Engine) Transition(ctx context.Context, req Request) (Result, error) {
	corr := req.CorrelationID
	if corr == "" {
		corr = req.Stem
	}

	lease, err := e.locks.Acquire(ctx, req.Stem)
	if err != nil {
		return e.fail(req, corr, asError("transition", req.Stem, err))
	}
	defer lease.Release()

	if !e.edgeAllowed(req.From, req.To, corr) {
		werr := E(KindInvalidTransition, "transition", req.Stem, nil)
		if e.aud != nil {
			e.aud.RecordInvalidTransition("workflow-engine", req.Stem, corr,
				string(req.From), string(req.To), "edge not allowed from current state")
		}
		return e.fail(req, corr, werr)
	}

	name, src := e.findFile(req.From.Folder(), req.Stem)
	if name == "" {
		return e.fail(req, corr, E(KindFileNotFound, "transition", req.Stem, nil))
	}
	dst := e.layout.FilePath(req.To.Folder(), name)
	if src == dst {
		// States sharing a folder (e.g. NEEDS_ACTION → ACTION_PROCESSING)
		// change tracker state without touching the file.
		return e.complete(req, corr, dst)
	}
	if _, err := os.Stat(dst); err == nil {
		return e.fail(req, corr, E(KindTargetExists, "transition", req.Stem, nil))
	}

	if err := vault.MoveAtomic(src, dst); err != nil {
		return e.fail(req, corr, E(KindMoveFailed, "transition", req.Stem, err))
	}
	return e.complete(req, corr, dst)
}

func (e *Engine) complete(req Request, corr, dst string) (Result, error) {
	if e.aud != nil {
		if err := e.aud.RecordTransition("workflow-engine", req.Stem, corr,
			string(req.From), string(req.To)); err != nil {
			e.logger.Error("transition audit failed",
				slog.String("stem", req.Stem), slog.String("error", err.Error()))
		}
	}
	if e.pub != nil {
		if t, extra, ok := EventFor(req.From, req.To); ok {
			payload := map[string]any{
				"stem": req.Stem,
				"from": string(req.From),
				"to":   string(req.To),
			}
			for k, v := range req.Metadata {
				payload[k] = v
			}
			for k, v := range extra {
				payload[k] = v
			}
			e.pub.Publish(bus.NewEvent(t, "workflow-engine", payload).WithCorrelation(corr))
		}
	}
	e.tracker.Record(corr, TransitionRecord{
		From:      req.From,
		To:        req.To,
		Timestamp: time.Now().UTC(),
		Success:   true,
	})
	e.met.TransitionObserved(string(req.From), string(req.To), true)
	e.logger.Info("transition completed",
		slog.String("stem", req.Stem),
		slog.String("from", string(req.From)),
		slog.String("to", string(req.To)))
	return Result{Success: true, NewPath: dst}, nil
}

func (e *Engine) fail(req Request, corr string, werr *Error) (Result, error) {
	e.tracker.Record(corr, TransitionRecord{
		From:      req.From,
		To:        req.To,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     string(werr.Kind),
	})
	e.met.TransitionObserved(string(req.From), string(req.To), false)
	e.logger.Warn("transition failed",
		slog.String("stem", req.Stem),
		slog.String("from", string(req.From)),
		slog.String("to", string(req.To)),
		slog.String("kind", string(werr.Kind)))
	return Result{Err: werr}, werr
}

// edgeAllowed applies the matrix plus the RETRY restriction: a retrying
// stem may only return to the state it failed out of, when that state
// is known.
func (e *Engine) edgeAllowed(from, to State, corr string) bool {
	if !ValidEdge(from, to) {
		return false
	}
	// A stale request loses the race even when its edge is valid in the
	// abstract: the tracker knows the stem has already advanced.
	if wc, ok := e.tracker.Get(corr); ok && wc.State != from {
		return false
	}
	if from == StateRetry && to != StateDeadLetter {
		if src, ok := e.retrySource(corr); ok && src != to {
			return false
		}
	}
	return true
}

// retrySource walks the context history backwards for the state that
// originally failed.
func (e *Engine) retrySource(corr string) (State, bool) {
	wc, ok := e.tracker.Get(corr)
	if !ok {
		return "", false
	}
	for i := len(wc.History) - 1; i >= 0; i-- {
		rec := wc.History[i]
		if rec.Success && (rec.To == StateFailed || rec.To == StateRetry) {
			return rec.From, true
		}
		if !rec.Success && rec.From != StateRetry && rec.From != StateFailed {
			return rec.From, true
		}
	}
	return "", false
}

// findFile locates the stem's pipeline file inside a folder. Approval
// records are sidecars, not pipeline files, and are skipped.
func (e *Engine) findFile(folder, stem string) (name, path string) {
	names, err := e.layout.Files(folder)
	if err != nil {
		return "", ""
	}
	for _, n := range names {
		if vault.Stem(n) != stem || strings.HasSuffix(n, vault.SuffixApproval) {
			continue
		}
		return n, e.layout.FilePath(folder, n)
	}
	return "", ""
}

// PromoteToPlan completes ACTION_PROCESSING → PLANS for a stem whose
// pipeline file changes identity: the generated plan materialises in
// Plans and the consumed action file is archived in the same locked
// section, so the stem never occupies two non-terminal folders.
func (e *Engine) PromoteToPlan(ctx context.Context, stem string, plan *vault.Plan) (string, error) {
	corr := plan.CorrelationID
	if corr == "" {
		corr = stem
	}

	lease, err := e.locks.Acquire(ctx, stem)
	if err != nil {
		return "", asError("promote plan", stem, err)
	}
	defer lease.Release()

	actionName, actionPath := e.findFile(vault.FolderNeedsAction, stem)
	if actionName == "" {
		return "", E(KindFileNotFound, "promote plan", stem, nil)
	}
	planPath := e.layout.FilePath(vault.FolderPlans, vault.PlanFilename(stem))
	if _, err := os.Stat(planPath); err == nil {
		return "", E(KindTargetExists, "promote plan", stem, nil)
	}
	if err := vault.SavePlan(planPath, plan); err != nil {
		return "", E(KindSchemaInvalid, "promote plan", stem, err)
	}
	archived := e.layout.FilePath(vault.FolderArchived, actionName)
	if err := vault.MoveAtomic(actionPath, archived); err != nil {
		os.Remove(planPath)
		return "", E(KindMoveFailed, "promote plan", stem, err)
	}

	e.tracker.SetPlan(corr, plan.ID)
	if _, err := e.complete(Request{
		Stem: stem, From: StateActionProcessing, To: StatePlans, CorrelationID: corr,
		Metadata: map[string]any{"plan_id": plan.ID},
	}, corr, planPath); err != nil {
		return "", err
	}
	return planPath, nil
}

// TransitionWithRetry runs Transition with exponential backoff for
// retryable failures. On exhaustion the file is quarantined in the
// dead-letter queue.
func (e *Engine) TransitionWithRetry(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.met.RetryObserved(string(req.From), string(req.To))
			if err := e.retry.Sleep(ctx, attempt-1); err != nil {
				return Result{}, err
			}
		}
		res, err := e.Transition(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Retryable(err) {
			return res, err
		}
		e.logger.Warn("retryable transition failure",
			slog.String("stem", req.Stem), slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return e.quarantine(ctx, req, lastErr)
}

// quarantine moves the stem's file to the dead-letter queue after retry
// exhaustion and publishes a terminal action.failed.
func (e *Engine) quarantine(ctx context.Context, req Request, cause error) (Result, error) {
	corr := req.CorrelationID
	if corr == "" {
		corr = req.Stem
	}
	_, src := e.findFile(req.From.Folder(), req.Stem)
	if src == "" {
		werr := E(KindFileNotFound, "quarantine", req.Stem, cause)
		return Result{Err: werr}, werr
	}
	if _, err := e.dlq.Add(src, req.From, cause.Error(), e.retry.MaxAttempts, corr, req.Metadata); err != nil {
		werr := E(KindMoveFailed, "quarantine", req.Stem, err)
		return Result{Err: werr}, werr
	}
	e.met.DLQObserved(1)
	if e.pub != nil {
		e.pub.Publish(bus.NewEvent(bus.ActionFailed, "workflow-engine", map[string]any{
			"stem":     req.Stem,
			"from":     string(req.From),
			"terminal": true,
			"error":    cause.Error(),
		}).WithCorrelation(corr))
	}
	e.tracker.Record(corr, TransitionRecord{
		From:      req.From,
		To:        StateDeadLetter,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Error:     cause.Error(),
	})
	werr := E(KindMoveFailed, "transition", req.Stem, cause)
	return Result{Err: werr}, werr
}
