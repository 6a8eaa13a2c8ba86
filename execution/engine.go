package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/metrics"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

// Defaults.
const (
	DefaultStepTimeout = 120 * time.Second
	// defaultSimulatedMS is the sleep for SIMULATED steps without an
	// explicit params.simulated_ms.
	defaultSimulatedMS = 100
)

// Config parameterizes an executor.
type Config struct {
	Mode        Mode
	Rollback    RollbackStrategy
	StepTimeout time.Duration
	Retry       workflow.RetryPolicy
}

// StepResult records one step's final disposition within a run.
type StepResult struct {
	Index         int        `json:"index"`
	Status        StepStatus `json:"status"`
	DurationMS    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	RollbackToken string     `json:"rollback_token,omitempty"`
	Attempts      int        `json:"attempts"`
}

// RunResult summarises a plan execution.
type RunResult struct {
	Outcome Outcome      `json:"outcome"`
	Steps   []StepResult `json:"steps"`

	// PreservedStack is non-nil after a MANUAL-strategy failure: the
	// applied steps awaiting an operator decision, newest first.
	PreservedStack []StackEntry `json:"preserved_stack,omitempty"`
}

// Executor runs plans. One executor serves the whole process; each Run
// keeps its own rollback stack.
type Executor struct {
	cfg      Config
	registry *Registry
	aud      *audit.Log
	pub      bus.Publisher
	met      *metrics.Metrics
	logger   *slog.Logger
}

// NewExecutor builds an executor. registry may be nil outside REAL
// mode; aud, pub and met may be nil.
func NewExecutor(cfg Config, registry *Registry, aud *audit.Log, pub bus.Publisher,
	met *metrics.Metrics, logger *slog.Logger) (*Executor, error) {
	if !cfg.Mode.IsValid() {
		return nil, &vault.ValidationError{Field: "execution.mode", Message: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
	if !cfg.Rollback.IsValid() {
		return nil, &vault.ValidationError{Field: "execution.rollback_strategy", Message: fmt.Sprintf("unknown strategy %q", cfg.Rollback)}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Mode == ModeReal && registry == nil {
		return nil, &vault.ValidationError{Field: "execution.mode", Message: "REAL mode requires an adapter registry"}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, registry: registry, aud: aud, pub: pub, met: met, logger: logger}, nil
}

// Mode returns the executor's configured mode.
func (x *Executor) Mode() Mode { return x.cfg.Mode }

// Run executes the plan's steps in order. The returned error is non-nil
// only for outcomes other than succeeded.
func (x *Executor) Run(ctx context.Context, plan *vault.Plan, correlationID string) (RunResult, error) {
	start := time.Now()
	if correlationID == "" {
		correlationID = plan.CorrelationID
	}
	x.recordRun(audit.EventExecutionStarted, plan.ID, correlationID, "running")
	x.logger.Info("plan execution started",
		slog.String("plan_id", plan.ID),
		slog.String("mode", string(x.cfg.Mode)),
		slog.Int("steps", len(plan.Steps)))

	res := RunResult{Outcome: OutcomeSucceeded}
	stack := newStack()

	for _, step := range plan.Steps {
		sr := x.runStepWithRetry(ctx, plan, correlationID, step)
		res.Steps = append(res.Steps, sr)
		x.met.StepObserved(string(step.Kind), string(sr.Status))

		if sr.Status == StepSucceeded {
			stack.push(StackEntry{Step: step, Token: sr.RollbackToken})
			continue
		}

		// Step is lost; apply the rollback strategy to what ran before.
		switch x.cfg.Rollback {
		case RollbackAutomatic:
			if x.unwind(ctx, plan, correlationID, stack, &res) {
				res.Outcome = OutcomeCompensated
			} else {
				res.Outcome = OutcomeQuarantine
			}
		case RollbackManual:
			res.Outcome = OutcomePaused
			res.PreservedStack = stack.entries()
		case RollbackNone:
			res.Outcome = OutcomeFailed
		}
		break
	}

	x.finish(plan, correlationID, res, time.Since(start))
	if res.Outcome == OutcomeSucceeded {
		return res, nil
	}
	return res, workflow.E(kindForOutcome(res.Outcome), "execute plan", plan.ID, errors.New(string(res.Outcome)))
}

func kindForOutcome(o Outcome) workflow.Kind {
	if o == OutcomeQuarantine {
		return workflow.KindRollbackFailed
	}
	return workflow.KindStepFailed
}

// runStepWithRetry retries a failing step with backoff until it
// succeeds, the attempts run out, or the context dies. Timeouts count
// as failed attempts.
func (x *Executor) runStepWithRetry(ctx context.Context, plan *vault.Plan, corr string, step vault.Step) StepResult {
	policy := x.cfg.Retry
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = workflow.DefaultRetryMaxAttempts
	}
	var sr StepResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := policy.Sleep(ctx, attempt-1); err != nil {
				sr.Error = "cancelled"
				return sr
			}
		}
		sr = x.runStep(ctx, plan, corr, step)
		sr.Attempts = attempt + 1
		if sr.Status == StepSucceeded {
			return sr
		}
		if ctx.Err() != nil {
			return sr
		}
	}
	return sr
}

// runStep performs one attempt under the per-step deadline.
func (x *Executor) runStep(ctx context.Context, plan *vault.Plan, corr string, step vault.Step) StepResult {
	sr := StepResult{Index: step.Index, Status: StepRunning}
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, x.cfg.StepTimeout)
	defer cancel()

	token, err := x.apply(stepCtx, step)
	sr.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		sr.Status = StepFailed
		if errors.Is(err, context.DeadlineExceeded) {
			sr.Error = "timeout"
		} else {
			sr.Error = err.Error()
		}
		x.recordStep(audit.EventStepFailed, plan, corr, step, map[string]any{
			"error":       sr.Error,
			"duration_ms": sr.DurationMS,
		})
		x.logger.Warn("step failed",
			slog.String("plan_id", plan.ID),
			slog.Int("step", step.Index),
			slog.String("error", sr.Error))
		return sr
	}

	sr.Status = StepSucceeded
	sr.RollbackToken = token
	x.recordStep(audit.EventStepSucceeded, plan, corr, step, map[string]any{
		"duration_ms": sr.DurationMS,
		"reversible":  step.Reversible,
	})
	return sr
}

// apply performs the mode-specific effect of one step.
func (x *Executor) apply(ctx context.Context, step vault.Step) (string, error) {
	switch x.cfg.Mode {
	case ModeDryRun:
		x.logger.Info("would execute step",
			slog.Int("step", step.Index),
			slog.String("kind", string(step.Kind)))
		return "", nil
	case ModeSimulated:
		ms := defaultSimulatedMS
		if v, ok := step.Params["simulated_ms"].(int); ok && v >= 0 {
			ms = v
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	case ModeReal:
		adapter, err := x.registry.Lookup(step.Kind)
		if err != nil {
			return "", err
		}
		return adapter.Execute(ctx, step)
	}
	return "", fmt.Errorf("unknown execution mode %q", x.cfg.Mode)
}

// unwind pops the stack compensating each applied step in reverse.
// Irreversible steps are recorded as not supported and skipped. It
// reports whether every reversible step was compensated.
func (x *Executor) unwind(ctx context.Context, plan *vault.Plan, corr string, stack *rollbackStack, res *RunResult) bool {
	ok := true
	for {
		entry, more := stack.pop()
		if !more {
			return ok
		}
		if !entry.Step.Reversible {
			x.recordStep(audit.EventRollbackSkipped, plan, corr, entry.Step, nil)
			continue
		}
		err := x.compensate(ctx, entry)
		if err != nil {
			ok = false
			x.recordStep(audit.EventRollbackFailed, plan, corr, entry.Step, map[string]any{
				"error": err.Error(),
			})
			x.logger.Error("rollback failed",
				slog.String("plan_id", plan.ID),
				slog.Int("step", entry.Step.Index),
				slog.String("error", err.Error()))
			continue
		}
		x.recordStep(audit.EventRollbackCompleted, plan, corr, entry.Step, nil)
		markRolledBack(res, entry.Step.Index)
	}
}

func (x *Executor) compensate(ctx context.Context, entry StackEntry) error {
	switch x.cfg.Mode {
	case ModeDryRun:
		x.logger.Info("would roll back step", slog.Int("step", entry.Step.Index))
		return nil
	case ModeSimulated:
		return nil
	case ModeReal:
		adapter, err := x.registry.Lookup(entry.Step.Kind)
		if err != nil {
			return err
		}
		return adapter.Rollback(ctx, entry.Step, entry.Token)
	}
	return fmt.Errorf("unknown execution mode %q", x.cfg.Mode)
}

func markRolledBack(res *RunResult, index int) {
	for i := range res.Steps {
		if res.Steps[i].Index == index {
			res.Steps[i].Status = StepRolledBack
			return
		}
	}
}

// finish emits the run's terminal audit entry, event and metrics.
func (x *Executor) finish(plan *vault.Plan, corr string, res RunResult, elapsed time.Duration) {
	status := string(res.Outcome)
	event := audit.EventExecutionCompleted
	if res.Outcome != OutcomeSucceeded && res.Outcome != OutcomeCompensated {
		event = audit.EventExecutionFailed
	}
	x.recordRun(event, plan.ID, corr, status)
	x.met.ExecutionObserved(string(x.cfg.Mode), status, elapsed)

	if x.pub != nil {
		t := bus.PlanExecutionCompleted
		if event == audit.EventExecutionFailed {
			t = bus.ActionFailed
		}
		x.pub.Publish(bus.NewEvent(t, "execution-engine", map[string]any{
			"plan_id": plan.ID,
			"mode":    string(x.cfg.Mode),
			"outcome": status,
			"steps":   len(res.Steps),
		}).WithCorrelation(corr))
	}
	x.logger.Info("plan execution finished",
		slog.String("plan_id", plan.ID),
		slog.String("outcome", status),
		slog.Duration("elapsed", elapsed))
}

func (x *Executor) recordRun(event, planID, corr, status string) {
	if x.aud == nil {
		return
	}
	if err := x.aud.RecordExecution(event, "execution-engine", planID, corr,
		string(x.cfg.Mode), status); err != nil {
		x.logger.Error("execution audit failed", slog.String("error", err.Error()))
	}
}

func (x *Executor) recordStep(event string, plan *vault.Plan, corr string, step vault.Step, details map[string]any) {
	if x.aud == nil {
		return
	}
	if err := x.aud.RecordStep(event, "execution-engine", plan.ID, corr,
		step.Index, string(step.Kind), details); err != nil {
		x.logger.Error("step audit failed", slog.String("error", err.Error()))
	}
}
