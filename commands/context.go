package commands

import (
	"log/slog"

	"github.com/vaultflow/vaultflow/approval"
	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/config"
	"github.com/vaultflow/vaultflow/execution"
	"github.com/vaultflow/vaultflow/orchestrator"
	"github.com/vaultflow/vaultflow/planner"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

// cmdContext is the wired engine stack operator commands run against.
// It talks to the vault directly; a concurrently running daemon is
// safe because every mutation goes through the per-stem file locks.
type cmdContext struct {
	cfg      *config.Config
	logger   *slog.Logger
	layout   *vault.Layout
	aud      *audit.Log
	tracker  *workflow.Tracker
	engine   *workflow.Engine
	pipeline *orchestrator.Pipeline
}

// loadConfig resolves the layered configuration plus flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	bootLogger := newLogger(flags.logLevel)
	cfg, err := config.NewLoader(bootLogger).Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newCmdContext builds the stack for one-shot operator commands. The
// tracker is rebuilt from the folder layout, which is the durable state.
func newCmdContext(flags *rootFlags) (*cmdContext, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	layout, err := vault.NewLayout(cfg.VaultPath, logger)
	if err != nil {
		return nil, err
	}
	aud, err := audit.Open(cfg.AuditDir(), logger)
	if err != nil {
		return nil, err
	}

	tracker := workflow.NewTracker(logger)
	if err := tracker.Load(layout.FilePath(vault.FolderSystemLog, workflow.OpenContextsFile)); err != nil {
		logger.Warn("open contexts snapshot unreadable", slog.String("error", err.Error()))
	}
	if err := tracker.Rebuild(layout); err != nil {
		return nil, err
	}

	locks := workflow.NewLocker(layout.Path(vault.FolderLocks), cfg.LockTimeout(), cfg.LockStale(), aud, logger)
	dlq := workflow.NewDLQ(layout, aud, logger)
	retry := workflow.RetryPolicy{Base: cfg.RetryBase(), Cap: cfg.RetryCap(), MaxAttempts: cfg.Retry.MaxAttempts}
	engine := workflow.NewEngine(layout, locks, aud, nil, tracker, dlq, retry, nil, logger)

	rules, err := approvalRules(cfg)
	if err != nil {
		return nil, err
	}
	approver, err := approval.NewEngine(rules, aud, nil, logger)
	if err != nil {
		return nil, err
	}
	executor, err := execution.NewExecutor(execution.Config{
		Mode:        execution.Mode(cfg.Execution.Mode),
		Rollback:    execution.RollbackStrategy(cfg.Execution.RollbackStrategy),
		StepTimeout: cfg.StepTimeout(),
		Retry:       retry,
	}, nil, aud, nil, nil, logger)
	if err != nil {
		return nil, err
	}

	pipeline := orchestrator.NewPipeline(layout, engine, planner.NewTemplatePlanner(logger),
		approver, executor, nil, aud, logger)
	return &cmdContext{
		cfg:      cfg,
		logger:   logger,
		layout:   layout,
		aud:      aud,
		tracker:  tracker,
		engine:   engine,
		pipeline: pipeline,
	}, nil
}

func (c *cmdContext) close() {
	if c.aud != nil {
		c.aud.Close()
	}
}

// approvalRules loads the configured rule file, or nil for defaults.
func approvalRules(cfg *config.Config) ([]approval.Rule, error) {
	if cfg.Approval.Rules == "" {
		return nil, nil
	}
	return approval.LoadRules(cfg.Approval.Rules)
}
