package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vaultflow/vaultflow/approval"
	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/execution"
	"github.com/vaultflow/vaultflow/metrics"
	"github.com/vaultflow/vaultflow/orchestrator"
	"github.com/vaultflow/vaultflow/planner"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

func newStartCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the orchestrator daemon",
		Long: `Start watches Inbox, plans and evaluates new actions, executes
approved plans, refreshes Dashboard.md and serves Prometheus metrics.
It blocks until SIGINT or SIGTERM; SIGHUP reloads the approval rules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
}

func runDaemon(ctx context.Context, flags *rootFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	layout, err := vault.NewLayout(cfg.VaultPath, logger)
	if err != nil {
		return err
	}
	if !layout.Verify() {
		return fmt.Errorf("vault at %s is missing folders; run vaultflow vault init", cfg.VaultPath)
	}
	if err := layout.CheckSameFilesystem(); err != nil {
		return err
	}

	removePID, err := writePIDFile(layout)
	if err != nil {
		return err
	}
	defer removePID()

	aud, err := audit.Open(cfg.AuditDir(), logger)
	if err != nil {
		return err
	}

	broker := bus.New(bus.Config{
		HistorySize:     cfg.Bus.HistorySize,
		SubscriberQueue: cfg.Bus.SubscriberQueue,
	}, logger)
	met := metrics.New(prometheus.DefaultRegisterer)

	tracker := workflow.NewTracker(logger)
	snapshotPath := layout.FilePath(vault.FolderSystemLog, workflow.OpenContextsFile)
	if err := tracker.Load(snapshotPath); err != nil {
		logger.Warn("open contexts snapshot unreadable", slog.String("error", err.Error()))
	}
	if err := tracker.Rebuild(layout); err != nil {
		return err
	}

	locks := workflow.NewLocker(layout.Path(vault.FolderLocks), cfg.LockTimeout(), cfg.LockStale(), aud, logger)
	dlq := workflow.NewDLQ(layout, aud, logger)
	retry := workflow.RetryPolicy{Base: cfg.RetryBase(), Cap: cfg.RetryCap(), MaxAttempts: cfg.Retry.MaxAttempts}
	engine := workflow.NewEngine(layout, locks, aud, broker, tracker, dlq, retry, met, logger)

	rules, err := approvalRules(cfg)
	if err != nil {
		return err
	}
	approver, err := approval.NewEngine(rules, aud, met, logger)
	if err != nil {
		return err
	}
	executor, err := execution.NewExecutor(execution.Config{
		Mode:        execution.Mode(cfg.Execution.Mode),
		Rollback:    execution.RollbackStrategy(cfg.Execution.RollbackStrategy),
		StepTimeout: cfg.StepTimeout(),
		Retry:       retry,
	}, nil, aud, broker, met, logger)
	if err != nil {
		return err
	}

	ingester := workflow.NewIngester(layout, engine, broker, cfg.IngestDebounce(), cfg.Ingest.Diagnostic, logger)
	ingester.SetPatterns(cfg.Ingest.Patterns)
	pipeline := orchestrator.NewPipeline(layout, engine, planner.NewTemplatePlanner(logger),
		approver, executor, broker, aud, logger)

	orch := orchestrator.New(orchestrator.Config{
		HealthInterval: cfg.HealthInterval(),
		HealthTimeout:  cfg.HealthTimeout(),
	}, broker, aud, met, logger)
	orch.ReloadRules = func() error {
		rules, err := approvalRules(cfg)
		if err != nil {
			return err
		}
		if rules == nil {
			rules = approval.DefaultRules()
		}
		return approver.Reload(rules)
	}

	dashboard := orchestrator.NewDashboard(layout, tracker, aud, orch, met, cfg.DashboardInterval(), logger)
	orch.Register(pipeline)
	orch.Register(orchestrator.NewIngestService(layout, ingester))
	orch.Register(dashboard)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("vaultflow starting",
		slog.String("vault", cfg.VaultPath),
		slog.String("mode", cfg.Execution.Mode))

	runErr := orch.Run(ctx)

	// Shutdown has drained the bus; persist open contexts for the next
	// start and stop the metrics listener.
	if err := tracker.Snapshot(snapshotPath); err != nil {
		logger.Error("open contexts snapshot failed", slog.String("error", err.Error()))
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
