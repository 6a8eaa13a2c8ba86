package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/metrics"
	"github.com/vaultflow/vaultflow/vault"
	"github.com/vaultflow/vaultflow/workflow"
)

// DefaultDashboardInterval is how often Dashboard.md is rewritten.
const DefaultDashboardInterval = 30 * time.Second

const dashboardTailSize = 20

// Dashboard periodically rewrites Dashboard.md at the vault root with
// folder counts, open contexts, service states and the audit tail. It
// is itself a managed service.
type Dashboard struct {
	layout   *vault.Layout
	tracker  *workflow.Tracker
	aud      *audit.Log
	orch     *Orchestrator
	met      *metrics.Metrics
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDashboard wires the dashboard writer. orch supplies service
// statuses; aud and met may be nil.
func NewDashboard(layout *vault.Layout, tracker *workflow.Tracker, aud *audit.Log,
	orch *Orchestrator, met *metrics.Metrics, interval time.Duration, logger *slog.Logger) *Dashboard {
	if interval <= 0 {
		interval = DefaultDashboardInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{
		layout:   layout,
		tracker:  tracker,
		aud:      aud,
		orch:     orch,
		met:      met,
		interval: interval,
		logger:   logger,
	}
}

func (d *Dashboard) Name() string { return "dashboard" }

func (d *Dashboard) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(runCtx)
	return nil
}

func (d *Dashboard) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return nil
}

func (d *Dashboard) HealthCheck(ctx context.Context) Health {
	return Health{Healthy: d.layout.Verify()}
}

func (d *Dashboard) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.refresh()
	for {
		select {
		case <-ctx.Done():
			// Final write so the dashboard reflects the shutdown state.
			d.refresh()
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *Dashboard) refresh() {
	if err := d.write(); err != nil {
		d.logger.Warn("dashboard write failed", slog.String("error", err.Error()))
	}
}

func (d *Dashboard) write() error {
	stats := d.layout.Stats()
	for folder, n := range stats {
		d.met.SetFolderCount(folder, n)
	}
	d.met.SetOpenContexts(d.tracker.Len())

	var b strings.Builder
	b.WriteString("# Vault Dashboard\n\n")
	fmt.Fprintf(&b, "## System Status\n- **Last Updated**: %s\n- **Open Workflows**: %d\n\n",
		time.Now().UTC().Format(time.RFC3339), d.tracker.Len())

	b.WriteString("## Pipeline\n")
	for _, folder := range []string{
		vault.FolderInbox, vault.FolderNeedsAction, vault.FolderPlans,
		vault.FolderPendingApproval, vault.FolderApproved, vault.FolderDone,
		vault.FolderFailed, vault.FolderRetry, vault.FolderDeadLetter,
	} {
		fmt.Fprintf(&b, "- **%s**: %d\n", folder, stats[folder])
	}
	b.WriteString("\n")

	if d.orch != nil {
		b.WriteString("## Services\n")
		statuses := d.orch.Statuses()
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
		for _, st := range statuses {
			line := fmt.Sprintf("- **%s**: %s", st.Name, st.State)
			if !st.LastChecked.IsZero() {
				line += fmt.Sprintf(" (checked %s, %dms)",
					st.LastChecked.Format(time.RFC3339), st.LastHealth.LatencyMS)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if d.aud != nil {
		b.WriteString("## Recent Activity\n")
		tail, err := d.aud.Tail(dashboardTailSize)
		if err != nil {
			fmt.Fprintf(&b, "- audit log unreadable: %s\n", err)
		} else if len(tail) == 0 {
			b.WriteString("- no activity yet\n")
		} else {
			for i := len(tail) - 1; i >= 0; i-- {
				e := tail[i]
				fmt.Fprintf(&b, "- %s `%s` %s %s\n",
					e.Timestamp.Format("15:04:05"), e.EventType, e.Action, e.ResourceID)
			}
		}
	}

	path := filepath.Join(d.layout.Root(), vault.DashboardFile)
	return vault.WriteAtomic(path, []byte(b.String()))
}
