package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultflow/vaultflow/bus"
)

// healthLoop probes every running service at the configured interval.
// Three consecutive failures mark a service UNHEALTHY and publish
// service.error; a later success restores RUNNING.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer close(o.healthDone)

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkAll(ctx)
		}
	}
}

func (o *Orchestrator) checkAll(ctx context.Context) {
	o.mu.Lock()
	started := make([]*managed, len(o.started))
	copy(started, o.started)
	o.mu.Unlock()

	for _, m := range started {
		o.checkOne(ctx, m)
	}
}

func (o *Orchestrator) checkOne(ctx context.Context, m *managed) {
	name := m.svc.Name()
	h := probe(ctx, m.svc, o.cfg.HealthTimeout)

	m.mu.Lock()
	m.lastHealth = h
	m.lastChecked = time.Now().UTC()
	if h.Healthy {
		if m.failureCount >= unhealthyThreshold {
			o.logger.Info("service recovered", slog.String("service", name))
		}
		m.failureCount = 0
		if m.state == StateUnhealthy {
			m.state = StateRunning
		}
	} else {
		m.failureCount++
	}
	failures := m.failureCount
	crossed := failures == unhealthyThreshold
	if failures >= unhealthyThreshold && m.state == StateRunning {
		m.state = StateUnhealthy
	}
	m.mu.Unlock()

	o.met.SetServiceHealth(name, h.Healthy)

	if !h.Healthy {
		o.logger.Warn("health check failed",
			slog.String("service", name),
			slog.Int("consecutive_failures", failures),
			slog.Any("details", h.Details))
	}
	// service.error fires once per crossing, not on every failed probe.
	if crossed {
		o.publishLifecycle(bus.ServiceError, name, "health check failed 3 consecutive times")
		if o.aud != nil {
			o.aud.RecordService("orchestrator", name, "unhealthy")
		}
	}
}
