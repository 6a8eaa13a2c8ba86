// Package metrics exposes Prometheus instrumentation for the engine.
// All observation methods are nil-safe so components can run without a
// registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared across components.
type Metrics struct {
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	dlqTotal    prometheus.Counter
	approvals   *prometheus.CounterVec
	executions  *prometheus.HistogramVec
	steps       *prometheus.CounterVec

	openContexts prometheus.Gauge
	folderFiles  *prometheus.GaugeVec
	busPublished prometheus.Gauge
	busDropped   prometheus.Gauge
	serviceUp    *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_transitions_total",
			Help: "Workflow transitions by edge and outcome.",
		}, []string{"from", "to", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_transition_retries_total",
			Help: "Transition retry attempts by edge.",
		}, []string{"from", "to"}),
		dlqTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vaultflow_dead_letter_total",
			Help: "Files quarantined in the dead-letter queue.",
		}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_approval_decisions_total",
			Help: "Approval engine decisions by decision and risk level.",
		}, []string{"decision", "risk_level"}),
		executions: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultflow_execution_duration_seconds",
			Help:    "Plan execution wall time by mode and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"mode", "outcome"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_execution_steps_total",
			Help: "Executed plan steps by kind and status.",
		}, []string{"kind", "status"}),
		openContexts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultflow_open_contexts",
			Help: "Workflow contexts currently in flight.",
		}),
		folderFiles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultflow_folder_files",
			Help: "Files per vault folder.",
		}, []string{"folder"}),
		busPublished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultflow_bus_published_total",
			Help: "Events published on the bus.",
		}),
		busDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vaultflow_bus_dropped_total",
			Help: "Events dropped by overflowing subscriber queues.",
		}),
		serviceUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vaultflow_service_healthy",
			Help: "Per-service health (1 healthy, 0 unhealthy).",
		}, []string{"service"}),
	}
}

// TransitionObserved counts one transition attempt outcome.
func (m *Metrics) TransitionObserved(from, to string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

// RetryObserved counts one retry attempt.
func (m *Metrics) RetryObserved(from, to string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(from, to).Inc()
}

// DLQObserved counts dead-letter admissions.
func (m *Metrics) DLQObserved(n int) {
	if m == nil {
		return
	}
	m.dlqTotal.Add(float64(n))
}

// ApprovalObserved counts one approval decision.
func (m *Metrics) ApprovalObserved(decision, riskLevel string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision, riskLevel).Inc()
}

// ExecutionObserved records one plan execution.
func (m *Metrics) ExecutionObserved(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// StepObserved counts one step result.
func (m *Metrics) StepObserved(kind, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(kind, status).Inc()
}

// SetOpenContexts records the in-flight context count.
func (m *Metrics) SetOpenContexts(n int) {
	if m == nil {
		return
	}
	m.openContexts.Set(float64(n))
}

// SetFolderCount records a folder's file count.
func (m *Metrics) SetFolderCount(folder string, n int) {
	if m == nil {
		return
	}
	m.folderFiles.WithLabelValues(folder).Set(float64(n))
}

// SetBusStats records bus counters.
func (m *Metrics) SetBusStats(published, dropped uint64) {
	if m == nil {
		return
	}
	m.busPublished.Set(float64(published))
	m.busDropped.Set(float64(dropped))
}

// SetServiceHealth records a service's health probe result.
func (m *Metrics) SetServiceHealth(service string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.serviceUp.WithLabelValues(service).Set(v)
}
