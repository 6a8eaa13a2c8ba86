// Package orchestrator owns process lifecycle: service registration,
// dependency-ordered startup with rewind on failure, periodic health
// checks, signal handling, graceful shutdown, and the dashboard.
package orchestrator

import (
	"context"
	"time"
)

// Health is the result of one health probe.
type Health struct {
	Healthy   bool           `json:"healthy"`
	LatencyMS int64          `json:"latency_ms"`
	Details   map[string]any `json:"details,omitempty"`
}

// Service is the capability set every managed component implements.
// Start must return once the service is running; long-lived work
// belongs in goroutines the service owns and tears down in Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) Health
}

// State tracks a service through its lifecycle.
type State string

// Service states.
const (
	StateStopped   State = "STOPPED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateStopping  State = "STOPPING"
	StateError     State = "ERROR"
	StateUnhealthy State = "UNHEALTHY"
)

// Status is a point-in-time snapshot of one managed service.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	LastHealth   Health    `json:"last_health"`
	LastChecked  time.Time `json:"last_checked,omitempty"`
	FailureCount int       `json:"failure_count"`
}

// probe times one health check.
func probe(ctx context.Context, svc Service, timeout time.Duration) Health {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Health, 1)
	go func() { done <- svc.HealthCheck(ctx) }()
	select {
	case h := <-done:
		h.LatencyMS = time.Since(start).Milliseconds()
		return h
	case <-ctx.Done():
		return Health{
			Healthy:   false,
			LatencyMS: time.Since(start).Milliseconds(),
			Details:   map[string]any{"error": "HealthTimeout"},
		}
	}
}
