package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/metrics"
)

// Defaults.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultDrainTimeout   = 10 * time.Second

	// unhealthyThreshold is how many consecutive failed probes mark a
	// service UNHEALTHY.
	unhealthyThreshold = 3
)

// Config parameterizes the orchestrator.
type Config struct {
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	DrainTimeout   time.Duration
}

type managed struct {
	svc Service

	mu           sync.Mutex
	state        State
	lastHealth   Health
	lastChecked  time.Time
	failureCount int
}

func (m *managed) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *managed) status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Name:         m.svc.Name(),
		State:        m.state,
		LastHealth:   m.lastHealth,
		LastChecked:  m.lastChecked,
		FailureCount: m.failureCount,
	}
}

// Orchestrator starts services in registration order (registration
// order is dependency order), monitors their health, and shuts them
// down in reverse.
type Orchestrator struct {
	cfg    Config
	broker *bus.Bus
	aud    *audit.Log
	met    *metrics.Metrics
	logger *slog.Logger

	mu       sync.Mutex
	services []*managed
	started  []*managed
	stopping bool

	// ReloadRules is invoked on SIGHUP; wired by the composition root
	// to the approval engine's atomic rule swap.
	ReloadRules func() error

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New creates an orchestrator. aud and met may be nil.
func New(cfg Config, broker *bus.Bus, aud *audit.Log, met *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, broker: broker, aud: aud, met: met, logger: logger}
}

// Register adds a service. Services start in registration order.
func (o *Orchestrator) Register(svc Service) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.services = append(o.services, &managed{svc: svc, state: StateStopped})
}

// Statuses returns a snapshot of every registered service.
func (o *Orchestrator) Statuses() []Status {
	o.mu.Lock()
	services := make([]*managed, len(o.services))
	copy(services, o.services)
	o.mu.Unlock()

	out := make([]Status, 0, len(services))
	for _, m := range services {
		out = append(out, m.status())
	}
	return out
}

// StartAll starts every service in order. A failure rewinds the
// already-started services in reverse and returns the cause.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	services := make([]*managed, len(o.services))
	copy(services, o.services)
	o.mu.Unlock()

	for _, m := range services {
		name := m.svc.Name()
		m.setState(StateStarting)
		o.logger.Info("starting service", slog.String("service", name))
		if err := m.svc.Start(ctx); err != nil {
			m.setState(StateError)
			o.logger.Error("service failed to start",
				slog.String("service", name), slog.String("error", err.Error()))
			o.publishLifecycle(bus.ServiceError, name, err.Error())
			o.rewind(ctx)
			return fmt.Errorf("start %s: %w", name, err)
		}
		m.setState(StateRunning)
		o.mu.Lock()
		o.started = append(o.started, m)
		o.mu.Unlock()
		o.publishLifecycle(bus.ServiceStarted, name, "")
		if o.aud != nil {
			o.aud.RecordService("orchestrator", name, "started")
		}
	}

	hctx, cancel := context.WithCancel(context.Background())
	o.healthCancel = cancel
	o.healthDone = make(chan struct{})
	go o.healthLoop(hctx)
	return nil
}

// rewind stops the already-started services in reverse order.
func (o *Orchestrator) rewind(ctx context.Context) {
	o.mu.Lock()
	started := make([]*managed, len(o.started))
	copy(started, o.started)
	o.started = nil
	o.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		m := started[i]
		name := m.svc.Name()
		m.setState(StateStopping)
		if err := m.svc.Stop(ctx); err != nil {
			o.logger.Error("service failed to stop",
				slog.String("service", name), slog.String("error", err.Error()))
		}
		m.setState(StateStopped)
		o.publishLifecycle(bus.ServiceStopped, name, "")
		if o.aud != nil {
			o.aud.RecordService("orchestrator", name, "stopped")
		}
	}
}

// Shutdown stops everything: health loop, services in reverse start
// order, then drains the bus within the configured deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.stopping = true
	o.mu.Unlock()

	o.logger.Info("shutdown initiated")
	if o.healthCancel != nil {
		o.healthCancel()
		<-o.healthDone
	}
	o.rewind(ctx)

	if o.broker != nil {
		drainCtx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
		defer cancel()
		stats := o.broker.Shutdown(drainCtx)
		o.logger.Info("event bus drained",
			slog.Uint64("published", stats.Published),
			slog.Uint64("dropped", stats.Dropped),
			slog.Uint64("cancelled", stats.Cancelled))
	}
	if o.aud != nil {
		if err := o.aud.Close(); err != nil {
			o.logger.Error("audit close failed", slog.String("error", err.Error()))
		}
	}
	o.logger.Info("shutdown complete")
}

// Run starts everything and blocks until a termination signal or
// context cancellation, handling SIGHUP rule reloads in between.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.StartAll(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	// system.shutdown on the bus also terminates the process.
	busShutdown := make(chan struct{}, 1)
	if o.broker != nil {
		o.broker.Subscribe("orchestrator", bus.DeliverAsync, []bus.Type{bus.SystemShutdown},
			func(context.Context, bus.Event) {
				select {
				case busShutdown <- struct{}{}:
				default:
				}
			})
	}

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				o.reload()
				continue
			}
			o.logger.Info("termination signal received", slog.String("signal", sig.String()))
			o.Shutdown(context.Background())
			return nil
		case <-busShutdown:
			o.logger.Info("system.shutdown event received")
			o.Shutdown(context.Background())
			return nil
		case <-ctx.Done():
			o.Shutdown(context.Background())
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) reload() {
	if o.ReloadRules == nil {
		return
	}
	if err := o.ReloadRules(); err != nil {
		o.logger.Error("rule reload failed", slog.String("error", err.Error()))
		return
	}
	o.logger.Info("approval rules reloaded")
}

func (o *Orchestrator) publishLifecycle(t bus.Type, name, errText string) {
	if o.broker == nil {
		return
	}
	payload := map[string]any{"service": name}
	if errText != "" {
		payload["error"] = errText
	}
	o.broker.Publish(bus.NewEvent(t, "orchestrator", payload))
}
