package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/vaultflow/vaultflow/vault"
)

// Adapter applies one kind of step against the outside world. Execute
// returns a rollback token for reversible steps: an opaque handle (a
// created-file path, a calendar event id, an idempotency key) that
// Rollback can compensate with.
type Adapter interface {
	Kind() vault.StepKind
	Execute(ctx context.Context, step vault.Step) (rollbackToken string, err error)
	Rollback(ctx context.Context, step vault.Step, rollbackToken string) error
}

// Registry holds the adapters available to REAL mode.
type Registry struct {
	mu       sync.RWMutex
	adapters map[vault.StepKind]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[vault.StepKind]Adapter)}
}

// Register installs an adapter, replacing any previous one of the same
// kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter for a step kind.
func (r *Registry) Lookup(kind vault.StepKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for step kind %q", kind)
	}
	return a, nil
}
