package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vaultflow/vaultflow/vault"
)

// OpenContextsFile is the shutdown snapshot of in-flight contexts,
// written under System_Log and reloaded on the next start.
const OpenContextsFile = "open_contexts.json"

// TransitionRecord is one step in a context's state history.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// WorkflowContext tracks one action's journey through the pipeline.
type WorkflowContext struct {
	CorrelationID string             `json:"correlation_id"`
	ActionID      string             `json:"action_id"`
	PlanID        string             `json:"plan_id,omitempty"`
	State         State              `json:"state"`
	OpenedAt      time.Time          `json:"opened_at"`
	History       []TransitionRecord `json:"state_history"`
}

// Tracker is the in-memory index of open workflow contexts, keyed by
// correlation id. One open context exists per action in a non-terminal
// state; terminal transitions close the context.
type Tracker struct {
	logger *slog.Logger

	mu       sync.Mutex
	contexts map[string]*WorkflowContext
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, contexts: make(map[string]*WorkflowContext)}
}

// Open registers a context. Reopening an existing correlation id is a
// no-op returning the existing context.
func (t *Tracker) Open(correlationID, actionID string, state State) *WorkflowContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wc, ok := t.contexts[correlationID]; ok {
		return wc
	}
	wc := &WorkflowContext{
		CorrelationID: correlationID,
		ActionID:      actionID,
		State:         state,
		OpenedAt:      time.Now().UTC(),
	}
	t.contexts[correlationID] = wc
	return wc
}

// SetPlan records the plan id generated for the context's action.
func (t *Tracker) SetPlan(correlationID, planID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wc, ok := t.contexts[correlationID]; ok {
		wc.PlanID = planID
	}
}

// Record appends a transition to the context history. Successful
// transitions update the current state; terminal states close the
// context.
func (t *Tracker) Record(correlationID string, rec TransitionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wc, ok := t.contexts[correlationID]
	if !ok {
		wc = &WorkflowContext{
			CorrelationID: correlationID,
			State:         rec.From,
			OpenedAt:      time.Now().UTC(),
		}
		t.contexts[correlationID] = wc
	}
	wc.History = append(wc.History, rec)
	if rec.Success {
		wc.State = rec.To
		if rec.To.Terminal() {
			delete(t.contexts, correlationID)
		}
	}
}

// Get returns a copy of the context for the correlation id.
func (t *Tracker) Get(correlationID string) (WorkflowContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wc, ok := t.contexts[correlationID]
	if !ok {
		return WorkflowContext{}, false
	}
	return *wc, true
}

// OpenContexts returns copies of every open context.
func (t *Tracker) OpenContexts() []WorkflowContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkflowContext, 0, len(t.contexts))
	for _, wc := range t.contexts {
		out = append(out, *wc)
	}
	return out
}

// Len returns the number of open contexts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// Snapshot writes open contexts to the given path atomically.
func (t *Tracker) Snapshot(path string) error {
	data, err := json.MarshalIndent(t.OpenContexts(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal open contexts: %w", err)
	}
	return vault.WriteAtomic(path, data)
}

// Load restores contexts from a previous snapshot. A missing file is
// not an error.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read open contexts: %w", err)
	}
	var contexts []WorkflowContext
	if err := json.Unmarshal(data, &contexts); err != nil {
		return fmt.Errorf("parse open contexts: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range contexts {
		wc := contexts[i]
		t.contexts[wc.CorrelationID] = &wc
	}
	return nil
}

// folderStates maps each pipeline folder to the canonical state a file
// resting there is assumed to hold during rebuild.
var folderStates = map[string]State{
	vault.FolderInbox:           StateInbox,
	vault.FolderNeedsAction:     StateNeedsAction,
	vault.FolderPlans:           StatePlans,
	vault.FolderPendingApproval: StatePendingApproval,
	vault.FolderApproved:        StateApproved,
	vault.FolderFailed:          StateFailed,
	vault.FolderRejected:        StateRejected,
	vault.FolderRetry:           StateRetry,
}

// Rebuild scans the non-terminal folders and opens a context for every
// stem found without one. Files dropped while the engine was down are
// picked up this way.
func (t *Tracker) Rebuild(layout *vault.Layout) error {
	for _, folder := range vault.PipelineFolders {
		state, ok := folderStates[folder]
		if !ok {
			continue
		}
		names, err := layout.Files(folder)
		if err != nil {
			return err
		}
		for _, name := range names {
			stem := vault.Stem(name)
			if !vault.IsUUIDStem(name) {
				continue
			}
			t.mu.Lock()
			if _, exists := t.contexts[stem]; !exists {
				t.contexts[stem] = &WorkflowContext{
					CorrelationID: stem,
					ActionID:      stem,
					State:         state,
					OpenedAt:      time.Now().UTC(),
				}
				t.logger.Debug("rebuilt workflow context",
					slog.String("stem", stem), slog.String("state", string(state)))
			}
			t.mu.Unlock()
		}
	}
	return nil
}
