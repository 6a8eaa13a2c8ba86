package execution

import "github.com/vaultflow/vaultflow/vault"

// StackEntry pairs an applied step with the rollback token its adapter
// returned.
type StackEntry struct {
	Step  vault.Step `json:"step"`
	Token string     `json:"token,omitempty"`
}

// rollbackStack is the per-run LIFO of applied steps. Compensation pops
// newest first so later effects are undone before the ones they were
// built on.
type rollbackStack struct {
	items []StackEntry
}

func newStack() *rollbackStack {
	return &rollbackStack{}
}

func (s *rollbackStack) push(e StackEntry) {
	s.items = append(s.items, e)
}

func (s *rollbackStack) pop() (StackEntry, bool) {
	if len(s.items) == 0 {
		return StackEntry{}, false
	}
	e := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return e, true
}

// entries returns the stack newest first, for MANUAL-strategy pauses.
func (s *rollbackStack) entries() []StackEntry {
	out := make([]StackEntry, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		out = append(out, s.items[i])
	}
	return out
}
