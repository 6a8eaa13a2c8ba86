package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/vault"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturePublisher) Publish(ev bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) byType(t bus.Type) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testRig struct {
	layout  *vault.Layout
	engine  *Engine
	aud     *audit.Log
	pub     *capturePublisher
	tracker *Tracker
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	layout, err := vault.NewLayout(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := layout.Init(); err != nil {
		t.Fatal(err)
	}
	aud, err := audit.Open(layout.Path(vault.FolderAudit), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { aud.Close() })

	locks := NewLocker(layout.Path(vault.FolderLocks), time.Second, DefaultStaleThreshold, aud, nil)
	tracker := NewTracker(nil)
	pub := &capturePublisher{}
	dlq := NewDLQ(layout, aud, nil)
	retry := RetryPolicy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 3}
	engine := NewEngine(layout, locks, aud, pub, tracker, dlq, retry, nil, nil)
	return &testRig{layout: layout, engine: engine, aud: aud, pub: pub, tracker: tracker}
}

// plant writes an action file into the folder backing the given state.
func (r *testRig) plant(t *testing.T, state State) *vault.Action {
	t.Helper()
	action := vault.NewAction(vault.ActionEmailResponse, vault.PriorityMedium, "test")
	path := r.layout.FilePath(state.Folder(), vault.ActionFilename(action.ID))
	if err := vault.SaveAction(path, action); err != nil {
		t.Fatal(err)
	}
	r.tracker.Open(action.ID, action.ID, state)
	return action
}

func TestTransitionMovesFile(t *testing.T) {
	r := newTestRig(t)
	action := r.plant(t, StateActionProcessing)

	res, err := r.engine.Transition(context.Background(), Request{
		Stem: action.ID, From: StateActionProcessing, To: StatePlans,
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !res.Success {
		t.Fatal("Transition() reported failure")
	}
	if _, err := os.Stat(res.NewPath); err != nil {
		t.Errorf("target missing: %v", err)
	}
	if filepath.Dir(res.NewPath) != r.layout.Path(vault.FolderPlans) {
		t.Errorf("file landed in %s, want Plans", filepath.Dir(res.NewPath))
	}
	old := r.layout.FilePath(vault.FolderNeedsAction, vault.ActionFilename(action.ID))
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("source file still present after transition")
	}

	entries, err := r.aud.Query(audit.Filter{EventType: audit.EventTransitionCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("audit has %d transition.completed entries, want 1", len(entries))
	}
	if got := r.pub.byType(bus.PlanCreated); len(got) != 1 {
		t.Errorf("published %d plan.created events, want 1", len(got))
	}
	if wc, ok := r.tracker.Get(action.ID); !ok || wc.State != StatePlans {
		t.Errorf("tracker state = %+v, want PLANS", wc)
	}
}

func TestTransitionSameFolderEdge(t *testing.T) {
	r := newTestRig(t)
	action := r.plant(t, StateNeedsAction)

	res, err := r.engine.Transition(context.Background(), Request{
		Stem: action.ID, From: StateNeedsAction, To: StateActionProcessing,
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !res.Success {
		t.Fatal("same-folder transition failed")
	}
	// The file does not move; only the tracker advances.
	path := r.layout.FilePath(vault.FolderNeedsAction, vault.ActionFilename(action.ID))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file missing after same-folder transition: %v", err)
	}
	if wc, _ := r.tracker.Get(action.ID); wc.State != StateActionProcessing {
		t.Errorf("tracker state = %s, want ACTION_PROCESSING", wc.State)
	}
}

func TestTransitionErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *testRig) Request
		kind  Kind
	}{
		{
			name: "invalid edge",
			setup: func(t *testing.T, r *testRig) Request {
				a := r.plant(t, StatePlans)
				return Request{Stem: a.ID, From: StatePlans, To: StateDone}
			},
			kind: KindInvalidTransition,
		},
		{
			name: "missing source",
			setup: func(t *testing.T, r *testRig) Request {
				return Request{Stem: "0b9bb0f4-0000-4000-8000-000000000000",
					From: StateActionProcessing, To: StatePlans}
			},
			kind: KindFileNotFound,
		},
		{
			name: "target exists",
			setup: func(t *testing.T, r *testRig) Request {
				a := r.plant(t, StateActionProcessing)
				dst := r.layout.FilePath(vault.FolderPlans, vault.ActionFilename(a.ID))
				if err := vault.WriteAtomic(dst, []byte("occupied")); err != nil {
					t.Fatal(err)
				}
				return Request{Stem: a.ID, From: StateActionProcessing, To: StatePlans}
			},
			kind: KindTargetExists,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t)
			req := tt.setup(t, r)
			res, err := r.engine.Transition(context.Background(), req)
			if err == nil {
				t.Fatal("Transition() succeeded, want error")
			}
			if res.Err == nil || res.Err.Kind != tt.kind {
				t.Errorf("error kind = %v, want %v", KindOf(err), tt.kind)
			}
		})
	}
}

func TestConcurrentMoversExactlyOneWins(t *testing.T) {
	r := newTestRig(t)
	action := r.plant(t, StateNeedsAction)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.engine.Transition(context.Background(), Request{
				Stem: action.ID, From: StateNeedsAction, To: StateActionProcessing,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		switch KindOf(err) {
		case KindInvalidTransition, KindLockTimeout:
		default:
			t.Errorf("loser error kind = %v, want InvalidTransition or LockTimeout", KindOf(err))
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	entries, err := r.aud.Query(audit.Filter{EventType: audit.EventTransitionCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("audit has %d transition.completed entries, want 1", len(entries))
	}
}

func TestSingleOccupancyAcrossPipeline(t *testing.T) {
	r := newTestRig(t)
	action := r.plant(t, StateActionProcessing)

	if _, err := r.engine.Transition(context.Background(), Request{
		Stem: action.ID, From: StateActionProcessing, To: StatePlans,
	}); err != nil {
		t.Fatal(err)
	}

	found := 0
	for _, folder := range vault.PipelineFolders {
		names, err := r.layout.Files(folder)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range names {
			if vault.Stem(n) == action.ID {
				found++
			}
		}
	}
	if found != 1 {
		t.Errorf("stem appears %d times across pipeline folders, want 1", found)
	}
}

func TestTransitionWithRetryQuarantines(t *testing.T) {
	r := newTestRig(t)
	action := r.plant(t, StateFailed)

	// Squat on the lock from a fake foreign process so every attempt
	// times out, which is retryable, until the retries run out.
	lockPath := filepath.Join(r.layout.Path(vault.FolderLocks), action.ID+".lock")
	if err := os.WriteFile(lockPath, []byte("pid: 999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(lockPath)

	_, err := r.engine.TransitionWithRetry(context.Background(), Request{
		Stem: action.ID, From: StateFailed, To: StateRetry,
	})
	if err == nil {
		t.Fatal("TransitionWithRetry() succeeded, want quarantine")
	}

	os.Remove(lockPath)
	entries, listErr := r.engine.DLQ().List()
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ has %d entries, want 1", len(entries))
	}
	if entries[0].SourceState != StateFailed {
		t.Errorf("DLQ source state = %s, want FAILED", entries[0].SourceState)
	}
	if got := r.pub.byType(bus.ActionFailed); len(got) == 0 {
		t.Error("no terminal action.failed published")
	} else if v, _ := got[len(got)-1].Payload["terminal"].(bool); !v {
		t.Error("action.failed missing terminal=true")
	}
}
