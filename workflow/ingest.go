package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/vaultflow/vaultflow/bus"
	"github.com/vaultflow/vaultflow/vault"
)

// DefaultDebounce coalesces editor write bursts on a single inbox file.
const DefaultDebounce = 500 * time.Millisecond

// Ingester watches Inbox and materialises action files in Needs_Action.
// In diagnostic mode it only archives inbox drops without creating
// actions, which isolates watcher problems from pipeline problems.
type Ingester struct {
	layout     *vault.Layout
	engine     *Engine
	pub        bus.Publisher
	debounce   time.Duration
	diagnostic bool
	patterns   []string
	logger     *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewIngester creates an inbox watcher.
func NewIngester(layout *vault.Layout, engine *Engine, pub bus.Publisher,
	debounce time.Duration, diagnostic bool, logger *slog.Logger) *Ingester {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		layout:     layout,
		engine:     engine,
		pub:        pub,
		debounce:   debounce,
		diagnostic: diagnostic,
		logger:     logger,
		pending:    make(map[string]*time.Timer),
	}
}

// SetPatterns restricts ingestion to filenames matching at least one
// doublestar glob. Non-matching drops stay in Inbox untouched. Call
// before Start.
func (in *Ingester) SetPatterns(patterns []string) {
	in.patterns = patterns
}

func (in *Ingester) wanted(name string) bool {
	if len(in.patterns) == 0 {
		return true
	}
	for _, p := range in.patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Start begins watching Inbox. Files already present are ingested
// immediately, covering drops made while the engine was down.
func (in *Ingester) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	inbox := in.layout.Path(vault.FolderInbox)
	if err := w.Add(inbox); err != nil {
		w.Close()
		return fmt.Errorf("watch inbox: %w", err)
	}
	in.watcher = w

	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go in.loop(ctx)

	names, err := in.layout.Files(vault.FolderInbox)
	if err != nil {
		return err
	}
	for _, name := range names {
		in.schedule(ctx, filepath.Join(inbox, name))
	}
	in.logger.Info("inbox watcher started", slog.String("path", inbox),
		slog.Bool("diagnostic", in.diagnostic))
	return nil
}

// Stop cancels the watcher and waits for in-flight ingestions.
func (in *Ingester) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	if in.watcher != nil {
		in.watcher.Close()
	}
	in.mu.Lock()
	for path, timer := range in.pending {
		// A timer that already fired keeps its slot; its callback
		// releases it. Only disarmed timers are released here.
		if timer.Stop() {
			in.wg.Done()
		}
		delete(in.pending, path)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Ingester) loop(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			base := filepath.Base(ev.Name)
			if base == "" || base[0] == '.' || strings.HasSuffix(base, ".tmp") {
				continue
			}
			in.schedule(ctx, ev.Name)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Error("inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a path. The
// waitgroup slot is reserved here, not in the callback, so Stop's Wait
// always covers a fired timer; Stop releases the slot for timers it
// disarms first.
func (in *Ingester) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if timer, ok := in.pending[path]; ok {
		timer.Reset(in.debounce)
		return
	}
	in.wg.Add(1)
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		defer in.wg.Done()
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := in.ingest(ctx, path); err != nil {
			in.logger.Error("inbox ingestion failed",
				slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		}
	})
}

// ingest turns one inbox drop into an action file, archives the raw
// input under the action's stem, and announces the new action.
func (in *Ingester) ingest(ctx context.Context, path string) error {
	if !in.wanted(filepath.Base(path)) {
		in.logger.Debug("inbox drop skipped by pattern filter",
			slog.String("file", filepath.Base(path)))
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already consumed
		}
		return fmt.Errorf("read inbox file: %w", err)
	}

	if in.diagnostic {
		dst := in.layout.FilePath(vault.FolderArchived, filepath.Base(path))
		if err := vault.MoveAtomic(path, dst); err != nil {
			return E(KindMoveFailed, "ingest", filepath.Base(path), err)
		}
		in.logger.Info("diagnostic mode: archived inbox drop",
			slog.String("file", filepath.Base(path)))
		return nil
	}

	action := actionFromInput(filepath.Base(path), data)
	actionPath := in.layout.FilePath(vault.FolderNeedsAction, vault.ActionFilename(action.ID))
	if err := vault.SaveAction(actionPath, action); err != nil {
		return fmt.Errorf("write action file: %w", err)
	}

	// Preserve provenance: the raw input keeps the new stem in Archived.
	rawSuffix := vault.Suffix(filepath.Base(path))
	if rawSuffix == "" {
		rawSuffix = ".raw"
	}
	archived := in.layout.FilePath(vault.FolderArchived, action.ID+rawSuffix)
	if err := vault.MoveAtomic(path, archived); err != nil {
		return E(KindMoveFailed, "ingest", action.ID, err)
	}

	in.engine.Tracker().Open(action.ID, action.ID, StateNeedsAction)
	if aud := in.engine.aud; aud != nil {
		aud.RecordTransition("inbox-watcher", action.ID, action.ID,
			string(StateInbox), string(StateNeedsAction))
	}
	if in.pub != nil {
		in.pub.Publish(bus.NewEvent(bus.ActionGenerated, "inbox-watcher", map[string]any{
			"stem":        action.ID,
			"action_type": string(action.Type),
			"original":    filepath.Base(path),
		}).WithCorrelation(action.ID))
	}
	in.logger.Info("action generated",
		slog.String("action_id", action.ID),
		slog.String("type", string(action.Type)),
		slog.String("original", filepath.Base(path)))
	return nil
}

// actionFromInput builds an Action from arbitrary inbox text. Lines of
// the form "key: value" set type, priority, source and duration; the
// type defaults to other when inference has nothing to go on.
func actionFromInput(filename string, data []byte) *vault.Action {
	action := vault.NewAction(vault.ActionOther, vault.PriorityMedium, "inbox-watcher")
	action.Context["original_filename"] = filename

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "type":
			if t := vault.ActionType(value); t.IsValid() {
				action.Type = t
			}
		case "priority":
			if p := vault.Priority(value); p.IsValid() {
				action.Priority = p
			}
		case "source":
			if value != "" {
				action.Source = value
			}
		case "estimated_duration_min":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				action.EstimatedDurationMin = n
			}
		}
	}
	return action
}
