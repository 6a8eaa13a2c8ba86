package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vaultflow/vaultflow/audit"
)

// Lock defaults.
const (
	DefaultLockTimeout    = 10 * time.Second
	DefaultStaleThreshold = 300 * time.Second

	lockPollInterval = 50 * time.Millisecond
)

// auditor is the slice of the audit log the locker needs.
type auditor interface {
	Record(eventType, actor, action, resource, resourceID, correlationID string, details map[string]any) error
}

// Locker provides per-stem mutual exclusion at two levels: an
// in-process lock table for local concurrency and a lock file under
// .locks for other processes sharing the vault. A lock file older than
// the stale threshold is claimed with a lock.stale audit entry.
type Locker struct {
	dir     string
	timeout time.Duration
	stale   time.Duration
	aud     auditor
	logger  *slog.Logger

	mu    sync.Mutex
	table map[string]*stemLock
}

type stemLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates a locker over the given .locks directory.
func NewLocker(dir string, timeout, stale time.Duration, aud auditor, logger *slog.Logger) *Locker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if stale <= 0 {
		stale = DefaultStaleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		dir:     dir,
		timeout: timeout,
		stale:   stale,
		aud:     aud,
		logger:  logger,
		table:   make(map[string]*stemLock),
	}
}

// Lease is a held per-stem lock. Release must run on every exit path.
type Lease struct {
	stem       string
	locker     *Locker
	StaleClaim bool

	once sync.Once
}

func (l *Locker) lockPath(stem string) string {
	return filepath.Join(l.dir, stem+".lock")
}

// Acquire takes the stem's lock file and in-process lock, honoring the
// configured timeout and the context. On timeout it returns LockTimeout.
func (l *Locker) Acquire(ctx context.Context, stem string) (*Lease, error) {
	deadline := time.Now().Add(l.timeout)
	lease := &Lease{stem: stem, locker: l}

	for {
		created, stale, err := l.tryLockFile(stem)
		if err != nil {
			return nil, E(KindMoveFailed, "acquire lock", stem, err)
		}
		if created {
			lease.StaleClaim = stale
			break
		}
		if l.ownedLocally(stem) {
			// Our own process holds the file; the in-process lock below
			// serializes local contenders.
			break
		}
		if time.Now().After(deadline) {
			return nil, E(KindLockTimeout, "acquire lock", stem, nil)
		}
		select {
		case <-ctx.Done():
			return nil, E(KindLockTimeout, "acquire lock", stem, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}

	if lease.StaleClaim && l.aud != nil {
		if err := l.aud.Record(audit.EventLockStale, "workflow-engine", "claim", "lock", stem, "",
			map[string]any{"stale_threshold_s": l.stale.Seconds()}); err != nil {
			l.logger.Warn("stale lock audit failed", slog.String("stem", stem), slog.String("error", err.Error()))
		}
	}

	sl := l.enter(stem)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case sl.sem <- struct{}{}:
		return lease, nil
	case <-timer.C:
		l.leave(stem)
		return nil, E(KindLockTimeout, "acquire lock", stem, nil)
	case <-ctx.Done():
		l.leave(stem)
		return nil, E(KindLockTimeout, "acquire lock", stem, ctx.Err())
	}
}

// tryLockFile attempts exclusive creation of the lock file, claiming it
// first if a stale one is in the way. created reports success; stale
// reports that a stale lock was claimed on the way.
func (l *Locker) tryLockFile(stem string) (created, stale bool, err error) {
	path := l.lockPath(stem)
	for claimed := false; ; {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid: %d\nacquired_at: %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return true, claimed, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, false, err
		}
		info, statErr := os.Stat(path)
		if errors.Is(statErr, os.ErrNotExist) {
			continue // holder released between create and stat
		}
		if statErr != nil {
			return false, false, statErr
		}
		if time.Since(info.ModTime()) < l.stale {
			return false, false, nil
		}
		if claimed {
			return false, false, nil // someone re-created it after our claim
		}
		l.logger.Warn("claiming stale lock", slog.String("stem", stem),
			slog.Time("mtime", info.ModTime()))
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return false, false, rmErr
		}
		claimed = true
	}
}

// ownedLocally reports whether the lock file records this process's pid.
func (l *Locker) ownedLocally(stem string) bool {
	data, err := os.ReadFile(l.lockPath(stem))
	if err != nil {
		return false
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "pid: %d", &pid); err != nil {
		return false
	}
	return pid == os.Getpid()
}

func (l *Locker) enter(stem string) *stemLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.table[stem]
	if !ok {
		sl = &stemLock{sem: make(chan struct{}, 1)}
		l.table[stem] = sl
	}
	sl.refs++
	return sl
}

// leave drops a reference without holding the semaphore (acquire failed).
func (l *Locker) leave(stem string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.table[stem]
	if !ok {
		return
	}
	sl.refs--
	if sl.refs == 0 {
		delete(l.table, stem)
	}
}

// Release drops both lock levels. Idempotent; the lock file is unlinked
// only when no other local holder remains.
func (le *Lease) Release() {
	le.once.Do(func() {
		l := le.locker
		l.mu.Lock()
		sl, ok := l.table[le.stem]
		last := false
		if ok {
			<-sl.sem
			sl.refs--
			if sl.refs == 0 {
				delete(l.table, le.stem)
				last = true
			}
		} else {
			last = true
		}
		l.mu.Unlock()

		if last {
			if err := os.Remove(l.lockPath(le.stem)); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("unlink lock file failed",
					slog.String("stem", le.stem), slog.String("error", err.Error()))
			}
		}
	})
}
