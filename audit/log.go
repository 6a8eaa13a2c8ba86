package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultflow/vaultflow/vault"
)

const (
	// LogFilename is the append-only JSONL log.
	LogFilename = "immutable_audit.jsonl"
	// SidecarFilename maps seq to chain_hash for O(1) spot checks.
	SidecarFilename = "chain_hashes.json"
)

// ErrIntegrityBroken is returned by Append after a failed verification
// until an operator calls Reset.
var ErrIntegrityBroken = errors.New("audit chain integrity broken; appends refused until reset")

// Log is the append-only audit log. A single writer mutex serializes
// appends; every append is fsynced before the sidecar is updated.
type Log struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	file      *os.File
	seq       uint64
	lastChain string
	chains    map[string]string // seq (decimal) -> chain_hash
	broken    bool
}

// Open opens or creates the audit log under dir, recovering the last
// sequence number and chain head from the existing file.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Log{
		dir:    dir,
		logger: logger,
		chains: make(map[string]string),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Log) logPath() string     { return filepath.Join(l.dir, LogFilename) }
func (l *Log) sidecarPath() string { return filepath.Join(l.dir, SidecarFilename) }

// recover scans the existing log to restore seq, chain head and the
// sidecar map. A torn trailing line from a crash mid-write is truncated
// away; anything else malformed is an error.
func (l *Log) recover() error {
	f, err := os.Open(l.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit log for recovery: %w", err)
	}
	defer f.Close()

	var goodOffset int64
	torn := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			goodOffset += 1
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			if sc.Scan() {
				return fmt.Errorf("audit log line %d: %w", line, err)
			}
			torn = true
			break
		}
		if e.Seq != l.seq+1 {
			return fmt.Errorf("audit log line %d: seq %d, want %d", line, e.Seq, l.seq+1)
		}
		l.seq = e.Seq
		l.lastChain = e.ChainHash
		l.chains[strconv.FormatUint(e.Seq, 10)] = e.ChainHash
		goodOffset += int64(len(raw)) + 1
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	if torn {
		l.logger.Warn("truncating torn trailing audit line",
			slog.Int("line", line), slog.Int64("offset", goodOffset))
		if err := os.Truncate(l.logPath(), goodOffset); err != nil {
			return fmt.Errorf("truncate torn audit line: %w", err)
		}
	}
	return nil
}

// Append assigns seq, entry id and hashes, then durably writes the
// entry. The returned entry carries the assigned fields.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken {
		return Entry{}, ErrIntegrityBroken
	}

	e.Seq = l.seq + 1
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}

	eh, err := entryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = eh
	e.ChainHash = chainHash(eh, l.lastChain)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("sync audit log: %w", err)
	}

	l.seq = e.Seq
	l.lastChain = e.ChainHash
	l.chains[strconv.FormatUint(e.Seq, 10)] = e.ChainHash
	if err := l.writeSidecar(); err != nil {
		// The log itself is durable; a stale sidecar only slows spot
		// checks, so log and carry on.
		l.logger.Warn("sidecar update failed", slog.String("error", err.Error()))
	}
	return e, nil
}

func (l *Log) writeSidecar() error {
	data, err := json.MarshalIndent(l.chains, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return vault.WriteAtomic(l.sidecarPath(), data)
}

// Seq returns the sequence number of the most recent entry.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ChainHead returns the chain hash of the most recent entry.
func (l *Log) ChainHead() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastChain
}

// Broken reports whether the integrity latch is set.
func (l *Log) Broken() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broken
}

// Reset clears the integrity latch. Only an operator should call this,
// after investigating a failed verification.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken = false
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// readAll reads every entry from disk. Queries and verification scan
// the file rather than holding entries in memory.
func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.logPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit log entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}
