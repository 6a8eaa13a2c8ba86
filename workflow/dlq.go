package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/vault"
)

const (
	dlqTimeFormat  = "20060102-150405"
	dlqMetaSuffix  = ".meta.yaml"
	dlqPurgeMinAge = 24 * time.Hour
)

// DLQEntry is the metadata written alongside a quarantined file.
type DLQEntry struct {
	DLQID         string         `yaml:"dlq_id"`
	OriginalPath  string         `yaml:"original_path"`
	SourceState   State          `yaml:"source_state"`
	Error         string         `yaml:"error"`
	Attempts      int            `yaml:"attempts"`
	CorrelationID string         `yaml:"correlation_id,omitempty"`
	Context       map[string]any `yaml:"context,omitempty"`
	QuarantinedAt time.Time      `yaml:"quarantined_at"`

	// Filename is the quarantined file's name inside Dead_Letter.
	Filename string `yaml:"filename"`
}

// DLQ manages the dead-letter quarantine: admission, listing, replay
// and purge. Quarantined files keep their content; a sibling YAML holds
// everything needed to replay them.
type DLQ struct {
	layout *vault.Layout
	aud    auditor
	logger *slog.Logger
}

// NewDLQ creates a dead-letter queue over the vault's Dead_Letter folder.
func NewDLQ(layout *vault.Layout, aud auditor, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{layout: layout, aud: aud, logger: logger}
}

// Add quarantines the file at src. The file is moved (not copied) so the
// stem leaves the pipeline; the original path is preserved in metadata
// for replay.
func (q *DLQ) Add(src string, sourceState State, cause string, attempts int, correlationID string, ctx map[string]any) (DLQEntry, error) {
	name := filepath.Base(src)
	stamp := time.Now().UTC().Format(dlqTimeFormat)
	dlqName := stamp + "_" + name
	entry := DLQEntry{
		DLQID:         stamp + "_" + vault.Stem(name),
		OriginalPath:  src,
		SourceState:   sourceState,
		Error:         cause,
		Attempts:      attempts,
		CorrelationID: correlationID,
		Context:       ctx,
		QuarantinedAt: time.Now().UTC(),
		Filename:      dlqName,
	}

	dst := q.layout.FilePath(vault.FolderDeadLetter, dlqName)
	if err := vault.MoveAtomic(src, dst); err != nil {
		return DLQEntry{}, E(KindMoveFailed, "dlq add", vault.Stem(name), err)
	}
	meta, err := yaml.Marshal(entry)
	if err != nil {
		return DLQEntry{}, fmt.Errorf("marshal dlq metadata: %w", err)
	}
	if err := vault.WriteAtomic(dst+dlqMetaSuffix, meta); err != nil {
		return DLQEntry{}, fmt.Errorf("write dlq metadata: %w", err)
	}

	if q.aud != nil {
		if err := q.aud.Record(audit.EventDLQAdded, "workflow-engine", "dead_letter", "workflow",
			vault.Stem(name), correlationID, map[string]any{"error": cause, "attempts": attempts}); err != nil {
			q.logger.Warn("dlq audit failed", slog.String("error", err.Error()))
		}
	}
	q.logger.Error("file quarantined in dead-letter queue",
		slog.String("file", name), slog.String("error", cause), slog.Int("attempts", attempts))
	return entry, nil
}

// List returns every quarantined entry, oldest first.
func (q *DLQ) List() ([]DLQEntry, error) {
	names, err := q.layout.Files(vault.FolderDeadLetter)
	if err != nil {
		return nil, err
	}
	var out []DLQEntry
	for _, name := range names {
		if !strings.HasSuffix(name, dlqMetaSuffix) {
			continue
		}
		data, err := os.ReadFile(q.layout.FilePath(vault.FolderDeadLetter, name))
		if err != nil {
			q.logger.Warn("unreadable dlq metadata", slog.String("file", name))
			continue
		}
		var entry DLQEntry
		if err := yaml.Unmarshal(data, &entry); err != nil {
			q.logger.Warn("malformed dlq metadata", slog.String("file", name))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns the entry with the given dlq id.
func (q *DLQ) Get(dlqID string) (DLQEntry, error) {
	entries, err := q.List()
	if err != nil {
		return DLQEntry{}, err
	}
	for _, e := range entries {
		if e.DLQID == dlqID {
			return e, nil
		}
	}
	return DLQEntry{}, E(KindFileNotFound, "dlq get", dlqID, nil)
}

// Retry moves a quarantined file back to its recorded source folder and
// removes the quarantine pair.
func (q *DLQ) Retry(dlqID string) error {
	entry, err := q.Get(dlqID)
	if err != nil {
		return err
	}
	src := q.layout.FilePath(vault.FolderDeadLetter, entry.Filename)
	folder := entry.SourceState.Folder()
	if folder == "" {
		return E(KindInvalidTransition, "dlq retry", dlqID,
			fmt.Errorf("unknown source state %q", entry.SourceState))
	}
	// Quarantine names are <stamp>_<original>; the stamp never contains
	// an underscore.
	_, original, ok := strings.Cut(entry.Filename, "_")
	if !ok || original == "" {
		return E(KindFileNotFound, "dlq retry", dlqID,
			fmt.Errorf("malformed quarantine filename %q", entry.Filename))
	}
	dst := q.layout.FilePath(folder, original)
	if _, err := os.Stat(dst); err == nil {
		return E(KindTargetExists, "dlq retry", dlqID, nil)
	}
	if err := vault.MoveAtomic(src, dst); err != nil {
		return E(KindMoveFailed, "dlq retry", dlqID, err)
	}
	if err := os.Remove(src + dlqMetaSuffix); err != nil && !os.IsNotExist(err) {
		q.logger.Warn("dlq metadata cleanup failed", slog.String("dlq_id", dlqID))
	}
	if q.aud != nil {
		if err := q.aud.Record(audit.EventDLQRetried, "operator", "dead_letter", "workflow",
			vault.Stem(original), entry.CorrelationID,
			map[string]any{"restored_to": folder}); err != nil {
			q.logger.Warn("dlq audit failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Purge removes quarantine pairs older than the given age and returns
// how many entries were removed. Ages under one day are rejected to
// guard against fat-fingered mass deletion.
func (q *DLQ) Purge(olderThan time.Duration) (int, error) {
	if olderThan < dlqPurgeMinAge {
		return 0, &vault.ValidationError{Field: "older_than", Message: "minimum purge age is 24h"}
	}
	entries, err := q.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	for _, entry := range entries {
		if entry.QuarantinedAt.After(cutoff) {
			continue
		}
		path := q.layout.FilePath(vault.FolderDeadLetter, entry.Filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("dlq purge failed", slog.String("file", entry.Filename))
			continue
		}
		os.Remove(path + dlqMetaSuffix)
		purged++
		if q.aud != nil {
			q.aud.Record(audit.EventDLQPurged, "operator", "dead_letter", "workflow",
				entry.DLQID, entry.CorrelationID, map[string]any{"quarantined_at": entry.QuarantinedAt})
		}
	}
	return purged, nil
}
