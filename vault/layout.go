package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Pipeline and system folder names. The folder a file sits in is its
// workflow state, so these names are part of the on-disk contract.
const (
	FolderInbox           = "Inbox"
	FolderNeedsAction     = "Needs_Action"
	FolderPlans           = "Plans"
	FolderPendingApproval = "Pending_Approval"
	FolderApproved        = "Approved"
	FolderDone            = "Done"
	FolderFailed          = "Failed"
	FolderRejected        = "Rejected"
	FolderRetry           = "Retry"
	FolderDeadLetter      = "Dead_Letter"
	FolderArchived        = "Archived"
	FolderSystemLog       = "System_Log"
	FolderAudit           = "System_Log/Audit"
	FolderLocks           = ".locks"
	FolderCredentials     = ".credentials"
	FolderIntegrity       = ".integrity"
)

// DashboardFile is the human-readable status page at the vault root.
const DashboardFile = "Dashboard.md"

// Folders lists every directory the vault must contain, in creation order.
var Folders = []string{
	FolderInbox,
	FolderNeedsAction,
	FolderPlans,
	FolderPendingApproval,
	FolderApproved,
	FolderDone,
	FolderFailed,
	FolderRejected,
	FolderRetry,
	FolderDeadLetter,
	FolderArchived,
	FolderSystemLog,
	FolderAudit,
	FolderLocks,
	FolderCredentials,
	FolderIntegrity,
}

// PipelineFolders are the folders a stem can occupy while in flight.
// Terminal folders (Done, Archived, Dead_Letter) are excluded; the
// single-occupancy invariant is checked across this set.
var PipelineFolders = []string{
	FolderInbox,
	FolderNeedsAction,
	FolderPlans,
	FolderPendingApproval,
	FolderApproved,
	FolderFailed,
	FolderRejected,
	FolderRetry,
}

// Layout represents a vault rooted at a directory on the local filesystem.
type Layout struct {
	root   string
	logger *slog.Logger
}

// NewLayout creates a Layout for the given root. The root must be an
// absolute path; relative paths make the lock-file and rename contracts
// ambiguous across working directories.
func NewLayout(root string, logger *slog.Logger) (*Layout, error) {
	if !filepath.IsAbs(root) {
		return nil, &ValidationError{Field: "vault_path", Message: fmt.Sprintf("must be absolute, got %q", root)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layout{root: root, logger: logger}, nil
}

// Root returns the vault root directory.
func (l *Layout) Root() string { return l.root }

// Path returns the absolute path of a folder inside the vault.
func (l *Layout) Path(folder string) string {
	return filepath.Join(l.root, filepath.FromSlash(folder))
}

// FilePath returns the absolute path of a file inside a vault folder.
func (l *Layout) FilePath(folder, name string) string {
	return filepath.Join(l.Path(folder), name)
}

// Init creates the directory tree and an initial Dashboard.md. It is
// idempotent: existing folders and dashboard are left untouched.
func (l *Layout) Init() error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("create vault root: %w", err)
	}
	for _, folder := range Folders {
		if err := os.MkdirAll(l.Path(folder), 0o755); err != nil {
			return fmt.Errorf("create vault folder %s: %w", folder, err)
		}
	}
	dashboard := filepath.Join(l.root, DashboardFile)
	if _, err := os.Stat(dashboard); os.IsNotExist(err) {
		if err := WriteAtomic(dashboard, []byte(initialDashboard())); err != nil {
			return fmt.Errorf("write initial dashboard: %w", err)
		}
	}
	l.logger.Info("vault initialized", slog.String("root", l.root))
	return nil
}

// Verify reports whether the vault exists and has the full folder set.
func (l *Layout) Verify() bool {
	for _, folder := range Folders {
		info, err := os.Stat(l.Path(folder))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// CheckSameFilesystem verifies that the pipeline folders, the lock
// directory and the staging area for temp files all live on one
// filesystem. Rename atomicity only holds within a filesystem, so the
// engine refuses to start otherwise.
func (l *Layout) CheckSameFilesystem() error {
	rootDev, err := deviceOf(l.root)
	if err != nil {
		return fmt.Errorf("stat vault root: %w", err)
	}
	for _, folder := range []string{FolderInbox, FolderDone, FolderLocks} {
		dev, err := deviceOf(l.Path(folder))
		if err != nil {
			return fmt.Errorf("stat vault folder %s: %w", folder, err)
		}
		if dev != rootDev {
			return fmt.Errorf("vault folder %s is on a different filesystem than the vault root; atomic rename is not guaranteed", folder)
		}
	}
	return nil
}

// Files returns the regular files in a vault folder, sorted by name.
// Hidden files and leftover temp files are skipped.
func (l *Layout) Files(folder string) ([]string, error) {
	entries, err := os.ReadDir(l.Path(folder))
	if err != nil {
		return nil, fmt.Errorf("read vault folder %s: %w", folder, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "" || name[0] == '.' || filepath.Ext(name) == ".tmp" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of regular files in a folder.
func (l *Layout) Count(folder string) int {
	names, err := l.Files(folder)
	if err != nil {
		return 0
	}
	return len(names)
}

// Stats returns a per-folder file count for the dashboard and status CLI.
func (l *Layout) Stats() map[string]int {
	stats := make(map[string]int, len(Folders))
	for _, folder := range Folders {
		if folder == FolderLocks || folder == FolderCredentials || folder == FolderIntegrity || folder == FolderSystemLog {
			continue
		}
		stats[folder] = l.Count(folder)
	}
	return stats
}

// FindStem looks for a file with the given stem across the pipeline
// folders. It returns the folder and filename of the first (and, by
// invariant, only) occurrence, or "" if the stem is not in flight.
func (l *Layout) FindStem(stem string) (folder, name string) {
	for _, f := range PipelineFolders {
		names, err := l.Files(f)
		if err != nil {
			continue
		}
		for _, n := range names {
			if Stem(n) == stem {
				return f, n
			}
		}
	}
	return "", ""
}

func initialDashboard() string {
	now := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(`# Vault Dashboard

## System Status
- **State**: Initialized
- **Last Updated**: %s

## Pipeline
- **Inbox**: 0
- **Needs_Action**: 0
- **Plans**: 0
- **Pending_Approval**: 0
- **Approved**: 0
- **Done**: 0

## Recent Activity
- Vault initialized on %s
`, now, now)
}
