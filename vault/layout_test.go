package vault

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(filepath.Join(t.TempDir(), "vault"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Init(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestInitCreatesFullTree(t *testing.T) {
	l := newTestLayout(t)
	if !l.Verify() {
		t.Fatal("Verify failed on a freshly initialized vault")
	}
	if _, err := os.Stat(filepath.Join(l.Root(), DashboardFile)); err != nil {
		t.Errorf("initial dashboard missing: %v", err)
	}

	// Idempotent: a second Init must not touch the existing dashboard.
	dash := filepath.Join(l.Root(), DashboardFile)
	if err := WriteAtomic(dash, []byte("edited")); err != nil {
		t.Fatal(err)
	}
	if err := l.Init(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dash)
	if string(data) != "edited" {
		t.Error("re-Init overwrote an existing dashboard")
	}
}

func TestVerifyDetectsMissingFolder(t *testing.T) {
	l := newTestLayout(t)
	if err := os.RemoveAll(l.Path(FolderPlans)); err != nil {
		t.Fatal(err)
	}
	if l.Verify() {
		t.Error("Verify passed with Plans missing")
	}
}

func TestFilesSkipsHiddenAndTemp(t *testing.T) {
	l := newTestLayout(t)
	for _, name := range []string{"real.md", ".hidden", "staging.md.tmp"} {
		if err := os.WriteFile(l.FilePath(FolderInbox, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	names, err := l.Files(FolderInbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "real.md" {
		t.Errorf("Files = %v, want [real.md]", names)
	}
}

func TestFindStemLocatesSingleOccupant(t *testing.T) {
	l := newTestLayout(t)
	const stem = "9b2f1c3a-0000-4000-8000-000000000001"
	if err := os.WriteFile(l.FilePath(FolderPlans, PlanFilename(stem)), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	folder, name := l.FindStem(stem)
	if folder != FolderPlans || name != PlanFilename(stem) {
		t.Errorf("FindStem = (%q, %q), want (Plans, plan file)", folder, name)
	}
	if folder, _ := l.FindStem("missing-stem"); folder != "" {
		t.Errorf("FindStem(missing) = %q, want empty", folder)
	}
}

func TestStatsExcludesHiddenFolders(t *testing.T) {
	l := newTestLayout(t)
	stats := l.Stats()
	for _, hidden := range []string{FolderLocks, FolderCredentials, FolderIntegrity, FolderSystemLog} {
		if _, ok := stats[hidden]; ok {
			t.Errorf("Stats includes %s", hidden)
		}
	}
	if _, ok := stats[FolderInbox]; !ok {
		t.Error("Stats missing Inbox")
	}
}
