package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.md")
	if err := WriteAtomic(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := WriteAtomic(path, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}
	if _, err := os.Stat(path + tmpSuffix); !os.IsNotExist(err) {
		t.Error("staging file left behind after successful write")
	}
}

func TestMoveAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a", "file.txt")
	dst := filepath.Join(dir, "b", "file.txt")
	for _, d := range []string{filepath.Dir(src), filepath.Dir(dst)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MoveAtomic(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still exists after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("moved content = %q", data)
	}
}

func TestMoveAtomicFailureLeavesSourceIntact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "missing-dir", "file.txt")

	if err := MoveAtomic(src, dst); err == nil {
		t.Fatal("move into a missing directory succeeded")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("source damaged by failed move: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("source content changed to %q", data)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			t.Errorf("staging file %s left behind", e.Name())
		}
	}
}

func TestCopyAtomicKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyAtomic(src, dst); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{src, dst} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "payload" {
			t.Errorf("%s content = %q", p, data)
		}
	}
}
