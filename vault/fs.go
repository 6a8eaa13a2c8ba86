package vault

import (
	"fmt"
	"io"
	"os"
)

// tmpSuffix marks in-flight staging files. Staging files always live in
// the destination directory so the final rename stays on one filesystem.
const tmpSuffix = ".tmp"

// WriteAtomic writes data to path via a temp file in the same directory:
// write, fsync, rename. A crash leaves either the old content or the new
// content, never a torn file.
func WriteAtomic(path string, data []byte) error {
	return WriteAtomicFile(path, data, 0o644)
}

// WriteAtomicFile is WriteAtomic with an explicit mode, for files that
// must not be world-readable.
func WriteAtomicFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// MoveAtomic moves src to dst without ever exposing a partial file:
// copy src to dst.tmp, fsync, rename dst.tmp to dst, unlink src.
// On any failure the staging file is removed and src is left in place.
func MoveAtomic(src, dst string) error {
	if err := CopyAtomic(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("unlink source: %w", err)
	}
	return nil
}

// CopyAtomic copies src to dst through a same-directory staging file.
// The source is left untouched.
func CopyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := dst + tmpSuffix
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to staging file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename staging file: %w", err)
	}
	return nil
}
