// Package atomicfile implements the shared write protocol: write to a
// temporary file in the target directory, fsync, rename into place.
// Readers that opened before the rename see the old file to end;
// partial writes are never visible.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data at the given mode.
func WriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort cleanup on any failure path.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// PreserveThenWrite atomically replaces path, first preserving any existing
// file at path with the given suffix (e.g. ".pre-recovery").
func PreserveThenWrite(path string, data []byte, mode os.FileMode, suffix string) error {
	if _, err := os.Stat(path); err == nil {
		prev, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read previous file: %w", err)
		}
		if err := WriteFile(path+suffix, prev, mode); err != nil {
			return fmt.Errorf("failed to preserve previous file: %w", err)
		}
	}
	return WriteFile(path, data, mode)
}
