package atomicfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o", info.Mode().Perm())
	}

	// Replacement leaves no temp files behind.
	if err := WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
	data, _ = os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content after replace = %q", data)
	}
}

func TestWriteFileCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "out.txt")
	if err := WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile into missing parent failed: %v", err)
	}
}

func TestPreserveThenWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := WriteFile(path, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := PreserveThenWrite(path, []byte("degraded"), 0o600, ".pre-recovery"); err != nil {
		t.Fatal(err)
	}

	preserved, err := os.ReadFile(path + ".pre-recovery")
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if string(preserved) != "original" {
		t.Errorf("snapshot = %q", preserved)
	}
	current, _ := os.ReadFile(path)
	if string(current) != "degraded" {
		t.Errorf("current = %q", current)
	}
}

func TestPreserveThenWriteNoOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := PreserveThenWrite(path, []byte("fresh"), 0o600, ".pre-recovery"); err != nil {
		t.Fatalf("PreserveThenWrite without an original failed: %v", err)
	}
	if _, err := os.Stat(path + ".pre-recovery"); !os.IsNotExist(err) {
		t.Error("snapshot created for a nonexistent original")
	}
}
