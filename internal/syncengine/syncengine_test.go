package syncengine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/markers"
)

func newTestEngine(t *testing.T, generation int64) (*Engine, *markers.Store, string) {
	t.Helper()
	mk, err := markers.NewStore(filepath.Join(t.TempDir(), "markers"))
	if err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(t.TempDir(), "remote")
	logger := logging.New("sync-test", "", logging.WithWriter(&bytes.Buffer{}))
	return New(remote, mk, logger, generation), mk, remote
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRestoreFreshHostSucceeds(t *testing.T) {
	e, mk, _ := newTestEngine(t, 100)
	local := t.TempDir()

	if err := e.Restore(map[string]string{"workspaces": local}); err != nil {
		t.Fatalf("fresh restore failed: %v", err)
	}
	if !mk.Present(markers.RestoreGuard) {
		t.Error("restore guard not set after a successful no-op restore")
	}
}

func TestRestoreCopiesAndClaimsGeneration(t *testing.T) {
	e, mk, remote := newTestEngine(t, 100)
	writeTree(t, filepath.Join(remote, "workspaces"), map[string]string{
		"alpha/MEMORY.md":        "remembered",
		"alpha/nested/notes.txt": "deep",
	})
	local := t.TempDir()

	if err := e.Restore(map[string]string{"workspaces": local}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(local, "alpha", "MEMORY.md"))
	if err != nil || string(data) != "remembered" {
		t.Errorf("restored file: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(local, "alpha", "nested", "notes.txt")); err != nil {
		t.Error("nested file not restored")
	}
	if !mk.Present(markers.RestoreGuard) {
		t.Error("restore guard not set")
	}
	gen, err := os.ReadFile(filepath.Join(remote, GenerationFile))
	if err != nil {
		t.Fatalf("generation not claimed: %v", err)
	}
	if n, _ := strconv.ParseInt(string(bytes.TrimSpace(gen)), 10, 64); n != 100 {
		t.Errorf("generation = %s", gen)
	}
}

func TestRestoreDoesNotStealNewerGeneration(t *testing.T) {
	e, _, remote := newTestEngine(t, 100)
	if err := os.MkdirAll(remote, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(remote, GenerationFile), []byte("200\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Restore(map[string]string{}); err != nil {
		t.Fatal(err)
	}
	gen, _ := os.ReadFile(filepath.Join(remote, GenerationFile))
	if string(bytes.TrimSpace(gen)) != "200" {
		t.Errorf("older host overwrote newer generation: %s", gen)
	}
}

func TestCopyUpRefusesWithoutGuard(t *testing.T) {
	e, _, _ := newTestEngine(t, 100)
	err := e.CopyUp(map[string]string{"workspaces": t.TempDir()})
	if !errors.Is(err, ErrNoRestoreGuard) {
		t.Fatalf("err = %v, want ErrNoRestoreGuard", err)
	}
}

func TestCopyUpRefusesStaleGeneration(t *testing.T) {
	e, mk, remote := newTestEngine(t, 100)
	if err := mk.Set(markers.RestoreGuard); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(remote, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(remote, GenerationFile), []byte("999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := e.CopyUp(map[string]string{"workspaces": t.TempDir()})
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("err = %v, want ErrStaleGeneration", err)
	}
}

func TestCopyUpAdditiveOnly(t *testing.T) {
	e, mk, remote := newTestEngine(t, 100)
	if err := mk.Set(markers.RestoreGuard); err != nil {
		t.Fatal(err)
	}
	// Remote has a file the local side does not.
	writeTree(t, filepath.Join(remote, "workspaces"), map[string]string{"ghost.txt": "keep me"})

	local := t.TempDir()
	writeTree(t, local, map[string]string{"new.txt": "uploaded"})

	if err := e.CopyUp(map[string]string{"workspaces": local}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(remote, "workspaces", "ghost.txt")); err != nil {
		t.Error("copy-up deleted a remote-only file")
	}
	data, err := os.ReadFile(filepath.Join(remote, "workspaces", "new.txt"))
	if err != nil || string(data) != "uploaded" {
		t.Errorf("uploaded file: %q %v", data, err)
	}
}

func TestCopyUpSkipsSymlinksAndOversized(t *testing.T) {
	e, mk, remote := newTestEngine(t, 100)
	if err := mk.Set(markers.RestoreGuard); err != nil {
		t.Fatal(err)
	}
	local := t.TempDir()
	writeTree(t, local, map[string]string{"ok.txt": "fine"})
	if err := os.Symlink("/etc/passwd", filepath.Join(local, "link")); err != nil {
		t.Skip("symlinks unavailable")
	}
	big := make([]byte, MaxFileSize+1)
	if err := os.WriteFile(filepath.Join(local, "big.bin"), big, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.CopyUp(map[string]string{"ws": local}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(remote, "ws", "link")); !os.IsNotExist(err) {
		t.Error("symlink replicated")
	}
	if _, err := os.Stat(filepath.Join(remote, "ws", "big.bin")); !os.IsNotExist(err) {
		t.Error("oversized file replicated")
	}
	if _, err := os.Stat(filepath.Join(remote, "ws", "ok.txt")); err != nil {
		t.Error("normal file not replicated")
	}
}

func TestCopyUpMissingLocalDirIsNoop(t *testing.T) {
	e, mk, _ := newTestEngine(t, 100)
	if err := mk.Set(markers.RestoreGuard); err != nil {
		t.Fatal(err)
	}
	if err := e.CopyUp(map[string]string{"absent": filepath.Join(t.TempDir(), "nope")}); err != nil {
		t.Fatalf("missing local dir should be skipped: %v", err)
	}
}
