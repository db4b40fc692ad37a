// Package syncengine replicates conversational state between the host's
// workspaces and the external object store. The store is reached through
// an external sync utility that exposes it as a mounted path; the engine
// performs file-level copies against that mount.
//
// Copy-up is additive only and guarded: it requires the restore guard
// marker (set only after a successful restore) and a local generation at
// least as new as the remote one, so a stale or fresh host can never wipe
// newer remote state.
package syncengine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andywolf/habitat/internal/atomicfile"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/markers"
)

// MaxFileSize is the per-file copy cap.
const MaxFileSize = 1 << 20 // 1 MiB

// GenerationFile holds the owning host's creation timestamp in the remote store.
const GenerationFile = ".generation"

// Engine copies workspace state between local directories and the remote mount.
type Engine struct {
	remoteDir  string
	markers    *markers.Store
	logger     *logging.Logger
	generation int64 // this host's creation timestamp (unix seconds)
}

// New creates an Engine. generation is the host's creation timestamp.
func New(remoteDir string, m *markers.Store, logger *logging.Logger, generation int64) *Engine {
	return &Engine{remoteDir: remoteDir, markers: m, logger: logger, generation: generation}
}

// ErrNoRestoreGuard is returned when copy-up is attempted before a
// successful restore.
var ErrNoRestoreGuard = fmt.Errorf("restore guard absent: refusing to upload before a successful restore")

// ErrStaleGeneration is returned when the remote store belongs to a newer host.
var ErrStaleGeneration = fmt.Errorf("remote generation is newer than this host: refusing to upload")

// Restore copies remote state into the given local directories in a single
// pass. Each entry maps a remote subdirectory name to a local target. On a
// fresh host with no remote state it exits successfully with no action.
// A successful restore sets the restore guard and claims the generation
// file if absent.
func (e *Engine) Restore(dirs map[string]string) error {
	if _, err := os.Stat(e.remoteDir); os.IsNotExist(err) {
		e.logger.Infof("remote store absent, nothing to restore")
		return e.finishRestore()
	}

	for remoteName, localDir := range dirs {
		src := filepath.Join(e.remoteDir, remoteName)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		n, err := e.copyTree(src, localDir)
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", remoteName, err)
		}
		e.logger.Infof("restored %d files into %s", n, localDir)
	}
	return e.finishRestore()
}

func (e *Engine) finishRestore() error {
	if err := e.claimGeneration(); err != nil {
		return err
	}
	if err := e.markers.Set(markers.RestoreGuard); err != nil {
		return fmt.Errorf("failed to set restore guard: %w", err)
	}
	return nil
}

// CopyUp replicates local directories into the remote store. Additive only:
// it never deletes remote artifacts absent locally. Symlinks are skipped,
// files over the cap are skipped with a log line.
func (e *Engine) CopyUp(dirs map[string]string) error {
	if !e.markers.Present(markers.RestoreGuard) {
		e.logger.Warningf("sync-up refused: %v", ErrNoRestoreGuard)
		return ErrNoRestoreGuard
	}
	ok, err := e.generationCurrent()
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warningf("sync-up refused: %v", ErrStaleGeneration)
		return ErrStaleGeneration
	}

	for remoteName, localDir := range dirs {
		if _, err := os.Stat(localDir); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(e.remoteDir, remoteName)
		n, err := e.copyTree(localDir, dst)
		if err != nil {
			return fmt.Errorf("failed to sync %s: %w", remoteName, err)
		}
		e.logger.Infof("synced %d files from %s", n, localDir)
	}
	return nil
}

// copyTree copies src into dst file by file, skipping symlinks and
// oversized files. Returns the number of files copied.
func (e *Engine) copyTree(src, dst string) (int, error) {
	copied := 0
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if info.Size() > MaxFileSize {
			e.logger.Warningf("skipping %s: exceeds per-file size cap", path)
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := io.ReadAll(io.LimitReader(in, MaxFileSize))
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(dst, data, 0o600)
}

// generationCurrent checks that this host's generation is at least the
// remote one. The counter is advisory: hosts with clocks that disagree by
// more than the generation granularity could still race.
func (e *Engine) generationCurrent() (bool, error) {
	remote, err := e.remoteGeneration()
	if err != nil {
		return false, err
	}
	if remote == 0 {
		return true, nil
	}
	return e.generation >= remote, nil
}

func (e *Engine) remoteGeneration() (int64, error) {
	data, err := os.ReadFile(filepath.Join(e.remoteDir, GenerationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read remote generation: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed remote generation: %w", err)
	}
	return n, nil
}

// claimGeneration writes this host's generation to the remote store when
// the host is at least as new as the current owner.
func (e *Engine) claimGeneration() error {
	remote, err := e.remoteGeneration()
	if err != nil {
		return err
	}
	if remote > e.generation {
		// A newer host owns the store; leave its claim alone.
		return nil
	}
	if _, err := os.Stat(e.remoteDir); os.IsNotExist(err) {
		if err := os.MkdirAll(e.remoteDir, 0o700); err != nil {
			return fmt.Errorf("failed to create remote store: %w", err)
		}
	}
	content := strconv.FormatInt(e.generation, 10) + "\n"
	return atomicfile.WriteFile(filepath.Join(e.remoteDir, GenerationFile), []byte(content), 0o600)
}

// HostGeneration derives the host's creation timestamp from the state
// directory's birth (approximated by its mtime at first use), falling back
// to now.
func HostGeneration(stateDir string) int64 {
	if info, err := os.Stat(stateDir); err == nil {
		return info.ModTime().Unix()
	}
	return time.Now().Unix()
}
