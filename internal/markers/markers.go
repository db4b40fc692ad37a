// Package markers implements the single-file lifecycle flags that
// synchronize habitat components: probes write them, the service
// supervisor triggers on their presence, and the recovery handler
// keeps bounded per-group attempt counters in them.
package markers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Well-known marker names. Per-group markers append "-<group>".
const (
	BuildFailed   = "build_failed"
	PhaseComplete = "phase_complete"
	BootComplete  = "boot_complete"
	RestoreGuard  = "restore_complete"
	APIUploaded   = "config_api_uploaded"
)

// Store manages marker files in a single directory.
type Store struct {
	dir string
}

// NewStore creates a marker store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create marker dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the marker directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// GroupMarker builds a per-group marker name.
func GroupMarker(base, group string) string {
	return base + "-" + group
}

// Unhealthy is the marker written by probes and watched by the recovery trigger.
func Unhealthy(group string) string { return GroupMarker("unhealthy", group) }

// SafeMode indicates a group is running degraded.
func SafeMode(group string) string { return GroupMarker("safe_mode", group) }

// RecentlyRecovered is the debounce timestamp marker.
func RecentlyRecovered(group string) string { return GroupMarker("recently_recovered", group) }

// RecoveryAttempts is the bounded per-group attempt counter.
func RecoveryAttempts(group string) string { return GroupMarker("recovery_attempts", group) }

// Exhausted records that recovery for a group gave up. It is kept for
// operator inspection; the supervisor never triggers on it.
func Exhausted(group string) string { return GroupMarker("recovery_exhausted", group) }

// NotificationSent is the per-boot idempotency guard for a notification kind.
func NotificationSent(kind string) string { return GroupMarker("notification_sent", kind) }

// IntroSent gates intro delivery to the first successful probe of a boot.
func IntroSent(group string) string { return GroupMarker("intro_sent", group) }

// Set creates a marker. Creating an existing marker is not an error;
// the supervisor triggers on presence, not content.
func (s *Store) Set(name string) error {
	return s.SetContent(name, time.Now().UTC().Format(time.RFC3339))
}

// SetContent creates a marker with the given content.
func (s *Store) SetContent(name, content string) error {
	if err := os.WriteFile(s.path(name), []byte(content+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to set marker %s: %w", name, err)
	}
	return nil
}

// Clear removes a marker. Clearing an absent marker is a no-op.
func (s *Store) Clear(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear marker %s: %w", name, err)
	}
	return nil
}

// Present reports whether a marker exists.
func (s *Store) Present(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Content returns the trimmed content of a marker, or "" if absent.
func (s *Store) Content(name string) string {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ModTime returns the marker's modification time and whether it exists.
func (s *Store) ModTime(name string) (time.Time, bool) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Counter reads an integer counter marker; absent counters read as 0.
func (s *Store) Counter(name string) int {
	content := s.Content(name)
	if content == "" {
		return 0
	}
	n, err := strconv.Atoi(content)
	if err != nil {
		return 0
	}
	return n
}

// Increment bumps a counter marker and returns the new value. The
// read-modify-write is protected by the caller's lock (see Lock).
func (s *Store) Increment(name string) (int, error) {
	n := s.Counter(name) + 1
	if err := s.SetContent(name, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// Lock acquires a per-name lock file with the given staleness bound.
// Contention is bounded (one recovery handler per group) so a simple
// O_EXCL spin with stale takeover is sufficient.
func (s *Store) Lock(name string, stale time.Duration) (release func(), err error) {
	lockPath := s.path(name + ".lock")
	deadline := time.Now().Add(stale)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		// Take over locks older than the staleness bound.
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > stale {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s", name)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
