package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/notify"
	"github.com/andywolf/habitat/internal/syncengine"
)

// runtime bundles the state every subcommand needs: resolved host settings,
// the marker store, a component logger, and (usually) the provisioned
// manifest.
type runtime struct {
	settings *hostenv.Settings
	markers  *markers.Store
	logger   *logging.Logger
	m        *manifest.Manifest
}

// newRuntime loads settings and opens the marker store. When needManifest is
// set, a missing provisioned manifest is an error; otherwise m may be nil.
func newRuntime(component string, needManifest bool) (*runtime, error) {
	settings, err := hostenv.Load()
	if err != nil {
		return nil, err
	}
	mk, err := markers.NewStore(settings.MarkersDir())
	if err != nil {
		return nil, err
	}
	logger := logging.New(component, settings.LogsDir())

	r := &runtime{settings: settings, markers: mk, logger: logger}
	r.m, err = loadManifest(settings.ManifestPath())
	if err != nil && needManifest {
		return nil, fmt.Errorf("no provisioned manifest: %w", err)
	}
	return r, nil
}

// loadManifest reads the manifest persisted at provisioning time. It was
// normalized before persisting, so it is decoded verbatim.
func loadManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("persisted manifest is unreadable: %w", err)
	}
	return &m, nil
}

// notifier builds the owner-alert sender. Groups currently in safe mode
// contribute their config tokens as preferred candidates.
func (r *runtime) notifier() *notify.Notifier {
	var safeConfigs []string
	if r.m != nil {
		for _, g := range r.m.Groups() {
			if r.markers.Present(markers.SafeMode(g.Name)) {
				safeConfigs = append(safeConfigs, r.settings.GatewayConfigPath(g.Name))
			}
		}
	}
	return notify.New(r.m, credentials.NewValidator(), r.markers, r.logger,
		notify.WithSafeModeConfigs(safeConfigs...))
}

// syncEngine builds the workspace sync engine against the remote mount.
func (r *runtime) syncEngine(remoteDir string) *syncengine.Engine {
	return syncengine.New(remoteDir, r.markers, r.logger,
		syncengine.HostGeneration(r.settings.StateDir))
}

// syncDirs maps remote subdirectory names to local directories: the whole
// workspace tree plus any manifest shared paths.
func (r *runtime) syncDirs() map[string]string {
	dirs := map[string]string{
		"workspaces": filepath.Join(r.settings.HomeDir, "workspaces"),
	}
	if r.m != nil {
		for _, p := range r.m.SharedPaths {
			dirs["shared-"+filepath.Base(p)] = p
		}
	}
	return dirs
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
