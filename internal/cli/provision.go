package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/cloud/gcp"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/orchestrator"
)

// Input environment variables written by the external provisioner.
const (
	ManifestEnvVar = "HABITAT_B64"
	AgentLibEnvVar = "AGENT_LIB_B64"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the boot orchestrator from the manifest inputs",
	Long: `Provision decodes the base64 manifest from HABITAT_B64 (and the optional
agent library from AGENT_LIB_B64), resolves secret references, generates
workspaces and gateway configurations, and installs the systemd units.
On success the host reboots into the enabled services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("provision", false)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		habitatB64 := os.Getenv(ManifestEnvVar)
		if habitatB64 == "" {
			return fmt.Errorf("%s is not set", ManifestEnvVar)
		}

		var resolver manifest.SecretResolver
		if gcp.IsRunningOnGCP() {
			sr, err := gcp.NewSecretResolver(ctx)
			if err != nil {
				r.logger.Warningf("secret resolver unavailable: %v", err)
			} else {
				defer sr.Close()
				resolver = sr
			}
		}

		orch := orchestrator.New(r.settings, r.markers, r.logger, resolver,
			func(m *manifest.Manifest) orchestrator.Notifier {
				r.m = m
				return r.notifier()
			}, nil)

		runErr := orch.Run(ctx, habitatB64, os.Getenv(AgentLibEnvVar))
		publishStatus(ctx, r)
		return runErr
	},
}

// publishStatus mirrors the build outcome into instance metadata so the
// external provisioner can poll it without the control plane. Best-effort.
func publishStatus(ctx context.Context, r *runtime) {
	if !gcp.IsRunningOnGCP() {
		return
	}
	pub, err := gcp.NewStatusPublisher(ctx)
	if err != nil {
		r.logger.Warningf("status publisher unavailable: %v", err)
		return
	}
	status := gcp.HostStatus{
		BootComplete: r.markers.Present(markers.BootComplete),
		BuildFailed:  r.markers.Content(markers.BuildFailed),
	}
	if data, err := os.ReadFile(r.settings.StageFile()); err == nil {
		status.Stage = string(data)
	}
	if r.m != nil {
		for _, g := range r.m.Groups() {
			status.Groups = append(status.Groups, g.Name)
		}
	}
	if err := pub.Publish(ctx, status); err != nil {
		r.logger.Warningf("failed to publish status metadata: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
