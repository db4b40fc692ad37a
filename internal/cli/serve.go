package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/cloud/gcp"
	"github.com/andywolf/habitat/internal/controlplane"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/orchestrator"
)

var serveRemoteDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane HTTP API",
	Long: `Serve exposes the host's HTTP control plane: unauthenticated status and
health reads, plus HMAC-signed configuration, log, upload, sync, and
shutdown operations. It binds loopback unless the manifest configures a
broader bind address (which requires an api_secret).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("api", false)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		syncUp := func(ctx context.Context) error {
			return r.syncEngine(serveRemoteDir).CopyUp(r.syncDirs())
		}

		// Applying an upload is a re-provision with services started in
		// place; rebooting out from under the API caller helps no one.
		applier := func(ctx context.Context, habitatB64, agentLibB64 string) error {
			settings := *r.settings
			settings.StartServices = true
			var resolver manifest.SecretResolver
			if gcp.IsRunningOnGCP() {
				if sr, err := gcp.NewSecretResolver(ctx); err == nil {
					defer sr.Close()
					resolver = sr
				}
			}
			orch := orchestrator.New(&settings, r.markers, r.logger, resolver,
				func(m *manifest.Manifest) orchestrator.Notifier {
					r.m = m
					return r.notifier()
				}, nil)
			return orch.Run(ctx, habitatB64, agentLibB64)
		}

		srv := controlplane.New(r.settings, r.m, r.markers, r.logger, syncUp, applier, nil)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveRemoteDir, "remote-dir", defaultRemoteDir, "mounted remote store for workspace sync")
	rootCmd.AddCommand(serveCmd)
}
