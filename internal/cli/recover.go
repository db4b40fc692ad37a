package cli

import (
	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/e2eprobe"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/recovery"
)

var recoverGroup string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one safe-mode recovery pass for a group",
	Long: `Recover is triggered by a group's unhealthy marker. It discovers
credentials that still verify, swaps the gateway config for a degraded
single-agent one, restarts the gateway, and alerts the owner. Attempts are
bounded; exhaustion exits with code 2 so the unit is not restarted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("recovery", true)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		validator := credentials.NewValidator()
		prober := e2eprobe.New(r.m, r.settings, r.markers, r.logger, validator)
		gen := gatewayconfig.NewGenerator(r.settings.WorkspaceDir)

		h := recovery.New(r.m, r.settings, r.markers, r.logger, validator,
			r.notifier(), gen, prober, nil)
		return h.Run(ctx, recoverGroup)
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverGroup, "group", "", "isolation group to recover")
	_ = recoverCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(recoverCmd)
}
