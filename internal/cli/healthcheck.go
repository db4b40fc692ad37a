package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/healthprobe"
)

var healthcheckGroup string

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Block until a group's gateway accepts HTTP or a deadline passes",
	Long: `Healthcheck runs as the gateway unit's post-start hook. It polls the
gateway's loopback port while watching its process, and holds the unit out
of the active state until the gateway answers. On failure it writes the
group's unhealthy marker, which triggers the recovery handler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("healthcheck", true)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		g := r.m.Group(healthcheckGroup)
		if g == nil {
			return fmt.Errorf("unknown isolation group: %q", healthcheckGroup)
		}

		probe := healthprobe.New(r.settings, r.markers, r.logger, r.notifier())
		return probe.Run(ctx, g.Name, g.Port)
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthcheckGroup, "group", "", "isolation group to check")
	_ = healthcheckCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(healthcheckCmd)
}
