package cli

import (
	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/e2eprobe"
)

var (
	probeGroup    string
	probeAgents   []string
	probeSafeMode bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the end-to-end probe for a group",
	Long: `Probe verifies a group end to end: chat tokens against their platform
APIs, then a model-generated reply from every agent through the gateway's
loopback chat endpoint. First success also delivers each agent's one-time
introduction. A failure writes the group's unhealthy marker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("probe", true)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		probe := e2eprobe.New(r.m, r.settings, r.markers, r.logger, credentials.NewValidator())
		if probeSafeMode {
			return probe.RunSafeMode(ctx, probeGroup, "")
		}
		return probe.Run(ctx, probeGroup, probeAgents)
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeGroup, "group", "", "isolation group to probe")
	probeCmd.Flags().StringSliceVar(&probeAgents, "agents", nil, "restrict the agent stage to these agent ids")
	probeCmd.Flags().BoolVar(&probeSafeMode, "safe-mode", false, "probe the safe-mode agent instead of the group's agents")
	_ = probeCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(probeCmd)
}
