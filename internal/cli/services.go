package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/services"
)

var servicesRenderOnly bool

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Re-synthesize and install the systemd units from the manifest",
	Long: `Services regenerates the per-group units (gateway, probe, recovery
trigger) plus the restore and control-plane units, writes them, and enables
them. With --render-only the unit contents are printed instead. DRY_RUN
writes files without touching systemctl.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newRuntime("services", true)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		synth := services.NewSynthesizer(r.settings, nil)
		units := synth.Synthesize(r.m)

		if servicesRenderOnly {
			for _, u := range units {
				fmt.Printf("# %s (enable=%t)\n%s\n", u.Name, u.Enable, u.Content)
			}
			return nil
		}

		plan, err := synth.Install(r.m, units)
		if err != nil {
			return err
		}
		fmt.Printf("installed %d units for %d groups (started=%t)\n", len(plan.Units), len(plan.Groups), plan.Started)
		return nil
	},
}

func init() {
	servicesCmd.Flags().BoolVar(&servicesRenderOnly, "render-only", false, "print unit contents without installing")
	rootCmd.AddCommand(servicesCmd)
}
