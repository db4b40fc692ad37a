package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/version"
)

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if versionVerbose {
			fmt.Println(version.Full())
			return
		}
		fmt.Println(version.Info())
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "show detailed build information")
	rootCmd.AddCommand(versionCmd)
}
