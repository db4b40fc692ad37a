package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// defaultRemoteDir is where the external sync utility mounts the object
// store on the host.
const defaultRemoteDir = "/mnt/habitat-state"

var (
	syncRemoteDir string
	syncRestore   bool
	syncUp        bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate workspace state to or from the remote store",
	Long: `Sync copies conversational state between the host's workspaces and the
mounted remote store. --restore runs at boot before the gateways start;
--up is additive-only and refuses to run before a successful restore or
when the remote store belongs to a newer host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncRestore == syncUp {
			return fmt.Errorf("exactly one of --restore or --up is required")
		}

		r, err := newRuntime("sync", false)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		engine := r.syncEngine(syncRemoteDir)
		if syncRestore {
			return engine.Restore(r.syncDirs())
		}
		return engine.CopyUp(r.syncDirs())
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncRemoteDir, "remote-dir", defaultRemoteDir, "mounted remote store")
	syncCmd.Flags().BoolVar(&syncRestore, "restore", false, "restore remote state into local workspaces")
	syncCmd.Flags().BoolVar(&syncUp, "up", false, "copy local workspace state to the remote store")
	rootCmd.AddCommand(syncCmd)
}
