// Package cli wires the habitat subcommands. Each command file registers
// itself against the root in init(); runtime state shared by commands lives
// in runtime.go.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/andywolf/habitat/internal/recovery"
	"github.com/andywolf/habitat/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "habitat",
	Short: "Habitat - supervision core for self-configuring agent hosts",
	Long: `Habitat provisions and supervises an ephemeral cloud host running
conversational AI agents bridged to Telegram and Discord.

It decodes the provisioning manifest, generates per-group gateway
configurations and agent workspaces, synthesizes the systemd units that run
them, and keeps the host healthy through layered probes and bounded
safe-mode recovery.`,
	SilenceUsage: true,
}

// Execute runs the root command and maps terminal errors to exit codes:
// 0 success, 1 failure, 2 recovery exhaustion (do not restart).
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, recovery.ErrExhausted) {
			return 2
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")
}
