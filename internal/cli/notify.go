package cli

import (
	"github.com/spf13/cobra"
)

var (
	notifyKind    string
	notifyMessage string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a message to the owner over the first working chat transport",
	Long: `Notify discovers a working bot token (safe-mode configs first, then the
manifest's agents) and delivers one message to the owner. --kind makes the
send idempotent per boot; omit it for unconditional delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r, err := newRuntime("notify", true)
		if err != nil {
			return err
		}
		defer r.logger.Close()

		return r.notifier().Send(ctx, notifyKind, notifyMessage)
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyKind, "kind", "", "idempotency key (empty sends unconditionally)")
	notifyCmd.Flags().StringVar(&notifyMessage, "message", "", "message text")
	_ = notifyCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(notifyCmd)
}
