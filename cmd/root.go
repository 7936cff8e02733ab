package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "timelessbot",
	Short: "Chat gateway that turns messages into finance work items",
	Long: `timelessbot receives chat messages from Telegram and WhatsApp, extracts
their content (text, audio transcripts, receipt images), queues them for the
finance processor and delivers the processor's results back to the chat.`,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
