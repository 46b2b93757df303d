package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "studio",
		Short:         "DuraGraph Studio command-line interface",
		Long:          "Studio inspects DuraGraph runs, threads and assistants and follows run events live.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if isTerminal(cmd.OutOrStdout()) {
				return runDashboard(cmd, "", "")
			}
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("STUDIO_API_URL", "http://localhost:8081"), "DuraGraph API base URL")
	cmd.PersistentFlags().StringP("transport", "t", envOrDefault("STUDIO_STREAM_TRANSPORT", "sse"), "run event transport (sse or websocket)")
	cmd.PersistentFlags().String("env-file", "", "dotenv file to load (default .env)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newThreadsCmd())
	cmd.AddCommand(newAssistantsCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newDevserverCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the studio version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "DuraGraph Studio %s\n", Version)
		},
	}
}
