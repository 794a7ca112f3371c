package main

import (
	"fmt"
	"os"

	"tuitui/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "tuitui-chat",
		Short: "Terminal client for tuitui chat rooms",
		Long: `tuitui-chat talks to a tuitui broker over REST and STOMP-over-WebSocket.

Configuration comes from TUITUI_* environment variables and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	load := func() (app.ClientConfig, error) {
		return app.LoadClientConfig(envFile)
	}

	rootCmd.AddCommand(
		roomsCmd(load),
		createRoomCmd(load),
		historyCmd(load),
		chatCmd(load),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tuitui-chat %s (%s)\n", version, commit)
		},
	}
}
