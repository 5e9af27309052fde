package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statewire",
		Short: "Server-driven stateful components over WebSocket",
		Long: `Statewire keeps component state on the server and syncs it to
clients over a persistent duplex channel.

Clients mount components, dispatch actions, and receive state
broadcasts; signed snapshots let sessions survive disconnects,
evictions, and server restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
