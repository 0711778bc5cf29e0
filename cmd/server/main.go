// Command wsloop runs the readiness-driven WebSocket handshake server.
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
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wsloop",
		Short: "Single-threaded WebSocket handshake server",
		Long: `wsloop accepts TCP connections on one event loop, completes the
RFC 6455 opening handshake for each of them and hands connected
sockets to the frame layer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())
	return rootCmd
}
