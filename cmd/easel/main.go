package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/cmd/easel/commands"
	"github.com/easelhq/easel/logger"
)

var rootCmd = &cobra.Command{
	Use:   "easel",
	Short: "Easel - Collaborative canvas event-sourcing server",
	Long: `Easel - Real-time collaborative canvas built on an append-only event log.

Every edit to a canvas is an event: committed to SQLite with a dense
per-canvas version number, projected into a shape table, and fanned out
to every connected client over WebSocket. Concurrent edits to the same
shape are merged property-by-property using vector clocks.

Available commands:
  serve   - Start the collaboration server (WebSocket + HTTP API)
  db      - Manage the Easel database
  config  - Inspect effective configuration
  version - Show version information

Examples:
  easel serve                  # Start the server on the configured port
  easel serve --port 9000      # Override the port
  easel db stats               # Show canvas/event/shape counts
  easel db migrate             # Apply pending schema migrations
  easel config show            # Print the resolved configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize global logger before any command runs
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
