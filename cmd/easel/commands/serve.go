package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/easelhq/easel/config"
	"github.com/easelhq/easel/errors"
	"github.com/easelhq/easel/logger"
	"github.com/easelhq/easel/server"
	"github.com/easelhq/easel/store"
)

// ServeCmd starts the Easel collaboration server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Easel collaboration server",
	Long: `Launch the Easel server: WebSocket rooms for live canvas
collaboration plus an HTTP API for canvas state, event history, and
batch sync.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
	serveWSPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Server port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveWSPath, "ws-path", "", "WebSocket endpoint path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	port := servePort
	if port == 0 {
		port = config.GetServerPort()
	}
	wsPath := serveWSPath
	if wsPath == "" {
		wsPath = config.GetWSPath()
	}
	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = config.GetDatabasePath()
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	printStartupBanner(verbosity, dbPath, port, wsPath)

	eventStore := store.NewEventStore(database, logger.Logger)
	srv := server.New(eventStore, logger.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port, wsPath)
	}()

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			// Second Ctrl+C - force immediate exit
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
