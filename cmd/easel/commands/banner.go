package commands

import (
	"fmt"

	"github.com/easelhq/easel/logger"
	"github.com/easelhq/easel/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string, port int, wsPath string) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════╗\n")
	fmt.Printf("   ║                                       ║\n")
	fmt.Printf("   ║   ███████  █████  ███████ ███████ ██  ║\n")
	fmt.Printf("   ║   ██      ██   ██ ██      ██      ██  ║\n")
	fmt.Printf("   ║   █████   ███████ ███████ █████   ██  ║\n")
	fmt.Printf("   ║   ██      ██   ██      ██ ██      ██  ║\n")
	fmt.Printf("   ║   ███████ ██   ██ ███████ ███████ ███ ║\n")
	fmt.Printf("   ║                                       ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Easel Info ────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	fmt.Printf("%s│%s Endpoint:  ws://localhost:%d%s\n", green, reset, port, wsPath)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ Open a canvas to start collaborating%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
