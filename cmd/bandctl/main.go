package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bandctl",
		Short: "Fitness band BLE sync tool",
		Long: `Command-line front end of the fitness band protocol engine:

- Scan for nearby bands and show the capabilities they advertise
- Sync paginated history (steps, heart rate, sleep, HRV) with incremental resume
- Stream live step samples with activity classification and stride correction
- Classify a single sample offline from its cadence and speed
- Serve engine events to host applications over websocket

Use --transport sim to run against a simulated band without Bluetooth hardware.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main() prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.PersistentFlags().String("transport", "auto", "BLE transport (auto, goble, tinygo, sim)")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newClassifyCmd())
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
