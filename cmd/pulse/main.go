// Pulse - client-side event telemetry pipeline.
// Captures product events, rate-limits and batches them, and streams
// them to a collector over one persistent connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pulse "github.com/pulsekit/pulse/pkg"
)

// CLI flags
var (
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulse - capture and stream client events",
	Long: `Pulse is a client-side event telemetry pipeline: it captures product
events, rate-limits and batches them, and streams them to a collector
over one persistent connection.

Run "pulse collector" in one terminal and "pulse emit" in another to
watch a full pipeline locally.`,
	Version: fmt.Sprintf("%s (%s)", pulse.Version, pulse.GitCommit),
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}
