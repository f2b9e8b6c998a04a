// Command marketsim is the long-running simulator engine binary: it
// loads a config, launches the engine and subscriber manager, and
// serves the HTTP control surface until told to shut down.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "marketsim",
	Short: "Agent-based market simulator engine",
	Long: `marketsim runs the simulation engine and its control surface: a
single configurable instance that advances a price series in fixed
iteration blocks, driven by a pool of agents and gated by operator
calls over HTTP.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
