// Qlink is a telemetry client for seismic digitizers.
//
// It registers with the instrument data port, turns the compressed data
// stream into miniSEED records written to a directory, and keeps the
// continuity state needed to resume after a restart without gaps.
//
// Usage:
//
//	qlink [command] [flags]
//
// See 'qlink --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/qlink/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qlink",
	Short: "Seismic digitizer telemetry client",
	Long: `A telemetry client for seismic digitizers.

qlink registers with the data port of an instrument, receives its
compressed data and status packets, and writes miniSEED records per
channel. Continuity files let a restarted client resume exactly where the
previous session stopped.`,
	Version:      version.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "qlink %s\n", version.Full())
	},
}
