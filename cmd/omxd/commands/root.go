// Package commands implements the omxd CLI command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "omxd",
	Short: "Open-MX-Go board daemon",
	Long: `omxd opens a local (board, endpoint) context over UDP and keeps its
progress loop running for the lifetime of the process, the Go-port
equivalent of the kernel driver half of Open-MX.

Configuration is read entirely from OMX_* environment variables (see
internal/config); use "omxd start" to run it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
