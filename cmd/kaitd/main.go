// kaitd — self-improving advisory engine for AI coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kaitd",
	Short: "kaitd — advisory intelligence daemon for AI coding agents.",
	Long: `kaitd observes a coding agent's tool-use events, distills them into
reliability-scored insights, and serves just-in-time pre-tool advice back
to the agent, closing the loop through implicit feedback.`,
	RunE:          runServe, // Default to daemon mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.AddCommand(serveCmd, hookCmd, promoteCmd, statusCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
