package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time with -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "admitguard",
		Short: "Request admission gate and security audit spike detector",
		Long: `admitguard enforces fixed-window request budgets per caller and records
security audit events, raising an alert when one principal produces a burst
of auth failures, denials or rate limits.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newCheckConfigCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
