package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "edgeflow",
		Short:         "Inline firewall and DNAT pipeline",
		Long:          `edgeflow filters frames by destination port and translates destinations with connection tracking.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newReplayCmd(),
		newInspectCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgeflow v%s (built: %s)\n", version, buildTime)
		},
	}
}
