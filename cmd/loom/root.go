package main

import (
	"fmt"

	"loom/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Label-driven pipeline orchestration daemon",
		Long:          "loom polls project boards and drives tickets through the\nResearch, Plan, and Implement stages with a reasoning agent.",
		Version:       fmt.Sprintf("loom %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newRunsCmd(),
	)

	return cmd
}
