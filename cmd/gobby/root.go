package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gobby/internal/gerrors"
)

const version = "0.1.0"

var (
	flagAddr    string
	flagProject string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gobby",
		Short:         "Local daemon coordinating AI coding sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon address (default GOBBY_ADDR or config)")
	root.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project id scoping the command")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newMCPCmd(),
		newTasksCmd(),
		newSessionsCmd(),
		newWorkflowsCmd(),
		newAgentsCmd(),
		newWorktreesCmd(),
		newClonesCmd(),
		newConductorCmd(),
		newProjectsCmd(),
	)
	return root
}

// Execute runs the CLI and exits with the contract code: 0 success,
// 1 user error, 2 constraint violation, 3 not found, 4 timeout, 5 internal.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gobby: %v\n", err)
		os.Exit(gerrors.ExitCode(err))
	}
}
