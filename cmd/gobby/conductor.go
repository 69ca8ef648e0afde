package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func newConductorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Control the autonomous task loop",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show conductor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().get("/api/conductor", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().post("/api/conductor/start", map[string]any{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().post("/api/conductor/stop", map[string]any{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	chat := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Talk to the conductor about the work queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"message":    strings.Join(args, " "),
				"project_id": currentProject(),
			}
			var out map[string]any
			if err := api().post("/api/conductor/chat", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(status, start, stop, chat)
	return cmd
}
