package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newWorkflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Manage per-session workflows",
	}
	cmd.AddCommand(
		newWorkflowsListCmd(), newWorkflowsShowCmd(), newWorkflowsSetCmd(),
		newWorkflowsClearCmd(), newWorkflowsStatusCmd(), newWorkflowsPhaseCmd(),
		newWorkflowsResetCmd(), newWorkflowsAuditCmd(),
	)
	return cmd
}

func newWorkflowsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loadable workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []string
			if err := api().get("/api/workflows", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newWorkflowsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().get("/api/workflows/"+url.PathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newWorkflowsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set <session> <workflow>",
		Aliases: []string{"enable"},
		Short:   "Activate a workflow on a session",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"workflow": args[1]}
			if err := api().post("/api/sessions/"+url.PathEscape(args[0])+"/workflows", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newWorkflowsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "clear <session> <workflow>",
		Aliases: []string{"disable"},
		Short:   "Deactivate a workflow on a session",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/sessions/" + url.PathEscape(args[0]) + "/workflows/" + url.PathEscape(args[1])
			if err := api().del(path, nil); err != nil {
				return err
			}
			fmt.Println("deactivated")
			return nil
		},
	}
}

func workflowStatus(sessionID string) (map[string]any, error) {
	var out map[string]any
	if err := api().get("/api/sessions/"+url.PathEscape(sessionID)+"/workflows", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func newWorkflowsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Show active workflows and phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := workflowStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newWorkflowsPhaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phase <session>",
		Short: "Show the session's current phase workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := workflowStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(out["phase_workflow"])
		},
	}
}

func newWorkflowsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session> <workflow>",
		Short: "Restart a workflow from its first phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "/api/sessions/" + url.PathEscape(args[0]) + "/workflows"
			if err := api().del(base+"/"+url.PathEscape(args[1]), nil); err != nil {
				return err
			}
			var out map[string]any
			if err := api().post(base, map[string]any{"workflow": args[1]}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newWorkflowsAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <session>",
		Short: "Show the session's workflow audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			path := fmt.Sprintf("/api/sessions/%s/audit?limit=%d", url.PathEscape(args[0]), limit)
			if err := api().get(path, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}
