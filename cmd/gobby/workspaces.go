package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func listWorkspaces(kind, status string) error {
	var out []map[string]any
	q := query(map[string]string{"project_id": currentProject(), "status": status})
	if err := api().get("/api/"+kind+q, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func showWorkspace(kind, id string) error {
	var out map[string]any
	if err := api().get("/api/"+kind+"/"+url.PathEscape(id), &out); err != nil {
		return err
	}
	return printJSON(out)
}

func mergeWorkspace(id string) error {
	var out map[string]any
	if err := api().post("/api/merge/"+url.PathEscape(id), map[string]any{}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func deleteWorkspace(kind, id string) error {
	if err := api().del("/api/"+kind+"/"+url.PathEscape(id), nil); err != nil {
		return err
	}
	fmt.Println("removed")
	return nil
}

// spawnIsolated is the worktree/clone spawn shorthand: an agent start with
// the isolation pinned.
func spawnIsolated(isolation string) *cobra.Command {
	var session, prompt, agentName, taskRef, branch string
	cmd := &cobra.Command{
		Use:     "spawn",
		Aliases: []string{"create"},
		Short:   fmt.Sprintf("Spawn an agent in a fresh %s", isolation),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := spawnBody(session, prompt, agentName, isolation, "", taskRef, branch, "", "", "")
			if err := api().post("/api/agents", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "parent session id")
	cmd.Flags().StringVar(&prompt, "prompt", "", "assignment for the agent")
	cmd.Flags().StringVar(&agentName, "agent", "", "agent definition name")
	cmd.Flags().StringVar(&taskRef, "task", "", "task ref to work on")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name override")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newWorktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Manage agent worktrees",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWorkspaces("worktrees", status)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a worktree",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return showWorkspace("worktrees", args[0]) },
	}
	merge := &cobra.Command{
		Use:     "merge <id>",
		Aliases: []string{"sync"},
		Short:   "Merge a worktree's branch back into base",
		Args:    cobra.ExactArgs(1),
		RunE:    func(cmd *cobra.Command, args []string) error { return mergeWorkspace(args[0]) },
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a worktree and its row",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return deleteWorkspace("worktrees", args[0]) },
	}
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List worktrees marked stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWorkspaces("worktrees", "stale")
		},
	}

	var idleHours int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Mark long-idle worktrees stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			path := fmt.Sprintf("/api/worktrees/cleanup?idle_hours=%d", idleHours)
			if err := api().post(path, map[string]any{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cleanup.Flags().IntVar(&idleHours, "idle-hours", 72, "idle threshold")

	cmd.AddCommand(list, show, spawnIsolated("worktree"), merge, del, stale, cleanup)
	return cmd
}

func newClonesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clones",
		Short: "Manage agent shallow clones",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List clones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWorkspaces("clones", status)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a clone",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return showWorkspace("clones", args[0]) },
	}
	merge := &cobra.Command{
		Use:     "merge <id>",
		Aliases: []string{"sync"},
		Short:   "Merge a clone's branch back into base",
		Args:    cobra.ExactArgs(1),
		RunE:    func(cmd *cobra.Command, args []string) error { return mergeWorkspace(args[0]) },
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a clone directory and its row",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return deleteWorkspace("clones", args[0]) },
	}
	cleanup := &cobra.Command{
		Use:     "cleanup-merged",
		Aliases: []string{"cleanup"},
		Short:   "Delete merged clones past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().post("/api/clones/cleanup", map[string]any{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(list, show, spawnIsolated("clone"), merge, del, cleanup)
	return cmd
}
