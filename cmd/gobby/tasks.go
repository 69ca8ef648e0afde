package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"gobby/internal/gerrors"
)

func projQuery() string {
	return query(map[string]string{"project_id": currentProject()})
}

func requireProject() error {
	if currentProject() == "" {
		return gerrors.ConstraintViolation("no project: pass --project or run inside a repo with .gobby/project.json")
	}
	return nil
}

func taskPath(ref string) string {
	return "/api/tasks/" + url.PathEscape(ref) + projQuery()
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task graph",
	}
	cmd.AddCommand(
		newTasksListCmd(), newTasksReadyCmd(), newTasksBlockedCmd(),
		newTasksShowCmd(), newTasksCreateCmd(), newTasksUpdateCmd(),
		newTasksCloseCmd(), newTasksReopenCmd(), newTasksDeleteCmd(),
		newTasksExpandCmd(), newTasksValidateCmd(), newTasksDepCmd(),
		newTasksSyncCmd(), newTasksCompactCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var status, taskType, label string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			q := query(map[string]string{
				"project_id": currentProject(),
				"status":     status,
				"type":       taskType,
				"label":      label,
			})
			if err := api().get("/api/tasks"+q, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type")
	cmd.Flags().StringVar(&label, "label", "", "filter by label")
	return cmd
}

func newTasksReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List unblocked pending tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := api().get("/api/tasks/ready"+projQuery(), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newTasksBlockedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List tasks waiting on dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := api().get("/api/tasks/blocked"+projQuery(), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show a task with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().get(taskPath(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newTasksCreateCmd() *cobra.Command {
	var title, desc, details, taskType, parent, criteria, session string
	var priority int
	var blocks []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			body := map[string]any{
				"project_id":          currentProject(),
				"title":               title,
				"description":         desc,
				"details":             details,
				"priority":            priority,
				"type":                taskType,
				"parent_task":         parent,
				"blocks":              blocks,
				"validation_criteria": criteria,
				"session_id":          session,
			}
			var out map[string]any
			if err := api().post("/api/tasks", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "short description")
	cmd.Flags().StringVar(&details, "details", "", "implementation notes")
	cmd.Flags().IntVar(&priority, "priority", 2, "1 urgent .. 4 low")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task ref")
	cmd.Flags().StringSliceVar(&blocks, "blocks", nil, "task refs this one blocks")
	cmd.Flags().StringVar(&criteria, "criteria", "", "validation criteria")
	cmd.Flags().StringVar(&session, "session", "", "creating session id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTasksUpdateCmd() *cobra.Command {
	var title, desc, details, strategy, taskType, criteria string
	var priority int
	var labels []string
	cmd := &cobra.Command{
		Use:   "update <ref>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			set := func(flag, key string, val any) {
				if cmd.Flags().Changed(flag) {
					body[key] = val
				}
			}
			set("title", "title", title)
			set("description", "description", desc)
			set("details", "details", details)
			set("test-strategy", "test_strategy", strategy)
			set("priority", "priority", priority)
			set("type", "type", taskType)
			set("labels", "labels", labels)
			set("criteria", "validation_criteria", criteria)
			if len(body) == 0 {
				return gerrors.ConstraintViolation("nothing to update")
			}
			var out map[string]any
			if err := api().put(taskPath(args[0]), body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&details, "details", "", "new details")
	cmd.Flags().StringVar(&strategy, "test-strategy", "", "new test strategy")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority")
	cmd.Flags().StringVar(&taskType, "type", "", "new type")
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "replacement label set")
	cmd.Flags().StringVar(&criteria, "criteria", "", "new validation criteria")
	return cmd
}

func newTasksCloseCmd() *cobra.Command {
	var session, commit, summary string
	var force bool
	cmd := &cobra.Command{
		Use:   "close <ref>",
		Short: "Close a task, running validation when configured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"session_id":      session,
				"commit_sha":      commit,
				"changes_summary": summary,
				"force":           force,
			}
			var out map[string]any
			if err := api().post(taskPath(args[0])+"/close", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "closing session id")
	cmd.Flags().StringVar(&commit, "commit", "", "commit sha to attach")
	cmd.Flags().StringVar(&summary, "summary", "", "summary of the change")
	cmd.Flags().BoolVar(&force, "force", false, "skip validation")
	return cmd
}

func newTasksReopenCmd() *cobra.Command {
	var session, reason string
	cmd := &cobra.Command{
		Use:   "reopen <ref>",
		Short: "Reopen a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"session_id": session, "reason": reason}
			var out map[string]any
			if err := api().post(taskPath(args[0])+"/reopen", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task reopens")
	return cmd
}

func newTasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().del(taskPath(args[0]), nil); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func newTasksExpandCmd() *cobra.Command {
	var strategy, session string
	var maxSubtasks int
	var tdd bool
	cmd := &cobra.Command{
		Use:   "expand <ref>",
		Short: "Split a task into subtasks with the LLM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"strategy":     strategy,
				"max_subtasks": maxSubtasks,
				"tdd_mode":     tdd,
				"session_id":   session,
			}
			var out []map[string]any
			if err := api().post(taskPath(args[0])+"/expand", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "expansion strategy")
	cmd.Flags().IntVar(&maxSubtasks, "max", 0, "subtask cap")
	cmd.Flags().BoolVar(&tdd, "tdd", false, "pair each subtask with a test-first twin")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	return cmd
}

func newTasksValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <ref>",
		Short: "Validate a task against its criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().post(taskPath(args[0])+"/validate", map[string]any{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newTasksDepCmd() *cobra.Command {
	var depType string
	add := &cobra.Command{
		Use:   "add <ref> <depends-on>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"depends_on": args[1], "dep_type": depType}
			var out map[string]any
			if err := api().post(taskPath(args[0])+"/deps", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	remove := &cobra.Command{
		Use:   "remove <ref> <depends-on>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query(map[string]string{"project_id": currentProject(), "dep_type": depType})
			path := "/api/tasks/" + url.PathEscape(args[0]) + "/deps/" + url.PathEscape(args[1]) + q
			if err := api().del(path, nil); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
	}
	cmd.PersistentFlags().StringVar(&depType, "type", "", "dependency type (blocks, related, discovered-from)")
	cmd.AddCommand(add, remove)
	return cmd
}

func newTasksSyncCmd() *cobra.Command {
	var doImport, doExport bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync tasks with the project JSONL file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			direction := "export"
			if doImport {
				direction = "import"
			}
			var out map[string]any
			body := map[string]any{"project_id": currentProject(), "direction": direction}
			if err := api().post("/api/tasks/sync", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&doImport, "import", false, "import edits from the JSONL file")
	cmd.Flags().BoolVar(&doExport, "export", false, "export tasks to the JSONL file (default)")
	return cmd
}

func newTasksCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Summarize old closed tasks to reclaim context",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireProject(); err != nil {
				return err
			}
			var out map[string]any
			body := map[string]any{"project_id": currentProject()}
			if err := api().post("/api/tasks/compact", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
