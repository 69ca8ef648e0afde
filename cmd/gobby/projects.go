package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gobby/internal/gerrors"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage registered projects",
	}
	cmd.AddCommand(
		newProjectsListCmd(), newProjectsShowCmd(), newProjectsCreateCmd(),
		newProjectsRenameCmd(), newProjectsUpdateCmd(), newProjectsDeleteCmd(),
		newProjectsRepairCmd(),
	)
	return cmd
}

func newProjectsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			if err := api().get("/api/projects", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newProjectsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().get("/api/projects/"+url.PathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newProjectsCreateCmd() *cobra.Command {
	var name, repoPath, baseBranch string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoPath == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return gerrors.Internal("resolve cwd: %w", err)
				}
				repoPath = cwd
			}
			body := map[string]any{
				"name":        name,
				"repo_path":   repoPath,
				"base_branch": baseBranch,
			}
			var out map[string]any
			if err := api().post("/api/projects", body, &out); err != nil {
				return err
			}
			if id, ok := out["id"].(string); ok {
				if err := writeProjectFile(repoPath, id); err != nil {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository path (default cwd)")
	cmd.Flags().StringVar(&baseBranch, "branch", "main", "base branch")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"name": args[1]}
			if err := api().put("/api/projects/"+url.PathEscape(args[0]), body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newProjectsUpdateCmd() *cobra.Command {
	var repoPath, baseBranch, githubURL string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("repo") {
				body["repo_path"] = repoPath
			}
			if cmd.Flags().Changed("branch") {
				body["base_branch"] = baseBranch
			}
			if cmd.Flags().Changed("github") {
				body["github_url"] = githubURL
			}
			if len(body) == 0 {
				return gerrors.ConstraintViolation("nothing to update")
			}
			var out map[string]any
			if err := api().put("/api/projects/"+url.PathEscape(args[0]), body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository path")
	cmd.Flags().StringVar(&baseBranch, "branch", "", "base branch")
	cmd.Flags().StringVar(&githubURL, "github", "", "github url")
	return cmd
}

func newProjectsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project; its tasks move to the orphan bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().del("/api/projects/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

// newProjectsRepairCmd relinks the cwd to its registered project by
// rewriting .gobby/project.json.
func newProjectsRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rewrite .gobby/project.json for the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return gerrors.Internal("resolve cwd: %w", err)
			}
			var projects []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				RepoPath string `json:"repo_path"`
			}
			if err := api().get("/api/projects", &projects); err != nil {
				return err
			}
			for _, p := range projects {
				if p.RepoPath == cwd {
					if err := writeProjectFile(cwd, p.ID); err != nil {
						return err
					}
					fmt.Printf("linked to project %s (%s)\n", p.Name, p.ID)
					return nil
				}
			}
			return gerrors.NotFound("no registered project has repo path %s; use `gobby projects create`", cwd)
		},
	}
}

func writeProjectFile(repoPath, projectID string) error {
	dir := filepath.Join(repoPath, ".gobby")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gerrors.Internal("create %s: %w", dir, err)
	}
	data, _ := json.MarshalIndent(map[string]string{"project_id": projectID}, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "project.json"), data, 0o644); err != nil {
		return gerrors.Internal("write project.json: %w", err)
	}
	return nil
}
