package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Spawn and supervise subagents",
	}
	cmd.AddCommand(newAgentsStartCmd(), newAgentsListCmd(), newAgentsShowCmd(), newAgentsKillCmd())
	return cmd
}

func spawnBody(session, prompt, agentName, isolation, mode, taskRef, branch, workflowName, provider, model string) map[string]any {
	return map[string]any{
		"session_id": session,
		"prompt":     prompt,
		"agent":      agentName,
		"isolation":  isolation,
		"mode":       mode,
		"task":       taskRef,
		"branch":     branch,
		"workflow":   workflowName,
		"provider":   provider,
		"model":      model,
	}
}

func newAgentsStartCmd() *cobra.Command {
	var session, prompt, agentName, isolation, mode, taskRef, branch, workflowName, provider, model string
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"spawn"},
		Short:   "Spawn a subagent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := spawnBody(session, prompt, agentName, isolation, mode, taskRef, branch, workflowName, provider, model)
			if err := api().post("/api/agents", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "parent session id")
	cmd.Flags().StringVar(&prompt, "prompt", "", "assignment for the agent")
	cmd.Flags().StringVar(&agentName, "agent", "", "agent definition name")
	cmd.Flags().StringVar(&isolation, "isolation", "", "current, worktree, or clone")
	cmd.Flags().StringVar(&mode, "mode", "", "headless, terminal, embedded, or in_process")
	cmd.Flags().StringVar(&taskRef, "task", "", "task ref to work on")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name override")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow to pre-activate")
	cmd.Flags().StringVar(&provider, "provider", "", "llm provider override")
	cmd.Flags().StringVar(&model, "model", "", "llm model override")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]any
			q := query(map[string]string{"session_id": session})
			if err := api().get("/api/agents"+q, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "filter by parent session")
	return cmd
}

func newAgentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show an agent run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().get("/api/agents/"+url.PathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newAgentsKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Kill a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api().del("/api/agents/"+url.PathEscape(args[0]), &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}
